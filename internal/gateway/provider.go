package gateway

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
)

// Rewrite is the name-rewriting policy applied before cache lookup. It
// exists to prevent self-loops when the same process hosts both ends: the
// downstream side serves names under From and searches upstream under To.
// A zero Rewrite serves every name unchanged.
type Rewrite struct {
	From string
	To   string
}

// Apply maps a downstream name to its upstream name. ok is false when the
// name is not served by this provider.
func (r Rewrite) Apply(name string) (string, bool) {
	if r.From == "" {
		return name, name != ""
	}
	if !strings.HasPrefix(name, r.From) {
		return "", false
	}
	return r.To + name[len(r.From):], true
}

// Provider is the public facade of the gateway core: it resolves names
// against the channel cache and hands out downstream channel wrappers.
type Provider struct {
	name    string
	cache   *ChannelCache
	rewrite Rewrite
	logger  *zap.Logger
}

// NewProvider builds a gateway provider over an upstream provider.
func NewProvider(name string, upstream pvaccess.Provider, rewrite Rewrite, reconnectPerSec float64, logger *zap.Logger) *Provider {
	return &Provider{
		name:    name,
		cache:   NewChannelCache(upstream, reconnectPerSec, logger),
		rewrite: rewrite,
		logger:  logger,
	}
}

// Name returns the provider's registered name.
func (p *Provider) Name() string { return p.name }

// Cache exposes the channel cache (sweeper wiring and tests).
func (p *Provider) Cache() *ChannelCache { return p.cache }

// ChannelFind reports whether the name is currently servable: true only
// when a cached entry exists and its upstream is connected. A miss starts
// background resolution; a hit in any state restarts the eviction grace.
func (p *Provider) ChannelFind(name string) bool {
	target, ok := p.rewrite.Apply(name)
	if !ok {
		return false
	}

	entry := p.cache.Lookup(target)
	if entry == nil {
		// first request: create the entry and start connecting
		p.cache.Get(target)
		return false
	}

	entry.Poke()
	if entry.Connected() {
		p.logger.Debug("channel find hit",
			zap.String("name", name),
			zap.String("target", target),
		)
		return true
	}
	p.logger.Debug("cache poke", zap.String("target", target))
	return false
}

// CreateChannel returns a downstream wrapper holding the cached entry
// open. It requires a connected entry; otherwise the caller gets
// ErrNotFound and should retry after a successful find.
func (p *Provider) CreateChannel(name string, requester pvaccess.ChannelRequester) (*GWChannel, error) {
	target, ok := p.rewrite.Apply(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", pvaccess.ErrNotFound, name)
	}

	entry := p.cache.Lookup(target)
	if entry == nil || !entry.Connected() {
		p.logger.Debug("refusing channel", zap.String("name", name))
		return nil, fmt.Errorf("%w: %q", pvaccess.ErrNotFound, name)
	}

	gw := newGWChannel(entry, requester)
	entry.addInterested(gw)
	entry.Poke()
	p.logger.Debug("connecting channel",
		zap.String("name", name),
		zap.String("target", target),
		zap.String("id", gw.ID()),
	)
	return gw, nil
}

// CreateMonitor is a convenience that parses the request and attaches a
// subscription through the given downstream channel.
func (p *Provider) CreateMonitor(ch *GWChannel, req pvaccess.Request, requester pvaccess.UserRequester) (*MonitorUser, error) {
	return ch.CreateMonitor(req, requester)
}
