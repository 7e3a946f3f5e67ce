package localdb

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
)

// Provider serves SharedPVs by name. Channels may be created before the
// record is opened (or even added); they connect when it opens.
type Provider struct {
	name   string
	logger *zap.Logger

	mu  sync.Mutex
	pvs map[string]*SharedPV
}

var _ pvaccess.Provider = (*Provider)(nil)

// NewProvider builds an empty local database provider.
func NewProvider(name string, logger *zap.Logger) *Provider {
	return &Provider{
		name:   name,
		logger: logger,
		pvs:    make(map[string]*SharedPV),
	}
}

// Name returns the provider's registered name.
func (p *Provider) Name() string { return p.name }

// CreatePV returns the record for name, creating it closed if absent.
// Callers Open it to make it servable.
func (p *Provider) CreatePV(name string) *SharedPV {
	p.mu.Lock()
	defer p.mu.Unlock()
	pv, ok := p.pvs[name]
	if !ok {
		pv = newSharedPV(name, p.logger)
		p.pvs[name] = pv
	}
	return pv
}

// Lookup returns the record for name, or nil.
func (p *Provider) Lookup(name string) *SharedPV {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pvs[name]
}

// ChannelFind reports whether the name is currently servable.
func (p *Provider) ChannelFind(name string) bool {
	pv := p.Lookup(name)
	return pv != nil && pv.IsOpen()
}

// CreateChannel opens a channel toward the record. The channel for a
// closed or not-yet-added record stays disconnected until the record
// opens; state transitions arrive through the requester.
func (p *Provider) CreateChannel(name string, requester pvaccess.ChannelRequester) (pvaccess.Channel, error) {
	if name == "" {
		return nil, pvaccess.ErrNotFound
	}
	pv := p.CreatePV(name)
	return pv.newChannel(requester), nil
}

// Size returns the number of records, servable or not.
func (p *Provider) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pvs)
}
