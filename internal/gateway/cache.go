package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
)

// ChannelCache deduplicates upstream channels by name and evicts unused
// entries with a two-phase mark-and-drop: an entry survives the sweep in
// which its dropPoke flag is set, and is removed on the next sweep if
// nothing refers to it and nothing poked it again.
type ChannelCache struct {
	provider  pvaccess.Provider
	logger    *zap.Logger
	reconnect *rate.Limiter

	mu      sync.Mutex
	entries map[string]*ChannelEntry
}

// NewChannelCache builds a cache over the given upstream provider.
// reconnectPerSec bounds how fast failed upstream connects are retried by
// the sweeper.
func NewChannelCache(provider pvaccess.Provider, reconnectPerSec float64, logger *zap.Logger) *ChannelCache {
	if reconnectPerSec <= 0 {
		reconnectPerSec = 1
	}
	return &ChannelCache{
		provider:  provider,
		logger:    logger,
		reconnect: rate.NewLimiter(rate.Limit(reconnectPerSec), int(reconnectPerSec)+1),
		entries:   make(map[string]*ChannelEntry),
	}
}

// Get returns the entry for name, creating it and launching the upstream
// connect if absent. Idempotent per name; never blocks on I/O while
// holding the cache lock.
func (c *ChannelCache) Get(name string) *ChannelEntry {
	c.mu.Lock()
	entry, ok := c.entries[name]
	if ok {
		entry.Poke()
		c.mu.Unlock()
		return entry
	}
	entry = newChannelEntry(c, name)
	entry.state = pvaccess.StateConnecting
	entry.Poke()
	c.entries[name] = entry
	c.mu.Unlock()

	c.logger.Debug("cache entry created", zap.String("channel", name))
	go c.connect(entry)
	return entry
}

// Lookup returns the entry for name without creating one.
func (c *ChannelCache) Lookup(name string) *ChannelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[name]
}

func (c *ChannelCache) connect(entry *ChannelEntry) {
	ch, err := c.provider.CreateChannel(entry.name, entry)
	if err != nil {
		entry.connectFailed(err)
		return
	}
	entry.attachChannel(ch)
}

// Sweep runs one eviction round: poked entries get another round of grace,
// referenced entries stay, everything else is dropped and its upstream
// connection destroyed. Empty MonitorEntries of surviving channels are
// pruned, and failed connects are retried under the reconnect limiter.
func (c *ChannelCache) Sweep() {
	var dropped []*ChannelEntry
	var kept []*ChannelEntry

	c.mu.Lock()
	for name, entry := range c.entries {
		if entry.dropPoke.Swap(false) {
			kept = append(kept, entry)
			continue
		}
		if entry.hasReferrers() {
			kept = append(kept, entry)
			continue
		}
		delete(c.entries, name)
		dropped = append(dropped, entry)
	}
	c.mu.Unlock()

	for _, entry := range dropped {
		c.logger.Info("cache entry dropped", zap.String("channel", entry.name))
		entry.destroy()
	}

	for _, entry := range kept {
		entry.pruneMonitors()

		entry.mu.Lock()
		needsRetry := entry.channel == nil && entry.state == pvaccess.StateDisconnected
		entry.mu.Unlock()
		if needsRetry && c.reconnect.Allow() {
			c.logger.Debug("retrying upstream connect", zap.String("channel", entry.name))
			entry.mu.Lock()
			entry.state = pvaccess.StateConnecting
			entry.mu.Unlock()
			go c.connect(entry)
		}
	}
}

// Run drives the periodic sweep until the context is cancelled, then
// clears the cache. Call in a goroutine.
func (c *ChannelCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("cache sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache sweeper stopping")
			c.Clear()
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Clear tears down every entry. Used at shutdown.
func (c *ChannelCache) Clear() {
	c.mu.Lock()
	entries := make([]*ChannelEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[string]*ChannelEntry)
	c.mu.Unlock()

	for _, e := range entries {
		e.destroy()
	}
}

// Size returns the number of cached channels.
func (c *ChannelCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ChannelCache) snapshotEntries() []*ChannelEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChannelEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
