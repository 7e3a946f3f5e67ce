package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
)

// ChannelEntry is the cache's record of one upstream channel: the channel
// handle, its connection state, the MonitorEntries deduplicated by request
// signature, and the downstream channels keeping it alive.
type ChannelEntry struct {
	cache *ChannelCache
	name  string

	mu         sync.Mutex
	channel    pvaccess.Channel
	state      pvaccess.ConnState
	monitors   map[string]*MonitorEntry
	interested map[*GWChannel]struct{}

	// dropPoke grants one more sweep round of grace; any external interest
	// sets it.
	dropPoke atomic.Bool
}

var _ pvaccess.ChannelRequester = (*ChannelEntry)(nil)

func newChannelEntry(cache *ChannelCache, name string) *ChannelEntry {
	liveChannelEntries.Add(1)
	return &ChannelEntry{
		cache:      cache,
		name:       name,
		state:      pvaccess.StateInit,
		monitors:   make(map[string]*MonitorEntry),
		interested: make(map[*GWChannel]struct{}),
	}
}

// Name returns the upstream channel name.
func (e *ChannelEntry) Name() string { return e.name }

// State returns the current connection state.
func (e *ChannelEntry) State() pvaccess.ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connected reports whether the upstream channel is usable for monitor
// creation.
func (e *ChannelEntry) Connected() bool {
	return e.State() == pvaccess.StateConnected
}

// Poke restarts the eviction grace window.
func (e *ChannelEntry) Poke() { e.dropPoke.Store(true) }

// attachChannel installs the upstream handle once the async connect
// completes, then runs the resulting state transition.
func (e *ChannelEntry) attachChannel(ch pvaccess.Channel) {
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()

	if ch.Connected() {
		e.ChannelStateChange(pvaccess.StateConnected)
	} else {
		e.ChannelStateChange(pvaccess.StateConnecting)
	}
}

// connectFailed leaves the entry cached in a disconnected state; the
// sweeper retries it.
func (e *ChannelEntry) connectFailed(err error) {
	e.mu.Lock()
	e.channel = nil
	e.state = pvaccess.StateDisconnected
	e.mu.Unlock()
	e.cache.logger.Info("upstream connect failed",
		zap.String("channel", e.name),
		zap.Error(err),
	)
}

// ChannelStateChange propagates an upstream transition to every
// MonitorEntry and every interested downstream channel. Callbacks run with
// no lock held.
func (e *ChannelEntry) ChannelStateChange(st pvaccess.ConnState) {
	e.mu.Lock()
	e.state = st
	if st == pvaccess.StateConnected {
		// a successful connect restarts the grace window
		e.dropPoke.Store(true)
	}
	ch := e.channel
	mons := make([]*MonitorEntry, 0, len(e.monitors))
	for _, m := range e.monitors {
		mons = append(mons, m)
	}
	holders := make([]*GWChannel, 0, len(e.interested))
	for gw := range e.interested {
		holders = append(holders, gw)
	}
	e.mu.Unlock()

	switch st {
	case pvaccess.StateConnected:
		for _, m := range mons {
			m.channelConnected(ch)
		}
	case pvaccess.StateDisconnected, pvaccess.StateDestroyed:
		for _, m := range mons {
			m.channelDisconnected()
		}
	}

	for _, gw := range holders {
		gw.channelStateChange(st)
	}
}

// attachMonitor returns the deduplicated MonitorEntry for the signature,
// creating it (and issuing the upstream monitor, when connected) on first
// use, then attaches a new user to it.
func (e *ChannelEntry) attachMonitor(sig pvaccess.Signature, requester pvaccess.UserRequester) *MonitorUser {
	key := sig.Key()

	e.mu.Lock()
	mon, ok := e.monitors[key]
	created := false
	if !ok {
		mon = newMonitorEntry(e, sig, e.cache.logger)
		e.monitors[key] = mon
		created = true
	}
	ch := e.channel
	connected := e.state == pvaccess.StateConnected
	e.mu.Unlock()

	user := newMonitorUser(mon, sig, requester)
	mon.attach(user)

	if created && connected && ch != nil {
		mon.channelConnected(ch)
	}
	return user
}

// hasReferrers reports whether any downstream object still holds this
// entry open.
func (e *ChannelEntry) hasReferrers() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.interested) > 0 {
		return true
	}
	for _, m := range e.monitors {
		if m.userCount() > 0 {
			return true
		}
	}
	return false
}

// pruneMonitors drops MonitorEntries whose user set emptied. Called by the
// sweeper; an entry emptied between sweeps is retained until now so a
// re-subscribing client reuses the upstream monitor.
func (e *ChannelEntry) pruneMonitors() {
	e.mu.Lock()
	var drop []*MonitorEntry
	for key, m := range e.monitors {
		if m.userCount() == 0 {
			drop = append(drop, m)
			delete(e.monitors, key)
		}
	}
	e.mu.Unlock()

	for _, m := range drop {
		m.destroy()
	}
}

// destroy severs the entry from upstream and tears down its monitors.
func (e *ChannelEntry) destroy() {
	e.mu.Lock()
	mons := make([]*MonitorEntry, 0, len(e.monitors))
	for _, m := range e.monitors {
		mons = append(mons, m)
	}
	e.monitors = make(map[string]*MonitorEntry)
	ch := e.channel
	e.channel = nil
	e.state = pvaccess.StateDestroyed
	e.mu.Unlock()

	for _, m := range mons {
		m.destroy()
	}
	if ch != nil {
		ch.Destroy()
	}
	liveChannelEntries.Add(-1)
}

func (e *ChannelEntry) addInterested(gw *GWChannel) {
	e.mu.Lock()
	e.interested[gw] = struct{}{}
	e.mu.Unlock()
}

func (e *ChannelEntry) removeInterested(gw *GWChannel) {
	e.mu.Lock()
	delete(e.interested, gw)
	e.mu.Unlock()
}

func (e *ChannelEntry) interestedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.interested)
}

func (e *ChannelEntry) monitorCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.monitors)
}

func (e *ChannelEntry) subscriberCount() int {
	e.mu.Lock()
	mons := make([]*MonitorEntry, 0, len(e.monitors))
	for _, m := range e.monitors {
		mons = append(mons, m)
	}
	e.mu.Unlock()

	n := 0
	for _, m := range mons {
		n += m.userCount()
	}
	return n
}

// GWChannel is the downstream channel wrapper handed to a client. It keeps
// its ChannelEntry alive for the eviction sweeper and owns the users it
// created.
type GWChannel struct {
	entry     *ChannelEntry
	requester pvaccess.ChannelRequester // downstream's, may be nil
	id        string

	mu     sync.Mutex
	users  []*MonitorUser
	closed bool
}

func newGWChannel(entry *ChannelEntry, requester pvaccess.ChannelRequester) *GWChannel {
	liveGWChannels.Add(1)
	return &GWChannel{
		entry:     entry,
		requester: requester,
		id:        uuid.New().String(),
	}
}

// Name returns the upstream channel name this wrapper is bound to.
func (c *GWChannel) Name() string { return c.entry.name }

// ID returns the wrapper's unique identifier.
func (c *GWChannel) ID() string { return c.id }

// Connected reports upstream connectivity.
func (c *GWChannel) Connected() bool { return c.entry.Connected() }

// CreateMonitor parses the request and attaches a new subscription to the
// deduplicated upstream monitor.
func (c *GWChannel) CreateMonitor(req pvaccess.Request, requester pvaccess.UserRequester) (*MonitorUser, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, pvaccess.ErrDestroyed
	}
	c.mu.Unlock()

	sig, err := pvaccess.ParseRequest(req)
	if err != nil {
		return nil, fmt.Errorf("create monitor on %q: %w", c.entry.name, err)
	}

	user := c.entry.attachMonitor(sig, requester)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		user.Cancel()
		return nil, pvaccess.ErrDestroyed
	}
	c.users = append(c.users, user)
	c.mu.Unlock()
	return user, nil
}

// Destroy cancels the wrapper's subscriptions and releases its hold on the
// ChannelEntry. The entry itself is evicted later by the sweeper once
// nothing else refers to it.
func (c *GWChannel) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	users := c.users
	c.users = nil
	c.mu.Unlock()

	for _, u := range users {
		u.Cancel()
	}
	c.entry.removeInterested(c)
	liveGWChannels.Add(-1)
}

func (c *GWChannel) channelStateChange(st pvaccess.ConnState) {
	if c.requester != nil {
		c.requester.ChannelStateChange(st)
	}
}
