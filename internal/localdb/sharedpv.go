// Package localdb bridges the PV protocol to an in-process real-time
// database of mailbox records. It implements the same upstream provider
// contract the gateway core consumes, so gateway and database share one
// subscription machinery.
package localdb

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// SharedPV is a mailbox record: it holds the latest value and fans every
// post out to all subscribed monitors. A PV is servable while open; close
// disconnects its channels without dropping them, destroy is terminal.
type SharedPV struct {
	name   string
	logger *zap.Logger

	// postMu serializes posts so events reach each monitor in post order.
	postMu sync.Mutex

	mu       sync.Mutex
	typ      *pvdata.Type
	value    *pvdata.Value
	open     bool
	channels map[*dbChannel]struct{}
}

func newSharedPV(name string, logger *zap.Logger) *SharedPV {
	return &SharedPV{
		name:     name,
		logger:   logger,
		channels: make(map[*dbChannel]struct{}),
	}
}

// Name returns the record name.
func (pv *SharedPV) Name() string { return pv.name }

// IsOpen reports whether the record is servable.
func (pv *SharedPV) IsOpen() bool {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.open
}

// Open makes the record servable with the given type. Channels created
// before open connect now; monitors are (re)established by their owners
// through CreateMonitor.
func (pv *SharedPV) Open(t *pvdata.Type) error {
	pv.mu.Lock()
	if pv.open {
		pv.mu.Unlock()
		return fmt.Errorf("localdb: pv %q already open", pv.name)
	}
	pv.typ = t
	pv.value = pvdata.NewValue(t)
	pv.open = true
	chans := pv.channelList()
	pv.mu.Unlock()

	pv.logger.Debug("pv opened", zap.String("pv", pv.name))
	for _, ch := range chans {
		ch.stateChange(pvaccess.StateConnected)
	}
	return nil
}

// Post merges a delta into the record under its changed set and fans the
// event out to every monitor. Events are serialized in post order.
func (pv *SharedPV) Post(delta *pvdata.Value, changed *pvdata.BitSet) error {
	pv.postMu.Lock()
	defer pv.postMu.Unlock()

	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return fmt.Errorf("localdb: pv %q not open", pv.name)
	}
	pv.value.MergeFrom(delta, changed)
	var mons []*dbMonitor
	for ch := range pv.channels {
		mons = append(mons, ch.monitorList()...)
	}
	pv.mu.Unlock()

	empty := pvdata.NewBitSet()
	for _, m := range mons {
		m.requester.MonitorEvent(delta, changed, empty)
	}
	return nil
}

// Close disconnects the record's channels but keeps them registered. Their
// monitors are dropped; owners re-create them through CreateMonitor after
// a later Open.
func (pv *SharedPV) Close() {
	pv.mu.Lock()
	if !pv.open {
		pv.mu.Unlock()
		return
	}
	pv.open = false
	chans := pv.channelList()
	pv.mu.Unlock()

	pv.logger.Debug("pv closed", zap.String("pv", pv.name))
	for _, ch := range chans {
		ch.dropMonitors()
		ch.stateChange(pvaccess.StateDisconnected)
	}
}

// Destroy is terminal: every monitor gets unlisten, every channel sees
// DESTROYED.
func (pv *SharedPV) Destroy() {
	pv.mu.Lock()
	pv.open = false
	chans := pv.channelList()
	pv.channels = make(map[*dbChannel]struct{})
	pv.mu.Unlock()

	pv.logger.Debug("pv destroyed", zap.String("pv", pv.name))
	for _, ch := range chans {
		for _, m := range ch.takeMonitors() {
			m.requester.Unlisten()
		}
		ch.stateChange(pvaccess.StateDestroyed)
	}
}

// channelList is called with pv.mu held.
func (pv *SharedPV) channelList() []*dbChannel {
	out := make([]*dbChannel, 0, len(pv.channels))
	for ch := range pv.channels {
		out = append(out, ch)
	}
	return out
}

func (pv *SharedPV) newChannel(requester pvaccess.ChannelRequester) *dbChannel {
	ch := &dbChannel{
		pv:        pv,
		requester: requester,
		monitors:  make(map[*dbMonitor]struct{}),
	}
	pv.mu.Lock()
	pv.channels[ch] = struct{}{}
	pv.mu.Unlock()
	return ch
}

// dbChannel is one client channel onto a SharedPV.
type dbChannel struct {
	pv        *SharedPV
	requester pvaccess.ChannelRequester
	destroyed atomic.Bool

	mu       sync.Mutex
	monitors map[*dbMonitor]struct{}
}

var _ pvaccess.Channel = (*dbChannel)(nil)

func (c *dbChannel) Name() string { return c.pv.name }

func (c *dbChannel) Connected() bool {
	return !c.destroyed.Load() && c.pv.IsOpen()
}

// CreateMonitor subscribes to the record. When the record is open the
// requester gets MonitorConnect with the current value before this
// returns; otherwise the subscription waits for a re-issue after open.
func (c *dbChannel) CreateMonitor(sig pvaccess.Signature, requester pvaccess.MonitorRequester) (pvaccess.Monitor, error) {
	if c.destroyed.Load() {
		return nil, pvaccess.ErrDestroyed
	}

	m := &dbMonitor{channel: c, sig: sig, requester: requester}

	pv := c.pv
	pv.mu.Lock()
	open := pv.open
	var typ *pvdata.Type
	var initial *pvdata.Value
	if open {
		typ = pv.typ
		initial = pv.value.Clone()
	}
	c.mu.Lock()
	c.monitors[m] = struct{}{}
	c.mu.Unlock()
	pv.mu.Unlock()

	if open {
		requester.MonitorConnect(typ, initial)
	}
	return m, nil
}

func (c *dbChannel) Destroy() {
	if c.destroyed.Swap(true) {
		return
	}
	pv := c.pv
	pv.mu.Lock()
	delete(pv.channels, c)
	pv.mu.Unlock()

	c.mu.Lock()
	c.monitors = make(map[*dbMonitor]struct{})
	c.mu.Unlock()
}

func (c *dbChannel) stateChange(st pvaccess.ConnState) {
	if c.requester != nil {
		c.requester.ChannelStateChange(st)
	}
}

func (c *dbChannel) monitorList() []*dbMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*dbMonitor, 0, len(c.monitors))
	for m := range c.monitors {
		out = append(out, m)
	}
	return out
}

func (c *dbChannel) dropMonitors() {
	c.mu.Lock()
	c.monitors = make(map[*dbMonitor]struct{})
	c.mu.Unlock()
}

func (c *dbChannel) takeMonitors() []*dbMonitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*dbMonitor, 0, len(c.monitors))
	for m := range c.monitors {
		out = append(out, m)
	}
	c.monitors = make(map[*dbMonitor]struct{})
	return out
}

// dbMonitor is one established subscription on a dbChannel.
type dbMonitor struct {
	channel   *dbChannel
	sig       pvaccess.Signature
	requester pvaccess.MonitorRequester
	destroyed atomic.Bool
}

var _ pvaccess.Monitor = (*dbMonitor)(nil)

func (m *dbMonitor) Destroy() {
	if m.destroyed.Swap(true) {
		return
	}
	c := m.channel
	c.mu.Lock()
	delete(c.monitors, m)
	c.mu.Unlock()
}
