package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// MonitorEntry multiplexes one upstream subscription to every downstream
// user attached with the same request signature. It owns the latest merged
// snapshot; users own their queues.
//
// Exactly one MonitorEntry exists per (ChannelEntry, Signature).
type MonitorEntry struct {
	channel *ChannelEntry
	sig     pvaccess.Signature
	logger  *zap.Logger

	mu        sync.Mutex
	typ       *pvdata.Type
	snapshot  *pvdata.Value
	users     []*MonitorUser
	connected bool
	done      bool // upstream unlistened
	upstream  pvaccess.Monitor
	issuing   bool
}

var _ pvaccess.MonitorRequester = (*MonitorEntry)(nil)

func newMonitorEntry(channel *ChannelEntry, sig pvaccess.Signature, logger *zap.Logger) *MonitorEntry {
	liveMonitorEntries.Add(1)
	return &MonitorEntry{
		channel: channel,
		sig:     sig,
		logger:  logger,
	}
}

// attach appends a user to the fan-out list. If the upstream is already
// connected an initial whole-value delivery is scheduled for the user.
func (m *MonitorEntry) attach(u *MonitorUser) {
	m.mu.Lock()
	m.users = append(m.users, u)
	if m.connected {
		u.mu.Lock()
		u.markInitialLocked()
		u.mu.Unlock()
	}
	m.mu.Unlock()
}

// detach removes a user from fan-out. Returns false if the user was
// already detached. Safe concurrently with MonitorEvent: an in-flight
// event either still sees the user and delivers, or skips it.
func (m *MonitorEntry) detach(u *MonitorUser) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !u.markDetachedLocked() {
		return false
	}
	for i, cur := range m.users {
		if cur == u {
			m.users = append(m.users[:i], m.users[i+1:]...)
			break
		}
	}
	return true
}

func (m *MonitorEntry) userCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// MonitorConnect installs the type descriptor and snapshot from upstream
// and schedules a whole-value initial for every user. A type change mid
// subscription arrives here too and forces fresh payload buffers on the
// next delivery to each user.
func (m *MonitorEntry) MonitorConnect(t *pvdata.Type, initial *pvdata.Value) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	if m.typ != nil && !m.typ.Equal(t) {
		m.logger.Debug("monitor type changed",
			zap.String("channel", m.channel.name),
			zap.String("signature", m.sig.Key()),
		)
	}
	m.typ = t
	m.snapshot = initial.Clone()
	m.connected = true

	var wakes []*MonitorUser
	users := make([]*MonitorUser, len(m.users))
	copy(users, m.users)
	for _, u := range m.users {
		u.mu.Lock()
		u.markInitialLocked()
		if u.tryEnqueue(m.snapshot) {
			wakes = append(wakes, u)
		}
		u.mu.Unlock()
	}
	m.mu.Unlock()

	for _, u := range users {
		u.stateChange(pvaccess.StateConnected)
	}
	for _, u := range wakes {
		u.wake()
	}
}

// MonitorEvent merges one upstream update into the snapshot and fans it
// out. Wake notifications fire after the lock is released.
func (m *MonitorEntry) MonitorEvent(delta *pvdata.Value, changed, overrun *pvdata.BitSet) {
	m.mu.Lock()
	if m.done || !m.connected || m.snapshot == nil {
		m.mu.Unlock()
		return
	}
	m.snapshot.MergeFrom(delta, changed)

	var wakes []*MonitorUser
	for _, u := range m.users {
		if u.pushLocked(m.snapshot, changed, overrun) {
			wakes = append(wakes, u)
		}
	}
	m.mu.Unlock()

	for _, u := range wakes {
		u.wake()
	}
}

// Unlisten is the upstream terminal: every user is detached and receives
// its own unlisten.
func (m *MonitorEntry) Unlisten() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	users := m.users
	m.users = nil
	for _, u := range users {
		u.markDetachedLocked()
	}
	up := m.upstream
	m.upstream = nil
	m.mu.Unlock()

	if up != nil {
		up.Destroy()
	}
	for _, u := range users {
		u.terminate()
	}
}

// channelConnected re-issues the upstream subscription after a reconnect
// (or issues it the first time). Called with no lock held; CreateMonitor
// may call MonitorConnect synchronously.
func (m *MonitorEntry) channelConnected(ch pvaccess.Channel) {
	m.mu.Lock()
	if m.done || m.upstream != nil || m.issuing {
		m.mu.Unlock()
		return
	}
	m.issuing = true
	sig := m.sig
	m.mu.Unlock()

	um, err := ch.CreateMonitor(sig, m)

	m.mu.Lock()
	m.issuing = false
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("upstream monitor create failed",
			zap.String("channel", ch.Name()),
			zap.String("signature", sig.Key()),
			zap.Error(err),
		)
		return
	}
	if m.done {
		m.mu.Unlock()
		um.Destroy()
		return
	}
	m.upstream = um
	m.mu.Unlock()
}

// channelDisconnected preserves the subscription and tells every user the
// upstream is gone. Re-entry to CONNECTED re-issues the monitor.
func (m *MonitorEntry) channelDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.upstream = nil
	users := make([]*MonitorUser, len(m.users))
	copy(users, m.users)
	m.mu.Unlock()

	for _, u := range users {
		u.stateChange(pvaccess.StateDisconnected)
	}
}

// destroy tears the entry down, terminating any remaining users. Used at
// cache clear and when the entry is dropped by the sweeper.
func (m *MonitorEntry) destroy() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		liveMonitorEntries.Add(-1)
		return
	}
	m.done = true
	users := m.users
	m.users = nil
	for _, u := range users {
		u.markDetachedLocked()
	}
	up := m.upstream
	m.upstream = nil
	m.mu.Unlock()

	if up != nil {
		up.Destroy()
	}
	for _, u := range users {
		u.terminate()
	}
	liveMonitorEntries.Add(-1)
}
