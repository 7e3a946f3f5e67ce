package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// MonitorUser is one downstream subscription: a bounded element queue fed
// by the owning MonitorEntry's fan-out, with per-user changed/overrun
// accounting that survives overflow.
//
// Lock order: MonitorEntry.mu is always taken before MonitorUser.mu. Any
// path that needs the entry's snapshot (release re-push, ack re-push,
// start) therefore goes through the entry first.
type MonitorUser struct {
	entry     *MonitorEntry
	sig       pvaccess.Signature
	requester pvaccess.UserRequester // may be nil

	mu          sync.Mutex
	queue       []*MonitorElement
	free        []*MonitorElement
	changed     *pvdata.BitSet // accumulated since last enqueued delivery
	overrun     *pvdata.BitSet
	running     bool
	inOverflow  bool
	initialSent bool
	credit      int // pipeline mode only
	detached    bool

	unlistened atomic.Bool
	notify     chan struct{}
}

func newMonitorUser(entry *MonitorEntry, sig pvaccess.Signature, requester pvaccess.UserRequester) *MonitorUser {
	u := &MonitorUser{
		entry:     entry,
		sig:       sig,
		requester: requester,
		changed:   pvdata.NewBitSet(),
		overrun:   pvdata.NewBitSet(),
		notify:    make(chan struct{}, 1),
	}
	u.free = make([]*MonitorElement, sig.QueueSize)
	for i := range u.free {
		u.free[i] = &MonitorElement{}
	}
	liveMonitorUsers.Add(1)
	return u
}

// Signature returns the normalized request this subscription was made with.
func (u *MonitorUser) Signature() pvaccess.Signature { return u.sig }

// Unlistened reports whether the upstream has terminated the subscription.
func (u *MonitorUser) Unlistened() bool { return u.unlistened.Load() }

// markInitialLocked schedules a whole-value delivery. Caller holds u.mu.
func (u *MonitorUser) markInitialLocked() {
	u.changed.Set(0)
	u.initialSent = true
}

// pushLocked merges an update into the accumulators and tries to enqueue a
// slot. Returns true when the queue went from empty to non-empty. Caller
// holds the owning entry's mu; u.mu is taken here.
func (u *MonitorUser) pushLocked(snapshot *pvdata.Value, changed, overrun *pvdata.BitSet) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	// A field arriving while a prior change for it is still pending has
	// changed more than once since the last delivery: that is an overrun.
	u.overrun.Or(u.changed.Intersect(changed))
	u.changed.Or(changed)
	u.overrun.Or(overrun)

	return u.tryEnqueue(snapshot)
}

// tryEnqueue moves the accumulated sets into a free slot if flow control
// and capacity allow. Caller holds u.mu.
func (u *MonitorUser) tryEnqueue(snapshot *pvdata.Value) bool {
	if u.detached || snapshot == nil || u.changed.IsEmpty() {
		return false
	}
	if !u.running {
		return false
	}
	if u.sig.Pipeline && u.credit <= 0 {
		u.inOverflow = true
		return false
	}
	if len(u.free) == 0 {
		u.inOverflow = true
		return false
	}

	elem := u.free[len(u.free)-1]
	u.free = u.free[:len(u.free)-1]
	elem.load(snapshot, u.changed, u.overrun)
	u.changed = pvdata.NewBitSet()
	u.overrun = pvdata.NewBitSet()

	u.queue = append(u.queue, elem)
	if u.sig.Pipeline {
		u.credit--
	}
	u.inOverflow = false
	return len(u.queue) == 1
}

// Start enables delivery. If the upstream is already connected and no
// initial has been synthesized yet, one is scheduled now.
func (u *MonitorUser) Start() {
	e := u.entry
	e.mu.Lock()
	snapshot := e.snapshot
	connected := e.connected
	u.mu.Lock()
	u.running = true
	if connected && !u.initialSent {
		u.markInitialLocked()
	}
	wake := u.tryEnqueue(snapshot)
	u.mu.Unlock()
	e.mu.Unlock()
	if wake {
		u.wake()
	}
}

// Stop disables delivery. Pushes keep accumulating into the changed and
// overrun sets while stopped.
func (u *MonitorUser) Stop() {
	u.mu.Lock()
	u.running = false
	u.mu.Unlock()
}

// Poll returns the next queued element, or nil. Never blocks. The element
// must be handed back through Release.
func (u *MonitorUser) Poll() *MonitorElement {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.running || len(u.queue) == 0 {
		return nil
	}
	elem := u.queue[0]
	u.queue = u.queue[1:]
	return elem
}

// Release returns an element to the free list. If the user is in overflow
// the freed slot is immediately refilled from the current snapshot with
// the accumulated changed/overrun sets.
func (u *MonitorUser) Release(elem *MonitorElement) {
	if elem == nil {
		return
	}
	e := u.entry
	e.mu.Lock()
	snapshot := e.snapshot
	u.mu.Lock()
	elem.changed = nil
	elem.overrun = nil
	u.free = append(u.free, elem)
	wake := false
	if u.inOverflow {
		wake = u.tryEnqueue(snapshot)
	}
	u.mu.Unlock()
	e.mu.Unlock()
	if wake {
		u.wake()
	}
}

// AckRequest grants n flow-control credits (pipeline mode). A user stalled
// on credit is re-pushed from the current snapshot.
func (u *MonitorUser) AckRequest(n int) {
	if n <= 0 {
		return
	}
	e := u.entry
	e.mu.Lock()
	snapshot := e.snapshot
	u.mu.Lock()
	u.credit += n
	wake := false
	if u.inOverflow {
		wake = u.tryEnqueue(snapshot)
	}
	u.mu.Unlock()
	e.mu.Unlock()
	if wake {
		u.wake()
	}
}

// Cancel removes the user from fan-out, drains its queue, and signals the
// terminal unlisten downstream. Safe to call more than once and
// concurrently with event delivery.
func (u *MonitorUser) Cancel() {
	if !u.entry.detach(u) {
		return
	}
	u.terminate()
}

// terminate drains the queue and signals unlisten. Called exactly once,
// after the user has been removed from its entry's fan-out list.
func (u *MonitorUser) terminate() {
	u.mu.Lock()
	for _, elem := range u.queue {
		elem.changed = nil
		elem.overrun = nil
		u.free = append(u.free, elem)
	}
	u.queue = nil
	u.running = false
	u.mu.Unlock()

	liveMonitorUsers.Add(-1)
	u.unlistened.Store(true)
	u.wake()
	if u.requester != nil {
		u.requester.Unlisten()
	}
}

// Wait blocks until the queue is non-empty, the subscription terminates,
// or the timeout elapses. Returns true when an element is pollable.
func (u *MonitorUser) Wait(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		u.mu.Lock()
		ready := u.running && len(u.queue) > 0
		u.mu.Unlock()
		if ready {
			return true
		}
		if u.unlistened.Load() {
			return false
		}
		select {
		case <-u.notify:
		case <-deadline.C:
			return false
		}
	}
}

// wake is called with no core lock held.
func (u *MonitorUser) wake() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
	if u.requester != nil {
		u.requester.MonitorWake()
	}
}

// stateChange forwards a connectivity transition downstream. Called with
// no core lock held.
func (u *MonitorUser) stateChange(st pvaccess.ConnState) {
	if u.requester != nil {
		u.requester.MonitorStateChange(st)
	}
}

// markDetachedLocked flags the user as removed from fan-out. Caller holds
// the owning entry's mu.
func (u *MonitorUser) markDetachedLocked() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.detached {
		return false
	}
	u.detached = true
	return true
}

// queueLen is a test hook.
func (u *MonitorUser) queueLen() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue)
}
