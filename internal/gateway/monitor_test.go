package gateway

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/localdb"
	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

var xyType = pvdata.NewType("xy", []pvdata.Field{
	{Name: "x", Kind: pvdata.KindInt},
	{Name: "y", Kind: pvdata.KindInt},
})

// xyRecord mirrors the classic two-field test record: x at position 1,
// y at position 2.
type xyRecord struct {
	t    *testing.T
	pv   *localdb.SharedPV
	x, y int64
}

func newXYRecord(t *testing.T, db *localdb.Provider, name string) *xyRecord {
	t.Helper()
	pv := db.CreatePV(name)
	if err := pv.Open(xyType); err != nil {
		t.Fatalf("open pv: %v", err)
	}
	return &xyRecord{t: t, pv: pv}
}

func (r *xyRecord) post(px, py bool) {
	r.t.Helper()
	delta := pvdata.NewValue(xyType)
	changed := pvdata.NewBitSet()
	if px {
		delta.Set("x", r.x)
		changed.Set(1)
	}
	if py {
		delta.Set("y", r.y)
		changed.Set(2)
	}
	if err := r.pv.Post(delta, changed); err != nil {
		r.t.Fatalf("post: %v", err)
	}
}

func newTestGateway(t *testing.T) (*localdb.Provider, *Provider) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	db := localdb.NewProvider("upstream", logger)
	p := NewProvider("gwtest", db, Rewrite{}, 100, logger)
	t.Cleanup(p.Cache().Clear)
	return db, p
}

func makeRequest(bsize int, pipeline bool) pvaccess.Request {
	return pvaccess.Request{Options: map[string]string{
		pvaccess.OptQueueSize: strconv.Itoa(bsize),
		pvaccess.OptPipeline:  strconv.FormatBool(pipeline),
	}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mustChannel resolves the name through find and returns a connected
// downstream channel.
func mustChannel(t *testing.T, p *Provider, name string) *GWChannel {
	t.Helper()
	waitFor(t, "channel "+name, func() bool { return p.ChannelFind(name) })
	ch, err := p.CreateChannel(name, nil)
	if err != nil {
		t.Fatalf("create channel %q: %v", name, err)
	}
	return ch
}

func intField(t *testing.T, v *pvdata.Value, name string) int64 {
	t.Helper()
	got, ok := v.Get(name)
	if !ok {
		t.Fatalf("no field %q", name)
	}
	n, ok := got.(int64)
	if !ok {
		t.Fatalf("field %q: not an int64: %v", name, got)
	}
	return n
}

func checkElement(t *testing.T, elem *MonitorElement, x, y int64, changed, overrun *pvdata.BitSet) {
	t.Helper()
	if elem == nil {
		t.Fatal("nil element")
	}
	if got := intField(t, elem.Value(), "x"); got != x {
		t.Errorf("x: got %d, want %d", got, x)
	}
	if got := intField(t, elem.Value(), "y"); got != y {
		t.Errorf("y: got %d, want %d", got, y)
	}
	if !elem.Changed().Equal(changed) {
		t.Errorf("changed: got %s, want %s", elem.Changed(), changed)
	}
	if !elem.Overrun().Equal(overrun) {
		t.Errorf("overrun: got %s, want %s", elem.Overrun(), overrun)
	}
}

// userRecorder captures downstream callbacks.
type userRecorder struct {
	mu       sync.Mutex
	states   []pvaccess.ConnState
	unlisten bool
	wakes    int
}

func (r *userRecorder) MonitorWake() {
	r.mu.Lock()
	r.wakes++
	r.mu.Unlock()
}

func (r *userRecorder) MonitorStateChange(st pvaccess.ConnState) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *userRecorder) Unlisten() {
	r.mu.Lock()
	r.unlisten = true
	r.mu.Unlock()
}

func (r *userRecorder) lastState() (pvaccess.ConnState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *userRecorder) unlistened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unlisten
}

func TestMonitorInitialEvent(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u, err := ch.CreateMonitor(makeRequest(2, false), nil)
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	u.Start()

	if !u.Wait(time.Second) {
		t.Fatal("no initial event")
	}
	elem := u.Poll()
	checkElement(t, elem, 1, 2, pvdata.NewBitSet(0), pvdata.NewBitSet())
	u.Release(elem)

	if u.Poll() != nil {
		t.Error("unexpected second element")
	}
	if u.Wait(50 * time.Millisecond) {
		t.Error("wait succeeded with empty queue")
	}
	if u.Poll() != nil {
		t.Error("unexpected element after timeout")
	}
}

func TestMonitorShareUpstream(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u1, err := ch.CreateMonitor(makeRequest(2, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	u2, err := ch.CreateMonitor(makeRequest(2, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	u1.Start()
	u2.Start()

	// identical signatures share one upstream monitor
	entry := p.Cache().Lookup("test1")
	if entry == nil {
		t.Fatal("no cache entry")
	}
	if got := entry.monitorCount(); got != 1 {
		t.Fatalf("monitor entries: got %d, want 1", got)
	}

	for _, u := range []*MonitorUser{u1, u2} {
		if !u.Wait(time.Second) {
			t.Fatal("no initial event")
		}
		elem := u.Poll()
		checkElement(t, elem, 1, 2, pvdata.NewBitSet(0), pvdata.NewBitSet())
		u.Release(elem)
	}

	rec.x, rec.y = 42, 43
	rec.post(true, false) // only indicate that x changed

	for _, u := range []*MonitorUser{u1, u2} {
		if !u.Wait(time.Second) {
			t.Fatal("no update event")
		}
		elem := u.Poll()
		checkElement(t, elem, 42, 2, pvdata.NewBitSet(1), pvdata.NewBitSet())
		u.Release(elem)
		if u.Poll() != nil {
			t.Error("unexpected extra element")
		}
	}
}

func TestMonitorOverflow(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u, err := ch.CreateMonitor(makeRequest(3, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	u.Start()

	if !u.Wait(time.Second) {
		t.Fatal("no initial event")
	}
	initial := u.Poll()
	if initial == nil {
		t.Fatal("no initial element")
	}

	// initial's slot is still held: two slots remain for four posts
	for _, v := range []int64{50, 51, 52, 53} {
		rec.x = v
		rec.post(true, false)
	}

	e1 := u.Poll()
	checkElement(t, e1, 50, 2, pvdata.NewBitSet(1), pvdata.NewBitSet())
	u.Release(initial) // frees a slot; the coalesced update takes it

	e2 := u.Poll()
	checkElement(t, e2, 51, 2, pvdata.NewBitSet(1), pvdata.NewBitSet())
	u.Release(e1)

	e3 := u.Poll()
	checkElement(t, e3, 53, 2, pvdata.NewBitSet(1), pvdata.NewBitSet(1))
	u.Release(e2)
	u.Release(e3)

	if u.Poll() != nil {
		t.Error("unexpected element after coalesced delivery")
	}
	if u.Wait(50 * time.Millisecond) {
		t.Error("wait succeeded with empty queue")
	}
}

func TestDisconnectReconnect(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	recorder := &userRecorder{}
	u, err := ch.CreateMonitor(makeRequest(4, false), recorder)
	if err != nil {
		t.Fatal(err)
	}
	u.Start()

	if !u.Wait(time.Second) {
		t.Fatal("no initial event")
	}
	elem := u.Poll()
	u.Release(elem)

	rec.pv.Close()
	if st, ok := recorder.lastState(); !ok || st != pvaccess.StateDisconnected {
		t.Fatalf("state after close: got %v", st)
	}
	if u.Poll() != nil {
		t.Error("data delivered across disconnect")
	}

	// reconnect: a fresh initial reflects the then-current snapshot
	if err := rec.pv.Open(xyType); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if st, ok := recorder.lastState(); !ok || st != pvaccess.StateConnected {
		t.Fatalf("state after reopen: got %v", st)
	}

	if !u.Wait(time.Second) {
		t.Fatal("no initial after reconnect")
	}
	elem = u.Poll()
	if elem == nil {
		t.Fatal("nil element after reconnect")
	}
	if !elem.Changed().Get(0) {
		t.Errorf("reconnect initial changed: got %s, want position 0", elem.Changed())
	}
	u.Release(elem)

	rec.x, rec.y = 5, 6
	rec.post(true, true)
	if !u.Wait(time.Second) {
		t.Fatal("no event after reconnect")
	}
	elem = u.Poll()
	checkElement(t, elem, 5, 6, pvdata.NewBitSet(1, 2), pvdata.NewBitSet())
	u.Release(elem)
}

func TestCacheGraceEviction(t *testing.T) {
	before := LiveCounts()

	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "graceful")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "graceful")
	u, err := ch.CreateMonitor(makeRequest(2, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	u.Start()
	u.Cancel()
	ch.Destroy()

	cache := p.Cache()
	if cache.Size() != 1 {
		t.Fatalf("cache size: got %d, want 1", cache.Size())
	}

	// first sweep: the create poked the entry, grace keeps it
	cache.Sweep()
	if cache.Size() != 1 {
		t.Fatalf("entry evicted during grace round")
	}

	// second sweep with no activity: entry removed
	cache.Sweep()
	if cache.Size() != 0 {
		t.Fatalf("entry survived grace: size %d", cache.Size())
	}

	after := LiveCounts()
	if after != before {
		t.Errorf("live instances leaked: before %+v, after %+v", before, after)
	}
}

func TestCacheGraceRestartedByInterest(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "poked")
	rec.x = 1
	rec.post(true, false)

	mustChannel(t, p, "poked").Destroy()
	cache := p.Cache()

	cache.Sweep() // consumes the create's poke
	p.ChannelFind("poked") // external interest restarts grace
	cache.Sweep()
	if cache.Size() != 1 {
		t.Fatal("poked entry evicted")
	}
	cache.Sweep()
	if cache.Size() != 0 {
		t.Fatal("unreferenced entry survived two quiet sweeps")
	}
}

func TestPipelineCredit(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u, err := ch.CreateMonitor(makeRequest(4, true), nil)
	if err != nil {
		t.Fatal(err)
	}
	u.Start()

	// zero credit: nothing may be enqueued, accounting accumulates
	if got := u.queueLen(); got != 0 {
		t.Fatalf("queue before ack: got %d, want 0", got)
	}

	rec.x = 10
	rec.post(true, false)
	rec.x = 11
	rec.post(true, false)
	if got := u.queueLen(); got != 0 {
		t.Fatalf("queue grew without credit: %d", got)
	}

	u.AckRequest(2)
	if got := u.queueLen(); got != 1 {
		t.Fatalf("queue after ack: got %d, want 1", got)
	}

	elem := u.Poll()
	if elem == nil {
		t.Fatal("nil element after ack")
	}
	// the one element coalesces the initial and both updates
	if !elem.Changed().Get(0) || !elem.Changed().Get(1) {
		t.Errorf("coalesced changed: got %s", elem.Changed())
	}
	if !elem.Overrun().Get(1) {
		t.Errorf("coalesced overrun: got %s", elem.Overrun())
	}
	if got := intField(t, elem.Value(), "x"); got != 11 {
		t.Errorf("latest value: got %d, want 11", got)
	}
	u.Release(elem)
}

func TestAttachDetachNoDelivery(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x = 1
	rec.post(true, false)

	ch := mustChannel(t, p, "test1")
	recorder := &userRecorder{}
	u, err := ch.CreateMonitor(makeRequest(2, false), recorder)
	if err != nil {
		t.Fatal(err)
	}
	u.Cancel()
	u.Cancel() // idempotent

	if !recorder.unlistened() {
		t.Error("cancel did not signal unlisten")
	}
	if u.Poll() != nil {
		t.Error("delivery after detach")
	}
}

func TestDetachOneOfTwoSharedMonitors(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u1, _ := ch.CreateMonitor(makeRequest(2, false), nil)
	u2, _ := ch.CreateMonitor(makeRequest(2, false), nil)
	u1.Start()
	u2.Start()

	u1.Cancel()

	rec.x = 7
	rec.post(true, false)

	if !u2.Wait(time.Second) {
		t.Fatal("surviving user got no event")
	}
	// initial and the update are both pending for u2
	elem := u2.Poll()
	if elem == nil {
		t.Fatal("nil element")
	}
	u2.Release(elem)

	entry := p.Cache().Lookup("test1")
	if got := entry.monitorCount(); got != 1 {
		t.Errorf("monitor entries after single detach: got %d, want 1", got)
	}
}

func TestUnlistenPropagation(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "doomed")
	rec.x = 1
	rec.post(true, false)

	ch := mustChannel(t, p, "doomed")
	recorder := &userRecorder{}
	u, err := ch.CreateMonitor(makeRequest(2, false), recorder)
	if err != nil {
		t.Fatal(err)
	}
	u.Start()

	rec.pv.Destroy()

	waitFor(t, "unlisten", recorder.unlistened)
	if !u.Unlistened() {
		t.Error("user not marked unlistened")
	}
}

// TestCallbackLockIsolation drives a requester that re-enters the core
// from its callbacks. If any core lock were held across a callback this
// would deadlock instead of completing.
func TestCallbackLockIsolation(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")

	reenter := &reentrantRequester{}
	u, err := ch.CreateMonitor(makeRequest(2, false), reenter)
	if err != nil {
		t.Fatal(err)
	}
	reenter.u = u

	done := make(chan struct{})
	go func() {
		defer close(done)
		u.Start()
		for i := int64(0); i < 10; i++ {
			rec.x = i
			rec.post(true, false)
		}
		rec.pv.Close()
		rec.pv.Open(xyType)
		u.Cancel()
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock: core lock held across downstream callback")
	}
}

type reentrantRequester struct {
	u *MonitorUser
}

func (r *reentrantRequester) MonitorWake() {
	if r.u == nil {
		return
	}
	if elem := r.u.Poll(); elem != nil {
		r.u.Release(elem)
	}
}

func (r *reentrantRequester) MonitorStateChange(st pvaccess.ConnState) {
	if r.u != nil {
		r.u.Poll()
	}
}

func (r *reentrantRequester) Unlisten() {}

func TestStopAccumulatesWithoutDelivery(t *testing.T) {
	db, p := newTestGateway(t)
	rec := newXYRecord(t, db, "test1")
	rec.x, rec.y = 1, 2
	rec.post(true, true)

	ch := mustChannel(t, p, "test1")
	u, _ := ch.CreateMonitor(makeRequest(4, false), nil)
	u.Start()
	if !u.Wait(time.Second) {
		t.Fatal("no initial")
	}
	elem := u.Poll()
	u.Release(elem)

	u.Stop()
	rec.x = 99
	rec.post(true, false)
	if u.Poll() != nil {
		t.Error("delivery while stopped")
	}

	u.Start()
	if !u.Wait(time.Second) {
		t.Fatal("no delivery after restart")
	}
	elem = u.Poll()
	checkElement(t, elem, 99, 2, pvdata.NewBitSet(1), pvdata.NewBitSet())
	u.Release(elem)
}
