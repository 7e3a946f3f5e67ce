package localdb

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

var counterTestType = pvdata.NewType("counter", []pvdata.Field{
	{Name: "value", Kind: pvdata.KindInt},
})

// recordingRequester captures monitor callbacks from the provider.
type recordingRequester struct {
	mu       sync.Mutex
	typ      *pvdata.Type
	initial  *pvdata.Value
	events   []*pvdata.BitSet
	values   []any
	unlisten bool
}

func (r *recordingRequester) MonitorConnect(t *pvdata.Type, initial *pvdata.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typ = t
	r.initial = initial
}

func (r *recordingRequester) MonitorEvent(delta *pvdata.Value, changed, overrun *pvdata.BitSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, changed.Clone())
	v, _ := delta.Get("value")
	r.values = append(r.values, v)
}

func (r *recordingRequester) Unlisten() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlisten = true
}

type stateRequester struct {
	mu     sync.Mutex
	states []pvaccess.ConnState
}

func (s *stateRequester) ChannelStateChange(st pvaccess.ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *stateRequester) last() (pvaccess.ConnState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return 0, false
	}
	return s.states[len(s.states)-1], true
}

func post(t *testing.T, pv *SharedPV, value int64) {
	t.Helper()
	delta := pvdata.NewValue(counterTestType)
	delta.Set("value", value)
	changed := pvdata.NewBitSet()
	off, _ := counterTestType.Offset("value")
	changed.Set(off)
	if err := pv.Post(delta, changed); err != nil {
		t.Fatalf("post: %v", err)
	}
}

func TestSharedPVLifecycle(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)

	if p.ChannelFind("c1") {
		t.Error("found a record that does not exist")
	}

	pv := p.CreatePV("c1")
	if p.ChannelFind("c1") {
		t.Error("closed record reported servable")
	}

	if err := pv.Open(counterTestType); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !p.ChannelFind("c1") {
		t.Error("open record not found")
	}
	if err := pv.Open(counterTestType); err == nil {
		t.Error("double open succeeded")
	}
}

func TestChannelBeforeOpenConnectsLater(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)

	sr := &stateRequester{}
	ch, err := p.CreateChannel("late", sr)
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if ch.Connected() {
		t.Error("channel connected before open")
	}

	pv := p.Lookup("late")
	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}
	if !ch.Connected() {
		t.Error("channel not connected after open")
	}
	if st, ok := sr.last(); !ok || st != pvaccess.StateConnected {
		t.Errorf("state after open: %v", st)
	}
}

func TestPostFansOutToMonitors(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)
	pv := p.CreatePV("fan")
	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}
	post(t, pv, 1)

	ch1, _ := p.CreateChannel("fan", nil)
	ch2, _ := p.CreateChannel("fan", nil)

	r1 := &recordingRequester{}
	r2 := &recordingRequester{}
	if _, err := ch1.CreateMonitor(pvaccess.Signature{QueueSize: 2}, r1); err != nil {
		t.Fatal(err)
	}
	if _, err := ch2.CreateMonitor(pvaccess.Signature{QueueSize: 2}, r2); err != nil {
		t.Fatal(err)
	}

	// connect is synchronous on an open record and carries the current value
	for _, r := range []*recordingRequester{r1, r2} {
		r.mu.Lock()
		if r.typ == nil || r.initial == nil {
			t.Fatal("no MonitorConnect")
		}
		if v, _ := r.initial.Get("value"); v != int64(1) {
			t.Errorf("initial value: got %v, want 1", v)
		}
		r.mu.Unlock()
	}

	post(t, pv, 2)
	post(t, pv, 3)

	for _, r := range []*recordingRequester{r1, r2} {
		r.mu.Lock()
		if len(r.events) != 2 {
			t.Fatalf("events: got %d, want 2", len(r.events))
		}
		if r.values[0] != int64(2) || r.values[1] != int64(3) {
			t.Errorf("event order: %v", r.values)
		}
		r.mu.Unlock()
	}
}

func TestMonitorDestroyStopsEvents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)
	pv := p.CreatePV("quiet")
	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}

	ch, _ := p.CreateChannel("quiet", nil)
	r := &recordingRequester{}
	mon, err := ch.CreateMonitor(pvaccess.Signature{QueueSize: 2}, r)
	if err != nil {
		t.Fatal(err)
	}

	mon.Destroy()
	post(t, pv, 5)

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) != 0 {
		t.Errorf("events after destroy: %d", len(r.events))
	}
}

func TestCloseDisconnectsAndReopenReconnects(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)
	pv := p.CreatePV("bounce")
	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}

	sr := &stateRequester{}
	ch, _ := p.CreateChannel("bounce", sr)
	r := &recordingRequester{}
	if _, err := ch.CreateMonitor(pvaccess.Signature{QueueSize: 2}, r); err != nil {
		t.Fatal(err)
	}

	pv.Close()
	if st, _ := sr.last(); st != pvaccess.StateDisconnected {
		t.Errorf("state after close: %v", st)
	}
	if ch.Connected() {
		t.Error("channel connected after close")
	}

	// posts to a closed record fail
	delta := pvdata.NewValue(counterTestType)
	if err := pv.Post(delta, pvdata.NewBitSet(0)); err == nil {
		t.Error("post to closed record succeeded")
	}

	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}
	if st, _ := sr.last(); st != pvaccess.StateConnected {
		t.Errorf("state after reopen: %v", st)
	}
}

func TestDestroyUnlistens(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewProvider("pdb", logger)
	pv := p.CreatePV("terminal")
	if err := pv.Open(counterTestType); err != nil {
		t.Fatal(err)
	}

	sr := &stateRequester{}
	ch, _ := p.CreateChannel("terminal", sr)
	r := &recordingRequester{}
	if _, err := ch.CreateMonitor(pvaccess.Signature{QueueSize: 2}, r); err != nil {
		t.Fatal(err)
	}

	pv.Destroy()

	r.mu.Lock()
	if !r.unlisten {
		t.Error("monitor not unlistened")
	}
	r.mu.Unlock()
	if st, _ := sr.last(); st != pvaccess.StateDestroyed {
		t.Errorf("state after destroy: %v", st)
	}
}
