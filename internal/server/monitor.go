package server

import (
	"strings"
	"sync/atomic"

	"github.com/ctrlsys/pvgate/internal/gateway"
	"github.com/ctrlsys/pvgate/internal/pvaccess"
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// clientChannel pairs a downstream channel wrapper with its connection so
// state transitions reach the peer as frames.
type clientChannel struct {
	client *Client
	gw     *gateway.GWChannel
	id     atomic.Value // string, set right after create
}

var _ pvaccess.ChannelRequester = (*clientChannel)(nil)

func (cc *clientChannel) ChannelStateChange(st pvaccess.ConnState) {
	id, _ := cc.id.Load().(string)
	if id == "" {
		return
	}
	cc.client.enqueue(&Frame{Type: frameState, Channel: id, State: st.String()})
}

// monitorSub is the downstream side of one subscription: it drains the
// MonitorUser queue into event frames on its own goroutine, so the core's
// wake callback never blocks.
type monitorSub struct {
	id     string
	client *Client
	user   *gateway.MonitorUser
	mask   []string
	wakeCh chan struct{}
}

var _ pvaccess.UserRequester = (*monitorSub)(nil)

func (s *monitorSub) MonitorWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *monitorSub) MonitorStateChange(st pvaccess.ConnState) {
	s.client.enqueue(&Frame{Type: frameState, Monitor: s.id, State: st.String()})
}

func (s *monitorSub) Unlisten() {
	s.client.enqueue(&Frame{Type: frameUnlisten, Monitor: s.id})
	s.client.dropMonitor(s.id)
	s.MonitorWake() // let run() observe termination
}

// run drains queued elements until the subscription terminates or the
// connection drops.
func (s *monitorSub) run() {
	for {
		select {
		case <-s.client.done:
			return
		case <-s.wakeCh:
		}
		if s.user.Unlistened() {
			return
		}
		for {
			elem := s.user.Poll()
			if elem == nil {
				break
			}
			s.client.enqueue(s.eventFrame(elem.Value(), elem.Changed(), elem.Overrun()))
			s.user.Release(elem)
		}
	}
}

// eventFrame projects a delivery onto the wire: the payload carries the
// leaf fields covered by the changed set, filtered by the request's field
// mask.
func (s *monitorSub) eventFrame(value *pvdata.Value, changed, overrun *pvdata.BitSet) *Frame {
	typ := value.Type()

	f := &Frame{
		Type:    frameEvent,
		Monitor: s.id,
		Payload: make(map[string]any),
	}
	changed.ForEach(func(pos int) { f.Changed = append(f.Changed, pos) })
	overrun.ForEach(func(pos int) { f.Overrun = append(f.Overrun, pos) })

	typ.ExpandToLeaves(changed).ForEach(func(pos int) {
		name := typ.NameAt(pos)
		if !maskAllows(s.mask, name) {
			return
		}
		f.Payload[name] = value.At(pos)
	})
	return f
}

// maskAllows reports whether a leaf is selected by the field mask: either
// named directly or nested under a masked structure. An empty mask selects
// everything.
func maskAllows(mask []string, name string) bool {
	if len(mask) == 0 {
		return true
	}
	for _, m := range mask {
		if name == m || strings.HasPrefix(name, m+".") {
			return true
		}
	}
	return false
}
