package gateway

import (
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// MonitorElement is one queue slot of a downstream subscription: a payload
// snapshot plus the changed/overrun sets describing it. Slots are owned by
// a MonitorUser and recycled through its free list.
type MonitorElement struct {
	value   *pvdata.Value
	changed *pvdata.BitSet
	overrun *pvdata.BitSet
}

// Value returns the payload carried by this element.
func (e *MonitorElement) Value() *pvdata.Value { return e.value }

// Changed returns the set of fields carrying new data in this delivery.
func (e *MonitorElement) Changed() *pvdata.BitSet { return e.changed }

// Overrun returns the set of fields that changed more than once since the
// previous delivery.
func (e *MonitorElement) Overrun() *pvdata.BitSet { return e.overrun }

// load fills the slot from the current snapshot, reusing the payload buffer
// when the type is unchanged, and takes ownership of the accumulated sets.
func (e *MonitorElement) load(snapshot *pvdata.Value, changed, overrun *pvdata.BitSet) {
	if e.value == nil || !e.value.Type().Equal(snapshot.Type()) {
		e.value = snapshot.Clone()
	} else {
		e.value.CopyFrom(snapshot)
	}
	e.changed = changed
	e.overrun = overrun
}
