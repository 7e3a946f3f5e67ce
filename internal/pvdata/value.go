package pvdata

import "fmt"

// Value is a structure value laid out against its Type's positions. Scalar
// slots live at leaf positions; structure positions stay nil.
type Value struct {
	typ   *Type
	slots []any
}

// NewValue returns a zeroed value of the given type.
func NewValue(t *Type) *Value {
	return &Value{typ: t, slots: make([]any, t.NumBits())}
}

// Type returns the value's descriptor.
func (v *Value) Type() *Type { return v.typ }

// Set stores a scalar by dotted field name.
func (v *Value) Set(name string, val any) error {
	pos, ok := v.typ.Offset(name)
	if !ok {
		return fmt.Errorf("pvdata: no field %q in type %s", name, v.typ.ID)
	}
	if !v.typ.IsLeaf(pos) {
		return fmt.Errorf("pvdata: field %q is not a scalar", name)
	}
	v.slots[pos] = val
	return nil
}

// Get fetches a scalar by dotted field name.
func (v *Value) Get(name string) (any, bool) {
	pos, ok := v.typ.Offset(name)
	if !ok || !v.typ.IsLeaf(pos) {
		return nil, false
	}
	return v.slots[pos], true
}

// At fetches the scalar at a leaf position.
func (v *Value) At(pos int) any {
	if pos < 0 || pos >= len(v.slots) {
		return nil
	}
	return v.slots[pos]
}

// SetAt stores a scalar at a leaf position.
func (v *Value) SetAt(pos int, val any) {
	if pos > 0 && pos < len(v.slots) && v.typ.IsLeaf(pos) {
		v.slots[pos] = val
	}
}

// MergeFrom copies the fields of src covered by changed into v. Position 0
// or a structure position covers the whole subtree beneath it.
func (v *Value) MergeFrom(src *Value, changed *BitSet) {
	if src == nil {
		return
	}
	leaves := v.typ.ExpandToLeaves(changed)
	leaves.ForEach(func(pos int) {
		if pos < len(src.slots) {
			v.slots[pos] = src.slots[pos]
		}
	})
}

// CopyFrom replaces every slot of v with src's.
func (v *Value) CopyFrom(src *Value) {
	copy(v.slots, src.slots)
}

// Clone returns an independent copy.
func (v *Value) Clone() *Value {
	c := &Value{typ: v.typ, slots: make([]any, len(v.slots))}
	copy(c.slots, v.slots)
	return c
}

// Fields renders the scalar fields as a map keyed by dotted name.
func (v *Value) Fields() map[string]any {
	out := make(map[string]any)
	for _, pos := range v.typ.LeafOffsets() {
		out[v.typ.NameAt(pos)] = v.slots[pos]
	}
	return out
}
