package pvdata

import (
	"fmt"
	"strings"
)

// Kind identifies the payload type of a field.
type Kind uint8

const (
	KindInt Kind = iota + 1
	KindFloat
	KindString
	KindBool
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindStruct:
		return "struct"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Field is one member of a structure type.
type Field struct {
	Name string
	Kind Kind
	Sub  *Type // populated only for KindStruct
}

// Type is an immutable structure descriptor. Bit positions for the
// changed/overrun sets are assigned by a depth-first walk in declaration
// order: position 0 is the whole structure, every field (including nested
// structures) claims the next position before its children.
//
// Both encode and decode go through this one assignment; nothing else may
// invent offsets.
type Type struct {
	ID     string
	Fields []Field

	numBits int
	offsets map[string]int // dotted field name -> position
	names   []string       // position -> dotted field name ("" at position 0)
	kinds   []Kind         // position -> kind (KindStruct at position 0)
}

// NewType builds a structure descriptor and fixes its field offsets.
func NewType(id string, fields []Field) *Type {
	t := &Type{
		ID:      id,
		Fields:  fields,
		offsets: make(map[string]int),
	}
	t.names = append(t.names, "")
	t.kinds = append(t.kinds, KindStruct)
	t.numBits = 1
	t.assign(fields, "")
	return t
}

func (t *Type) assign(fields []Field, prefix string) {
	for _, f := range fields {
		name := f.Name
		if prefix != "" {
			name = prefix + "." + f.Name
		}
		t.offsets[name] = t.numBits
		t.names = append(t.names, name)
		t.kinds = append(t.kinds, f.Kind)
		t.numBits++
		if f.Kind == KindStruct && f.Sub != nil {
			t.assign(f.Sub.Fields, name)
		}
	}
}

// NumBits returns the number of assigned positions, including position 0.
func (t *Type) NumBits() int { return t.numBits }

// Offset returns the position of the dotted field name.
func (t *Type) Offset(name string) (int, bool) {
	off, ok := t.offsets[name]
	return off, ok
}

// NameAt returns the dotted field name at a position, or "" for position 0.
func (t *Type) NameAt(pos int) string {
	if pos < 0 || pos >= len(t.names) {
		return ""
	}
	return t.names[pos]
}

// KindAt returns the kind of the field at a position.
func (t *Type) KindAt(pos int) Kind {
	if pos < 0 || pos >= len(t.kinds) {
		return 0
	}
	return t.kinds[pos]
}

// IsLeaf reports whether the position names a scalar field.
func (t *Type) IsLeaf(pos int) bool {
	k := t.KindAt(pos)
	return k != 0 && k != KindStruct
}

// LeafOffsets returns every scalar position, ascending.
func (t *Type) LeafOffsets() []int {
	var out []int
	for pos := 1; pos < t.numBits; pos++ {
		if t.IsLeaf(pos) {
			out = append(out, pos)
		}
	}
	return out
}

// ExpandToLeaves maps a changed set onto the scalar positions it covers:
// position 0 covers everything, a structure position covers its subtree.
func (t *Type) ExpandToLeaves(bs *BitSet) *BitSet {
	out := NewBitSet()
	if bs.Get(0) {
		for _, pos := range t.LeafOffsets() {
			out.Set(pos)
		}
		return out
	}
	bs.ForEach(func(pos int) {
		if pos >= t.numBits {
			return
		}
		if t.IsLeaf(pos) {
			out.Set(pos)
			return
		}
		// structure position: cover every leaf below it
		prefix := t.names[pos] + "."
		for p := pos + 1; p < t.numBits; p++ {
			if !strings.HasPrefix(t.names[p], prefix) {
				break
			}
			if t.IsLeaf(p) {
				out.Set(p)
			}
		}
	})
	return out
}

// Equal reports whether two descriptors have the same shape.
func (t *Type) Equal(other *Type) bool {
	if t == other {
		return true
	}
	if other == nil || t.ID != other.ID || t.numBits != other.numBits {
		return false
	}
	for pos := 1; pos < t.numBits; pos++ {
		if t.names[pos] != other.names[pos] || t.kinds[pos] != other.kinds[pos] {
			return false
		}
	}
	return true
}
