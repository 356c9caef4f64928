package harness

// RegisterDescriptor names one CPU register (or a compound register
// bank member) and binds typed accessors to it. This replaces the
// source's reflection-based GetRegistersValues (original spec §9,
// Design Notes): the CPU declares its named registers at construction
// time instead of discovering them dynamically, trading generality the
// core contract never needed for an explicit, inspectable table.
//
// Shape grounded on the teacher's RegisterInfo in debug_interface.go.
type RegisterDescriptor struct {
	Name     string
	BitWidth int    // 8, 16, 32 or 64
	Group    string // "general", "index", "status", "shadow", "flags"
	Get      func() uint64
	Set      func(uint64)
}

// RegisterBank holds the register table declared at construction and
// serves the Public CPU Contract's register-inspection operations.
type RegisterBank struct {
	descriptors []RegisterDescriptor
	byName      map[string]int
}

// NewRegisterBank builds a bank from a caller-supplied declaration.
// The CPU subclass (one per architecture, outside this package's
// scope) is expected to call this once at construction with every
// named register and compound bank member it exposes.
func NewRegisterBank(descriptors []RegisterDescriptor) *RegisterBank {
	b := &RegisterBank{
		descriptors: descriptors,
		byName:      make(map[string]int, len(descriptors)),
	}
	for i, d := range descriptors {
		b.byName[d.Name] = i
	}
	return b
}

// All returns every declared register, snapshotting each value.
func (b *RegisterBank) All() []RegisterSnapshot {
	out := make([]RegisterSnapshot, len(b.descriptors))
	for i, d := range b.descriptors {
		out[i] = RegisterSnapshot{Name: d.Name, BitWidth: d.BitWidth, Group: d.Group, Value: d.Get()}
	}
	return out
}

// Get reads a named register's current value.
func (b *RegisterBank) Get(name string) (uint64, bool) {
	i, ok := b.byName[name]
	if !ok {
		return 0, false
	}
	return b.descriptors[i].Get(), true
}

// Set writes a named register's value. Returns false if the register
// is unknown or read-only (Set == nil).
func (b *RegisterBank) Set(name string, value uint64) bool {
	i, ok := b.byName[name]
	if !ok || b.descriptors[i].Set == nil {
		return false
	}
	b.descriptors[i].Set(value)
	return true
}

// RegisterSnapshot is a point-in-time copy of one register's value,
// safe to hand to a caller without aliasing live CPU state.
type RegisterSnapshot struct {
	Name     string
	BitWidth int
	Group    string
	Value    uint64
}
