package harness

import "testing"

type fakeBreakpointTranslator struct {
	added   []uint32
	removed []uint32
}

func (f *fakeBreakpointTranslator) AddBreakpoint(addr uint32)    { f.added = append(f.added, addr) }
func (f *fakeBreakpointTranslator) RemoveBreakpoint(addr uint32) { f.removed = append(f.removed, addr) }

func TestHookTableAddRemoveDrivesBreakpoints(t *testing.T) {
	ft := &fakeBreakpointTranslator{}
	h := NewHookTable(ft)

	hit := false
	handle := h.AddHook(0x40, func(addr uint32) { hit = true })
	if len(ft.added) != 1 || ft.added[0] != 0x40 {
		t.Fatalf("AddBreakpoint not called once at 0x40: %v", ft.added)
	}

	h.Fire(0x40, fakeEvaluator{}, nil)
	if !hit {
		t.Fatal("callback did not fire")
	}

	h.RemoveHook(handle)
	if len(ft.removed) != 1 || ft.removed[0] != 0x40 {
		t.Fatalf("RemoveBreakpoint not called once at 0x40: %v", ft.removed)
	}
	if h.HasHook(0x40) {
		t.Fatal("HasHook true after last registration removed")
	}
}

func TestHookTableSecondRegistrationDoesNotReAddBreakpoint(t *testing.T) {
	ft := &fakeBreakpointTranslator{}
	h := NewHookTable(ft)

	h.AddHook(0x40, func(uint32) {})
	h.AddHook(0x40, func(uint32) {})
	if len(ft.added) != 1 {
		t.Fatalf("AddBreakpoint called %d times, want 1", len(ft.added))
	}
}

func TestHookTableConditionalHookGatesCallback(t *testing.T) {
	ft := &fakeBreakpointTranslator{}
	h := NewHookTable(ft)

	fired := 0
	cond := &BreakpointCondition{Source: CondSourceRegister, RegName: "r0", Op: CondEqual, Value: 5}
	h.AddConditionalHook(0x10, func(uint32) { fired++ }, cond)

	h.Fire(0x10, fakeEvaluator{regs: map[string]uint64{"r0": 1}}, nil)
	if fired != 0 {
		t.Fatalf("fired = %d, want 0 (condition false)", fired)
	}

	h.Fire(0x10, fakeEvaluator{regs: map[string]uint64{"r0": 5}}, nil)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 (condition true)", fired)
	}
}

func TestHookTableBlockBeginTransitionReportsChange(t *testing.T) {
	ft := &fakeBreakpointTranslator{}
	h := NewHookTable(ft)

	if h.HasBlockBeginHook() {
		t.Fatal("HasBlockBeginHook true before any hook is installed")
	}
	if changed := h.SetHookAtBlockBegin(func(uint32) {}); !changed {
		t.Fatal("expected a transition installing the first block-begin hook")
	}
	if !h.HasBlockBeginHook() {
		t.Fatal("HasBlockBeginHook false after installing a hook")
	}
	if changed := h.SetHookAtBlockBegin(func(uint32) {}); changed {
		t.Fatal("replacing a non-nil hook with another non-nil hook should not report a transition")
	}
	if changed := h.SetHookAtBlockBegin(nil); !changed {
		t.Fatal("expected a transition clearing the block-begin hook")
	}
	if h.HasBlockBeginHook() {
		t.Fatal("HasBlockBeginHook true after clearing the hook")
	}
}

func TestHookTableAddressesListsNonEmptySets(t *testing.T) {
	ft := &fakeBreakpointTranslator{}
	h := NewHookTable(ft)

	h.AddHook(0x10, func(uint32) {})
	h.AddHook(0x20, func(uint32) {})
	handle := h.AddHook(0x30, func(uint32) {})
	h.RemoveHook(handle)

	got := map[uint32]bool{}
	for _, a := range h.Addresses() {
		got[a] = true
	}
	if len(got) != 2 || !got[0x10] || !got[0x20] || got[0x30] {
		t.Fatalf("Addresses() = %v, want {0x10, 0x20}", got)
	}
}

type fakeEvaluator struct {
	regs map[string]uint64
	mem  map[uint32]uint64
	pc   uint32
}

func (f fakeEvaluator) ReadRegister(name string) (uint64, bool) {
	v, ok := f.regs[name]
	return v, ok
}

func (f fakeEvaluator) ReadMemory(addr uint32, size int) uint64 { return f.mem[addr] }
func (f fakeEvaluator) PC() uint32                              { return f.pc }
