package harness

import "sync"

// ExecutionMode selects whether the execution loop runs freely or
// halts at every block-begin boundary (§3).
type ExecutionMode int

const (
	Continuous ExecutionMode = iota
	SingleStep
)

func (m ExecutionMode) String() string {
	if m == SingleStep {
		return "SingleStep"
	}
	return "Continuous"
}

// HaltReason is surfaced on the Halted event (§3).
type HaltReason int

const (
	HaltPause HaltReason = iota
	HaltStep
	HaltAbort
	HaltBreakpoint
	HaltWatchpoint
)

func (r HaltReason) String() string {
	switch r {
	case HaltPause:
		return "Pause"
	case HaltStep:
		return "Step"
	case HaltAbort:
		return "Abort"
	case HaltBreakpoint:
		return "Breakpoint"
	case HaltWatchpoint:
		return "Watchpoint"
	default:
		return "Unknown"
	}
}

// HaltArguments accompanies the Halted event.
type HaltArguments struct {
	Reason  HaltReason
	PC      uint32
	Address uint32 // breakpoint/watchpoint address; every event the CPU fires, Halted(Watchpoint) included, sets 0
}

// MappedSegment describes one page-aligned guest region and its host
// backing (§3). StartingOffset and Size are multiples of the
// translator's guest page size; segments never overlap.
type MappedSegment struct {
	StartingOffset uint32
	Size           uint32
	HostPointer    uintptr

	touched   bool
	touchOnce sync.Once
	onTouch   func(*MappedSegment) // lazy host-side materialization hook
}

// Touch performs lazy host-side materialization exactly once, then
// marks the segment as touched. Safe to call repeatedly.
func (s *MappedSegment) Touch() {
	s.touchOnce.Do(func() {
		if s.onTouch != nil {
			s.onTouch(s)
		}
		s.touched = true
	})
}

// Touched reports whether Touch has run for this segment.
func (s *MappedSegment) Touched() bool { return s.touched }

// Contains reports whether addr falls within this segment.
func (s *MappedSegment) Contains(addr uint32) bool {
	return addr >= s.StartingOffset && addr < s.StartingOffset+s.Size
}

// segmentMapping wraps one registered segment (§3); its touched state
// lives on the MappedSegment itself (Touched).
type segmentMapping struct {
	segment *MappedSegment
}

// HostMemoryBlock is the translator-facing view of one mapped segment
// (§3). Blocks are emitted sorted ascending by HostPointer;
// HostBlockStart indexes the first block sharing that pointer, which
// is how aliased host allocations are represented.
type HostMemoryBlock struct {
	Start          uint32
	Size           uint32
	HostPointer    uintptr
	HostBlockStart int32
}

// AddressRange is a half-open [Start, End) guest address range.
type AddressRange struct {
	Start uint32
	End   uint32
}

func (r AddressRange) Size() uint32 { return r.End - r.Start }

// Disassembler is the external collaborator behind the CPU's
// Disassembler/AvailableDisassemblers properties (§6). Disassembly
// itself is out of scope for this package; only the seam a plugin
// would be attached through is specified here.
type Disassembler interface {
	Name() string
	Disassemble(bytes []byte, pc uint32) (text string, length int)
}

// DisassemblerRegistry tracks the disassembler plugins an embedder has
// made available for this architecture, and which one is active.
type DisassemblerRegistry struct {
	mu       sync.Mutex
	active   Disassembler
	byName   map[string]Disassembler
}

func NewDisassemblerRegistry() *DisassemblerRegistry {
	return &DisassemblerRegistry{byName: make(map[string]Disassembler)}
}

// Register adds a plugin, keyed by its own Name().
func (r *DisassemblerRegistry) Register(d Disassembler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[d.Name()] = d
}

// Available lists every registered disassembler's name.
func (r *DisassemblerRegistry) Available() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}

// Active returns the currently selected disassembler, or nil.
func (r *DisassemblerRegistry) Active() Disassembler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive selects a previously registered disassembler by name. A
// name not found via Register leaves the active plugin unchanged and
// reports false, matching the "missing disassembler plugin" recoverable
// warning class (§7).
func (r *DisassemblerRegistry) SetActive(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	if !ok {
		return false
	}
	r.active = d
	return true
}
