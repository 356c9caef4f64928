package harness

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Default values from §6.
const (
	DefaultTranslationCacheSize = 32 << 20
	DefaultMaxBlockSize         = 0x7FF
	DefaultCountThreshold       = 5000
	DefaultPerformanceInMips    = 100
)

// CPU is the Public CPU Contract (§6): the externally facing handle a
// wider emulator holds for one translated core. It owns the execution
// thread and every component that serves it.
type CPU struct {
	translator *Translator
	bus        SystemBus
	irq        *InterruptPlane
	clock      *ClockSource
	memReg     *MemoryMapRegistry
	hooks      *HookTable
	guard      *PauseGuard
	regs       *RegisterBank
	scripts    *ScriptEngine
	symbols    SymbolResolver
	mm         *MemoryManager

	Endianness   string
	Model        string
	Architecture string
	Slot         int

	pauseMu    sync.Mutex
	pauseEvent atomic.Bool

	haltedMu   sync.Mutex
	halted     bool
	wakeMu     sync.Mutex
	wake       chan struct{}

	stepSem    *semaphore.Weighted
	stepDoneMu sync.Mutex
	stepDoneWG sync.WaitGroup

	thread   chan struct{} // non-nil while the CPU thread is running; closed when it exits
	threadWG sync.WaitGroup
	onCPUThread atomic.Bool // true for the lifetime of run(), on the CPU thread itself

	mode             atomic.Int32
	skipNextStepping bool // touched only by the CPU thread

	savedMaxBlockSize    uint32
	savedMaxBlockSizeSet bool

	executedInstructions atomic.Uint64

	advanceShouldBeRestarted bool
	watchpointResumeArmed    bool
	abortedFlag              atomic.Bool

	translationCacheSize uint64
	countThreshold       int32
	performanceInMips    int
	advanceImmediately   bool
	threadSentinelEnabled bool
	disableInterruptsWhileStepping bool
	updateContextOnLoadAndStore     bool
	logTranslationBlockFetch        bool
	logTranslatedBlocks             bool
	logFile string

	disassemblers *DisassemblerRegistry

	haltedCh chan HaltArguments // delivers Halted events to subscribers
}

// NewCPU wires every component together (§2). bus, symbols, mm and
// translator are external collaborators; the caller is responsible
// for loading the translator (LoadTranslator, with this same mm) before
// construction.
func NewCPU(t *Translator, bus SystemBus, symbols SymbolResolver, mm *MemoryManager, lineCount int, decode InterruptDecoder, architecture, model string, bigEndian bool, slot int) *CPU {
	c := &CPU{
		translator:           t,
		bus:                  bus,
		symbols:              symbols,
		mm:                   mm,
		Architecture:         architecture,
		Model:                model,
		Slot:                 slot,
		translationCacheSize: DefaultTranslationCacheSize,
		countThreshold:       DefaultCountThreshold,
		performanceInMips:    DefaultPerformanceInMips,
		stepSem:              semaphore.NewWeighted(1 << 30),
		wake:                 make(chan struct{}),
		haltedCh:             make(chan HaltArguments, 8),
		disassemblers:        NewDisassemblerRegistry(),
	}
	if bigEndian {
		c.Endianness = "big"
	} else {
		c.Endianness = "little"
	}
	c.pauseEvent.Store(true) // idle at construction (§3, Lifecycle)
	c.stepSem.TryAcquire(1 << 30) // start with no step tokens: Acquire blocks until Step or Pause releases one

	c.guard = NewPauseGuard(t.RestartTranslationBlock)
	c.memReg = NewMemoryMapRegistry(t)
	c.hooks = NewHookTable(t)
	c.scripts = NewScriptEngine()
	c.irq = NewInterruptPlane(lineCount, decode, func(line, level int) { t.SetIRQ(int32(line), int32(level)) }, t.IsIRQSet)

	c.clock = NewClockSource()

	t.SetMemoryMapRegistry(c.memReg)
	t.guard = c.guard
	t.SetBlockBeginHandler(c.onBlockBegin)
	t.SetAbortHandler(c.onAbort)
	t.SetInstructionCountHandler(c.onInstructionCount)
	t.SetInstructionCountEnabledQuery(c.clock.HasEntries)
	t.SetBlockBeginEnabledQuery(c.hooks.HasBlockBeginHook)
	t.SetLogDisassemblyHandler(c.onLogDisassembly)
	t.SetCacheSizeChangeHandler(c.onCacheSizeChange)
	t.SetTranslationCacheSize(c.translationCacheSize)
	t.SetCountThreshold(c.countThreshold)
	t.SetMaxBlockSize(DefaultMaxBlockSize)

	return c
}

// onInstructionCount is the update_instruction_counter callback (§4.1):
// the translator reports n instructions retired since the last report.
// Drives both the public retired-instruction counter and the Clock
// Source's virtual time base, per §2's "advances virtual time driven
// by retired-instruction counts". The clock's cancellation backstop
// (errAdvanceCanceled) exists for the idle/halted wait path in the
// execution loop; a cancellation reaching here, mid-Execute on the CPU
// thread itself, has nowhere useful to unwind to, so it is ignored.
func (c *CPU) onInstructionCount(n int32) {
	if n <= 0 {
		return
	}
	c.executedInstructions.Add(uint64(n))
	_ = c.clock.Advance(uint64(n), false)
}

// onLogDisassembly is the log_disassembly callback (§4.1). When a
// disassembler plugin is active it logs the block's address, length and
// pc at debug level; the plugin's Disassemble is not called, and with no
// active plugin nothing is logged.
func (c *CPU) onLogDisassembly(addr, length, pc uint32) {
	d := c.disassemblers.Active()
	if d == nil {
		return
	}
	defaultLogger.Debug("translated block", "addr", fmtHex(addr), "length", length, "pc", fmtHex(pc))
}

// onCacheSizeChange is the on_translation_cache_size_change callback
// (§4.1): the translator may settle on a cache size other than what was
// requested, so the public property tracks what actually took effect.
func (c *CPU) onCacheSizeChange(size int32) {
	if size > 0 {
		c.translationCacheSize = uint64(size)
	}
}

// Halted returns a channel delivering Halted(HaltArguments) events.
func (c *CPU) Halted() <-chan HaltArguments { return c.haltedCh }

func (c *CPU) fireHalted(reason HaltReason, pc, addr uint32) {
	select {
	case c.haltedCh <- HaltArguments{Reason: reason, PC: pc, Address: addr}:
	default:
		defaultLogger.Warn("Halted event dropped, subscriber too slow", "reason", reason.String())
	}
}

func (c *CPU) signalWake() {
	c.wakeMu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.wakeMu.Unlock()
}

func (c *CPU) wakeChan() chan struct{} {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	return c.wake
}

// IsStarted reports whether the CPU thread is currently running.
func (c *CPU) IsStarted() bool { return c.thread != nil }

// IsHalted reports the current halted latch state (§3). Setting it to
// true fires Halted(Pause); setting it back to false signals the wake
// event (§5, ordering guarantee 3).
func (c *CPU) IsHalted() bool {
	c.haltedMu.Lock()
	defer c.haltedMu.Unlock()
	return c.halted
}

func (c *CPU) setHalted(v bool, pc uint32) {
	c.haltedMu.Lock()
	changed := c.halted != v
	c.halted = v
	c.haltedMu.Unlock()
	if !changed {
		return
	}
	if v {
		c.fireHalted(HaltPause, pc, 0)
	} else {
		c.signalWake()
	}
}

// ExecutedInstructions is the retired-instruction counter.
func (c *CPU) ExecutedInstructions() uint64 { return c.executedInstructions.Load() }

// ExecutionMode gets the current stepping mode (§3).
func (c *CPU) ExecutionMode() ExecutionMode { return ExecutionMode(c.mode.Load()) }

// SetExecutionMode sets Continuous or SingleStep. Observed by the loop
// via AdjustBlockSize at the next iteration boundary.
func (c *CPU) SetExecutionMode(m ExecutionMode) { c.mode.Store(int32(m)) }

// PC reads the program counter, if the architecture declared one as
// "pc" in its register bank.
func (c *CPU) PC() uint32 {
	if c.regs == nil {
		return 0
	}
	v, _ := c.regs.Get("pc")
	return uint32(v)
}

// TranslationCacheSize, MaximumBlockSize, CountThreshold,
// PerformanceInMips, AdvanceImmediately, ThreadSentinelEnabled,
// DisableInterruptsWhileStepping and LogFile are the remaining §6
// properties with non-trivial set behavior.

func (c *CPU) TranslationCacheSize() uint64 { return c.translationCacheSize }

func (c *CPU) SetTranslationCacheSize(size uint64) {
	c.translationCacheSize = size
	c.translator.SetTranslationCacheSize(size)
}

func (c *CPU) MaximumBlockSize() uint32 { return c.translator.GetMaxBlockSize() }

func (c *CPU) SetMaximumBlockSize(size uint32) {
	c.translator.SetMaxBlockSize(size)
}

func (c *CPU) CountThreshold() int32 { return c.countThreshold }

func (c *CPU) SetCountThreshold(n int32) {
	c.countThreshold = n
	c.translator.SetCountThreshold(n)
}

func (c *CPU) PerformanceInMips() int          { return c.performanceInMips }
func (c *CPU) SetPerformanceInMips(v int)      { c.performanceInMips = v }
func (c *CPU) AdvanceImmediately() bool        { return c.advanceImmediately }
func (c *CPU) SetAdvanceImmediately(v bool)    { c.advanceImmediately = v }
func (c *CPU) ThreadSentinelEnabled() bool     { return c.threadSentinelEnabled }
func (c *CPU) SetThreadSentinelEnabled(v bool) { c.threadSentinelEnabled = v }
func (c *CPU) DisableInterruptsWhileStepping() bool {
	return c.disableInterruptsWhileStepping
}
func (c *CPU) SetDisableInterruptsWhileStepping(v bool) {
	c.disableInterruptsWhileStepping = v
}
func (c *CPU) LogFile() string     { return c.logFile }
func (c *CPU) SetLogFile(p string) { c.logFile = p }

func (c *CPU) UpdateContextOnLoadAndStore() bool     { return c.updateContextOnLoadAndStore }
func (c *CPU) SetUpdateContextOnLoadAndStore(v bool) { c.updateContextOnLoadAndStore = v }

func (c *CPU) LogTranslationBlockFetch() bool     { return c.logTranslationBlockFetch }
func (c *CPU) SetLogTranslationBlockFetch(v bool) { c.logTranslationBlockFetch = v }

// LogTranslatedBlocks toggles the translator's own block-translation
// tracing (set_on_block_translation_enabled, §4.1).
func (c *CPU) LogTranslatedBlocks() bool { return c.logTranslatedBlocks }
func (c *CPU) SetLogTranslatedBlocks(v bool) {
	c.logTranslatedBlocks = v
	c.translator.SetOnBlockTranslationEnabled(v)
}

// IRQ reports the latch state of interrupt line 0, the architecture's
// primary request line (§6); multi-line state is available via
// IsSetEvent.
func (c *CPU) IRQ() bool      { return c.irq.IsSet(0) }
func (c *CPU) SetIRQ(v bool)  { c.OnGPIO(0, v) }

// Disassembler is the active disassembler plugin, if any (§6). Nil
// when none has been registered or selected.
func (c *CPU) Disassembler() Disassembler { return c.disassemblers.Active() }

// SetDisassembler selects a previously registered plugin by name.
func (c *CPU) SetDisassembler(name string) bool { return c.disassemblers.SetActive(name) }

// RegisterDisassembler makes a plugin available for SetDisassembler
// and AvailableDisassemblers.
func (c *CPU) RegisterDisassembler(d Disassembler) { c.disassemblers.Register(d) }

// AvailableDisassemblers lists every registered plugin's name (§6).
func (c *CPU) AvailableDisassemblers() []string { return c.disassemblers.Available() }

// MapMemory, UnmapMemory, SetPageAccessViaIo, ClearPageAccessViaIo
// delegate to the memory-map registry (§4.5); callers must have the
// machine paused (§5, ordering guarantee 2).
func (c *CPU) MapMemory(seg *MappedSegment) error { return c.memReg.Map(seg) }
func (c *CPU) UnmapMemory(rng AddressRange) error { return c.memReg.Unmap(rng) }
func (c *CPU) SetPageAccessViaIo(addr uint32)     { c.memReg.SetPageAccessViaIO(addr) }
func (c *CPU) ClearPageAccessViaIo(addr uint32)   { c.memReg.ClearPageAccessViaIO(addr) }

// AddHook, RemoveHook, RemoveAllAt delegate to the hook table (§4.6).
func (c *CPU) AddHook(addr uint32, cb HookCallback) HookHandle {
	return c.hooks.AddHook(addr, cb)
}
func (c *CPU) RemoveHook(h HookHandle)       { c.hooks.RemoveHook(h) }
func (c *CPU) RemoveAllAt(addr uint32)       { c.hooks.RemoveAllAt(addr) }

// SetBlockBeginHook installs (or, with cb == nil, clears) the per-CPU
// block-begin callback (§4.6). Invalidates the translation cache on a
// nil/non-nil transition, since is_block_begin_event_enabled then
// reports a different value to the translator.
func (c *CPU) SetBlockBeginHook(cb HookCallback) {
	if c.hooks.SetHookAtBlockBegin(cb) {
		c.translator.InvalidateTranslationCache()
	}
}

// AddClockEntry registers a new Clock Source entry (§4.8), invalidating
// the translation cache if this is the first entry registered (the
// is_instruction_count_enabled export then starts reporting true).
func (c *CPU) AddClockEntry(h ClockHandler, period uint64, enabled bool) error {
	becameNonEmpty, err := c.clock.Add(h, period, enabled)
	if err != nil {
		return err
	}
	if becameNonEmpty {
		c.translator.InvalidateTranslationCache()
	}
	return nil
}

// RestoreClockEntries re-adds a batch of previously ejected Clock
// Source entries (§4.8), with the same invalidation behavior as
// AddClockEntry.
func (c *CPU) RestoreClockEntries(entries []ClockEntry) {
	if c.clock.AddAll(entries) {
		c.translator.InvalidateTranslationCache()
	}
}

// OnGPIO and IsSetEvent delegate to the interrupt plane (§4.3).
func (c *CPU) OnGPIO(line int, level bool) {
	c.irq.OnGPIO(line, level, c.IsStarted(), c.steppingSuppressesIRQ())
	c.signalWake() // an interrupt ends a halted/WFI wait in the execution loop
}
func (c *CPU) IsSetEvent(line int) bool { return c.irq.IsSet(line) }

func (c *CPU) steppingSuppressesIRQ() bool {
	return c.ExecutionMode() == SingleStep && c.disableInterruptsWhileStepping
}

// ReadRegister and ReadMemory satisfy ConditionEvaluator, letting the
// CPU itself resolve plain and scripted hook predicates (§4.6, §4.11).
func (c *CPU) ReadRegister(name string) (uint64, bool) {
	if c.regs == nil {
		return 0, false
	}
	return c.regs.Get(name)
}

func (c *CPU) ReadMemory(addr uint32, size int) uint64 {
	switch size {
	case 1:
		return uint64(c.bus.Read8(addr))
	case 2:
		return uint64(c.bus.Read16(addr))
	default:
		return uint64(c.bus.Read32(addr))
	}
}

// Reset pauses, re-registers all mapped memory and resets the
// translator (§3, Lifecycle).
func (c *CPU) Reset() {
	c.Pause()
	for _, seg := range c.memReg.Segments() {
		_ = c.translator.MapRange(seg.StartingOffset, seg.Size)
	}
	c.translator.Reset()
	c.executedInstructions.Store(0)
}

// Dispose tears the CPU down (§4.9): pauses (aborting if not already
// paused), removes every hook, disposes the translator, frees host
// blocks, unloads the binding, deletes its temp file, and asserts the
// memory manager leaked nothing.
func (c *CPU) Dispose() {
	if !c.pauseEvent.Load() {
		c.innerPause(HaltAbort)
	}
	for _, addr := range c.hooks.Addresses() {
		c.hooks.RemoveAllAt(addr)
	}
	c.scripts.Close()
	c.translator.FreeHostBlocks()
	c.translator.Dispose()
	c.translator.unload()
	c.mm.AssertEmpty()
}

// Start is an alias for Resume (§6).
func (c *CPU) Start() { c.Resume() }

// SetRegisterBank attaches the architecture-declared register table
// (§4.10/§9). Called once by the architecture-specific constructor
// that builds on top of CPU, after its registers' backing storage
// exists.
func (c *CPU) SetRegisterBank(regs *RegisterBank) { c.regs = regs }
