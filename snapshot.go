package harness

// Snapshot is the on-disk state of a CPU (§6, "Snapshot format"):
// public properties, the IRQ latch array, and the opaque translator
// state blob. Transient fields (thread handle, wait handles, memory
// manager, binder, timer) are never included — they are rebuilt by
// LoadSnapshot.
type Snapshot struct {
	Architecture string
	Model        string
	Endianness   string
	Slot         int

	ExecutionMode        ExecutionMode
	ExecutedInstructions uint64
	TranslationCacheSize uint64
	MaximumBlockSize     uint32
	CountThreshold       int32
	PerformanceInMips    int

	IRQLatches []bool
	StateBlob  []byte
}

// SaveSnapshot runs the pre/post-serialization hooks (§4.9): sample
// IRQ latches, export the translator's opaque state, and copy
// get_state_size bytes into a managed blob. The caller must already
// hold the CPU paused (§5, ordering guarantee 2 applies to
// serialization the same as to memory-map mutation).
func (c *CPU) SaveSnapshot() Snapshot {
	size := int(c.translator.GetStateSize())
	ptr := c.translator.ExportState()
	blob := make([]byte, size)
	if size > 0 && ptr != 0 {
		copy(blob, hostPointerSlice(ptr, size))
	}

	return Snapshot{
		Architecture:         c.Architecture,
		Model:                c.Model,
		Endianness:           c.Endianness,
		Slot:                 c.Slot,
		ExecutionMode:        c.ExecutionMode(),
		ExecutedInstructions: c.ExecutedInstructions(),
		TranslationCacheSize: c.translationCacheSize,
		MaximumBlockSize:     c.translator.GetMaxBlockSize(),
		CountThreshold:       c.countThreshold,
		PerformanceInMips:    c.performanceInMips,
		IRQLatches:           c.irq.Snapshot(),
		StateBlob:            blob,
	}
}

// LoadSnapshot is the late-post-deserialization hook (§4.9): rebuilds
// IRQ latches, reinitializes the translator (re-running init reloads
// the library), copies the state blob back via restore_context,
// re-registers every mapped segment, and re-adds every breakpoint.
// The CPU must already be paused and its memory-map/hook state must
// already reflect what is being restored (both are caller
// responsibilities — restoring them is this package's concern only
// for the operations the translator itself must replay).
func (c *CPU) LoadSnapshot(snap Snapshot, cpuType int32) error {
	c.irq.Restore(snap.IRQLatches)

	if c.translator.Init(cpuType) < 0 {
		return configErrorf("LoadSnapshot", "re-init: unknown CPU type %d", cpuType)
	}

	if len(snap.StateBlob) > 0 {
		dst := c.translator.ExportState()
		if dst != 0 {
			copy(hostPointerSlice(dst, len(snap.StateBlob)), snap.StateBlob)
		}
		c.translator.RestoreContext()
	}

	c.translationCacheSize = snap.TranslationCacheSize
	c.translator.SetTranslationCacheSize(snap.TranslationCacheSize)
	c.translator.SetMaxBlockSize(snap.MaximumBlockSize)
	c.countThreshold = snap.CountThreshold
	c.translator.SetCountThreshold(snap.CountThreshold)
	c.performanceInMips = snap.PerformanceInMips
	c.executedInstructions.Store(snap.ExecutedInstructions)
	c.SetExecutionMode(snap.ExecutionMode)

	for _, seg := range c.memReg.Segments() {
		if err := c.translator.MapRange(seg.StartingOffset, seg.Size); err != nil {
			return err
		}
	}
	for _, addr := range c.hooks.Addresses() {
		c.translator.AddBreakpoint(addr)
	}
	return nil
}
