package harness

import (
	"sort"
	"sync"
)

// mapRangeTranslator is the subset of translator imports the registry
// drives directly (§4.1): map/unmap, the mapped-range query used to
// rebuild the segment list after unmap, translation-cache sizing, and
// the host-blocks table trampoline.
type mapRangeTranslator interface {
	MapRange(start, size uint32) error
	UnmapRange(start, end uint32) error
	IsRangeMapped(start, size uint32) bool
	SetTranslationCacheSize(size uint64)
	SetHostBlocks(blocks []HostMemoryBlock)
	FreeHostBlocks()
	PageSize() uint32
}

// MemoryMapRegistry tracks page-aligned guest regions and their host
// backing (§4.5). Every mutating method must only be called while the
// owning CPU is in its paused state (§5, ordering guarantee 2).
type MemoryMapRegistry struct {
	mu    sync.Mutex
	segs  []*segmentMapping
	ioSet map[uint32]struct{}
	t     mapRangeTranslator
}

// NewMemoryMapRegistry builds an empty registry bound to a translator.
func NewMemoryMapRegistry(t mapRangeTranslator) *MemoryMapRegistry {
	return &MemoryMapRegistry{t: t, ioSet: make(map[uint32]struct{})}
}

func (r *MemoryMapRegistry) pageAligned(v uint32) bool {
	ps := r.t.PageSize()
	return ps != 0 && v%ps == 0
}

// Map registers a new segment (§4.5): validates page alignment,
// registers the mapping, calls map_range, and resizes the translation
// cache to sum(sizes)/4 (§3, testable invariant).
func (r *MemoryMapRegistry) Map(seg *MappedSegment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pageAligned(seg.StartingOffset) || !r.pageAligned(seg.Size) {
		return configErrorf("MemoryMapRegistry.Map", "segment [0x%x, +0x%x) is not page-aligned", seg.StartingOffset, seg.Size)
	}
	for _, existing := range r.segs {
		s := existing.segment
		if seg.StartingOffset < s.StartingOffset+s.Size && s.StartingOffset < seg.StartingOffset+seg.Size {
			return configErrorf("MemoryMapRegistry.Map", "segment [0x%x, +0x%x) overlaps existing mapping", seg.StartingOffset, seg.Size)
		}
	}

	r.segs = append(r.segs, &segmentMapping{segment: seg})
	if err := r.t.MapRange(seg.StartingOffset, seg.Size); err != nil {
		r.segs = r.segs[:len(r.segs)-1]
		return err
	}
	r.t.SetTranslationCacheSize(r.totalSizeLocked() / 4)
	return nil
}

// Unmap drops a mapped range (§4.5): validates alignment, calls
// unmap_range (flagging those pages as I/O for the translator), then
// rebuilds the segment list from whatever the translator still
// reports mapped.
func (r *MemoryMapRegistry) Unmap(rng AddressRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pageAligned(rng.Start) || !r.pageAligned(rng.Size()) {
		return configErrorf("MemoryMapRegistry.Unmap", "range [0x%x, 0x%x) is not page-aligned", rng.Start, rng.End)
	}
	if err := r.t.UnmapRange(rng.Start, rng.End-1); err != nil {
		return err
	}

	kept := r.segs[:0]
	for _, m := range r.segs {
		s := m.segment
		if r.t.IsRangeMapped(s.StartingOffset, s.Size) {
			kept = append(kept, m)
		}
	}
	r.segs = kept
	return nil
}

// TouchHostBlock is the touch_host_block export (§4.5): locates the
// segment containing offset, runs its lazy materialization, and
// rebuilds the translator-visible host-blocks table.
func (r *MemoryMapRegistry) TouchHostBlock(offset uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.segs {
		if m.segment.Contains(offset) {
			m.segment.Touch()
			r.rebuildHostBlocksLocked()
			return
		}
	}
}

// rebuildHostBlocksLocked sorts touched segments ascending by host
// pointer, computes HostBlockStart for aliased pointers, and hands the
// table to the translator. Must be called with r.mu held.
func (r *MemoryMapRegistry) rebuildHostBlocksLocked() {
	var touched []*MappedSegment
	for _, m := range r.segs {
		if m.segment.Touched() {
			touched = append(touched, m.segment)
		}
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i].HostPointer < touched[j].HostPointer })

	blocks := make([]HostMemoryBlock, len(touched))
	for i, s := range touched {
		start := int32(i)
		if i > 0 && touched[i-1].HostPointer == s.HostPointer {
			start = blocks[i-1].HostBlockStart
		}
		blocks[i] = HostMemoryBlock{
			Start:          s.StartingOffset,
			Size:           s.Size,
			HostPointer:    s.HostPointer,
			HostBlockStart: start,
		}
	}

	r.t.FreeHostBlocks()
	r.t.SetHostBlocks(blocks)
}

func (r *MemoryMapRegistry) totalSizeLocked() uint64 {
	var total uint64
	for _, m := range r.segs {
		total += uint64(m.segment.Size)
	}
	return total
}

// TotalSize returns sum(segment sizes) across all mapped segments.
func (r *MemoryMapRegistry) TotalSize() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalSizeLocked()
}

// Segments returns a snapshot of currently-mapped segments.
func (r *MemoryMapRegistry) Segments() []*MappedSegment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MappedSegment, len(r.segs))
	for i, m := range r.segs {
		out[i] = m.segment
	}
	return out
}

// pageIOKey masks an address down to a page-aligned key. Original
// spec §9 flags the source as masking with `address & page_size`
// (a bug); this implementation masks with `address & ~(page_size-1)`
// as the spec directs.
func pageIOKey(addr, pageSize uint32) uint32 {
	return addr &^ (pageSize - 1)
}

// SetPageAccessViaIO marks addr's page as I/O-only: the translator
// bypasses its fast host-memory path for loads/stores landing there.
func (r *MemoryMapRegistry) SetPageAccessViaIO(addr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ioSet[pageIOKey(addr, r.t.PageSize())] = struct{}{}
}

// ClearPageAccessViaIO reverses SetPageAccessViaIO.
func (r *MemoryMapRegistry) ClearPageAccessViaIO(addr uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ioSet, pageIOKey(addr, r.t.PageSize()))
}

// IsIOAccessed is the is_io_accessed export.
func (r *MemoryMapRegistry) IsIOAccessed(addr uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ioSet[pageIOKey(addr, r.t.PageSize())]
	return ok
}
