package harness

import "testing"

type fakeMapTranslator struct {
	pageSize        uint32
	mapped          []AddressRange
	cacheSize       uint64
	hostBlocks      []HostMemoryBlock
	freedHostBlocks bool
}

func newFakeMapTranslator() *fakeMapTranslator {
	return &fakeMapTranslator{pageSize: 0x1000}
}

func (f *fakeMapTranslator) MapRange(start, size uint32) error {
	f.mapped = append(f.mapped, AddressRange{Start: start, End: start + size})
	return nil
}

func (f *fakeMapTranslator) UnmapRange(start, end uint32) error {
	kept := f.mapped[:0]
	for _, r := range f.mapped {
		if !(r.Start >= start && r.End <= end+1) {
			kept = append(kept, r)
		}
	}
	f.mapped = kept
	return nil
}

func (f *fakeMapTranslator) IsRangeMapped(start, size uint32) bool {
	for _, r := range f.mapped {
		if r.Start == start && r.End == start+size {
			return true
		}
	}
	return false
}

func (f *fakeMapTranslator) SetTranslationCacheSize(size uint64) { f.cacheSize = size }
func (f *fakeMapTranslator) SetHostBlocks(blocks []HostMemoryBlock) {
	f.hostBlocks = blocks
	f.freedHostBlocks = false
}
func (f *fakeMapTranslator) FreeHostBlocks() { f.freedHostBlocks = true }
func (f *fakeMapTranslator) PageSize() uint32 { return f.pageSize }

func TestMemoryMapRegistryMapRejectsUnaligned(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	err := r.Map(&MappedSegment{StartingOffset: 0x10, Size: 0x1000})
	if err == nil {
		t.Fatal("expected a ConfigError for an unaligned starting offset")
	}
}

func TestMemoryMapRegistryMapRejectsOverlap(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	if err := r.Map(&MappedSegment{StartingOffset: 0x0, Size: 0x2000}); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := r.Map(&MappedSegment{StartingOffset: 0x1000, Size: 0x1000}); err == nil {
		t.Fatal("expected an overlap error")
	}
}

func TestMemoryMapRegistryCacheSizeIsTotalOverFour(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	r.Map(&MappedSegment{StartingOffset: 0x0, Size: 0x4000})
	r.Map(&MappedSegment{StartingOffset: 0x4000, Size: 0x4000})

	if ft.cacheSize != 0x8000/4 {
		t.Fatalf("cacheSize = 0x%x, want 0x%x", ft.cacheSize, 0x8000/4)
	}
}

func TestMemoryMapRegistryUnmapRebuildsFromTranslator(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	r.Map(&MappedSegment{StartingOffset: 0x0, Size: 0x1000})
	r.Map(&MappedSegment{StartingOffset: 0x1000, Size: 0x1000})

	if err := r.Unmap(AddressRange{Start: 0x0, End: 0x1000}); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	segs := r.Segments()
	if len(segs) != 1 || segs[0].StartingOffset != 0x1000 {
		t.Fatalf("Segments after Unmap = %+v, want just [0x1000]", segs)
	}
}

func TestMemoryMapRegistryTouchHostBlockRebuildsAliasedTable(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	shared := uintptr(0x7f0000)
	r.Map(&MappedSegment{StartingOffset: 0x0, Size: 0x1000, HostPointer: shared})
	r.Map(&MappedSegment{StartingOffset: 0x1000, Size: 0x1000, HostPointer: shared})

	r.TouchHostBlock(0x0)
	r.TouchHostBlock(0x1000)

	if len(ft.hostBlocks) != 2 {
		t.Fatalf("hostBlocks len = %d, want 2", len(ft.hostBlocks))
	}
	if ft.hostBlocks[0].HostBlockStart != 0 || ft.hostBlocks[1].HostBlockStart != 0 {
		t.Fatalf("aliased blocks should share HostBlockStart 0, got %+v", ft.hostBlocks)
	}
}

func TestPageIOKeyMasksDownNotUp(t *testing.T) {
	const pageSize = 0x1000
	got := pageIOKey(0x1234, pageSize)
	if got != 0x1000 {
		t.Fatalf("pageIOKey(0x1234, 0x1000) = 0x%x, want 0x1000", got)
	}
}

func TestMemoryMapRegistrySetClearPageAccessViaIO(t *testing.T) {
	ft := newFakeMapTranslator()
	r := NewMemoryMapRegistry(ft)

	r.SetPageAccessViaIO(0x1234)
	if !r.IsIOAccessed(0x1200) {
		t.Fatal("IsIOAccessed should be true for any address on the same page")
	}
	r.ClearPageAccessViaIO(0x1234)
	if r.IsIOAccessed(0x1200) {
		t.Fatal("IsIOAccessed should be false after clearing")
	}
}
