package harness

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MemoryManager serves the translator's allocate/reallocate/free
// trampolines (§4.2). Allocations are backed by mmap'd pages rather
// than the Go heap: the host-blocks table the translator consumes is
// keyed by host pointer identity, and that identity must survive
// across Go's moving-free (non-moving today, but the ABI contract
// should not depend on it) and must remain valid while the translator
// holds a raw pointer into it with no Go-visible reference keeping it
// alive.
type MemoryManager struct {
	mu    sync.Mutex
	sizes map[uintptr]int
	total atomic.Int64
}

// NewMemoryManager returns an empty manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{sizes: make(map[uintptr]int)}
}

// Allocate returns a newly mapped host pointer of n bytes, registering
// it. A duplicate registration (should the address space ever repeat
// an in-use pointer) is a fatal invariant violation.
func (m *MemoryManager) Allocate(n int) (uintptr, error) {
	if n <= 0 {
		return 0, configErrorf("MemoryManager.Allocate", "size must be positive, got %d", n)
	}
	region, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, configErrorf("MemoryManager.Allocate", "mmap %d bytes: %w", n, err)
	}
	ptr := sliceHostPointer(region)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sizes[ptr]; exists {
		invariantViolation("MemoryManager.Allocate: duplicate host pointer registration")
	}
	m.sizes[ptr] = n
	m.total.Add(int64(n))
	return ptr, nil
}

// Reallocate implements the translator's realloc trampoline: a null
// pointer allocates, a zero size frees, otherwise the block is resized
// in place where possible and the registry adjusted by new-old.
func (m *MemoryManager) Reallocate(p uintptr, n int) (uintptr, error) {
	if p == 0 {
		return m.Allocate(n)
	}
	if n == 0 {
		return 0, m.Free(p)
	}

	m.mu.Lock()
	oldSize, ok := m.sizes[p]
	if !ok {
		m.mu.Unlock()
		invariantViolation("MemoryManager.Reallocate: unregistered pointer")
	}
	delete(m.sizes, p)
	m.mu.Unlock()

	oldRegion := hostPointerSlice(p, oldSize)
	newRegion, err := unix.Mremap(oldRegion, n, unix.MREMAP_MAYMOVE)
	if err != nil {
		m.mu.Lock()
		m.sizes[p] = oldSize
		m.mu.Unlock()
		return 0, configErrorf("MemoryManager.Reallocate", "mremap %d->%d: %w", oldSize, n, err)
	}
	newPtr := sliceHostPointer(newRegion)

	m.mu.Lock()
	m.sizes[newPtr] = n
	m.mu.Unlock()
	m.total.Add(int64(n - oldSize))
	return newPtr, nil
}

// Free releases a previously allocated host pointer. Freeing an
// unregistered pointer is a fatal invariant violation, not a
// recoverable error — it indicates a collaborator bug.
func (m *MemoryManager) Free(p uintptr) error {
	if p == 0 {
		return nil
	}
	m.mu.Lock()
	size, ok := m.sizes[p]
	if !ok {
		m.mu.Unlock()
		invariantViolation("MemoryManager.Free: unregistered pointer")
	}
	delete(m.sizes, p)
	m.mu.Unlock()

	if err := unix.Munmap(hostPointerSlice(p, size)); err != nil {
		return configErrorf("MemoryManager.Free", "munmap: %w", err)
	}
	m.total.Add(-int64(size))
	return nil
}

// Total returns the current sum of outstanding allocation sizes.
func (m *MemoryManager) Total() int64 { return m.total.Load() }

// AssertEmpty is called on teardown (§3, Dispose) and panics — a
// fatal invariant violation — if any allocation is still outstanding,
// i.e. the translator leaked a buffer it should have freed.
func (m *MemoryManager) AssertEmpty() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sizes) != 0 {
		invariantViolation("MemoryManager: outstanding allocations at teardown")
	}
}
