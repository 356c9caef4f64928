package harness

import "testing"

type watchpointBus struct {
	watched map[uint32]bool
}

func (b watchpointBus) Read8(uint32) uint8    { return 0 }
func (b watchpointBus) Read16(uint32) uint16  { return 0 }
func (b watchpointBus) Read32(uint32) uint32  { return 0 }
func (b watchpointBus) Write8(uint32, uint8)  {}
func (b watchpointBus) Write16(uint32, uint16) {}
func (b watchpointBus) Write32(uint32, uint32) {}
func (b watchpointBus) IsWatchpointAt(addr uint32, read bool) bool { return b.watched[addr] }

func TestPauseGuardNonWatchedAccessPassesThrough(t *testing.T) {
	restarts := 0
	g := NewPauseGuard(func() { restarts++ })
	bus := watchpointBus{watched: map[uint32]bool{}}

	g.Initialize(bus, 0x100, AccessRead)
	g.Dispose()

	if restarts != 0 {
		t.Fatalf("restart called %d times for a non-watched access", restarts)
	}
	if g.ConsumeWatchpointHit() {
		t.Fatal("no watchpoint hit should be recorded")
	}
}

func TestPauseGuardWatchedAccessRestartsOnceThenResolves(t *testing.T) {
	restarts := 0
	g := NewPauseGuard(func() { restarts++ })
	bus := watchpointBus{watched: map[uint32]bool{0x1000: true}}

	func() {
		defer func() { recover() }() // first Initialize panics with restartSignal
		g.Initialize(bus, 0x1000, AccessRead)
	}()
	if restarts != 1 {
		t.Fatalf("restart called %d times, want 1 on first arrival", restarts)
	}

	// Second arrival at the same retranslated access: block_restart_reached
	// is now true, so Initialize must return normally and record the hit.
	g.Initialize(bus, 0x1000, AccessRead)
	if restarts != 1 {
		t.Fatalf("restart called %d times, want still 1 on second arrival", restarts)
	}
	if !g.ConsumeWatchpointHit() {
		t.Fatal("expected a recorded watchpoint hit on the second arrival")
	}
	if g.ConsumeWatchpointHit() {
		t.Fatal("ConsumeWatchpointHit should clear the flag after reading it once")
	}
}

func TestPauseGuardOrderPauseFailsWithNoToken(t *testing.T) {
	g := NewPauseGuard(func() {})
	g.Enter()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic ordering a pause while active with no guard token")
		}
	}()
	g.OrderPause()
}

func TestPauseGuardOrderPauseOKWithToken(t *testing.T) {
	g := NewPauseGuard(func() {})
	bus := watchpointBus{watched: map[uint32]bool{}}
	g.Enter()
	g.Initialize(bus, 0x10, AccessRead)
	g.OrderPause() // must not panic
	g.Dispose()
	g.Leave()
}
