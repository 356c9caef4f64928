package harness

import "testing"

type countingHandler struct {
	fired int
	over  uint64
}

func (h *countingHandler) OnLimitReached(ticksOver uint64) {
	h.fired++
	h.over = ticksOver
}

func TestClockSourceFiresOnPeriod(t *testing.T) {
	c := NewClockSource()
	h := &countingHandler{}
	if _, err := c.Add(h, 100, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := c.Advance(100, false); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if h.fired != 1 {
		t.Fatalf("fired = %d, want 1", h.fired)
	}
	if h.over != 0 {
		t.Fatalf("over = %d, want 0", h.over)
	}
}

func TestClockSourceFiresWithOverflow(t *testing.T) {
	c := NewClockSource()
	h := &countingHandler{}
	c.Add(h, 100, true)

	c.Advance(150, false)
	if h.fired != 1 || h.over != 50 {
		t.Fatalf("fired=%d over=%d, want 1/50", h.fired, h.over)
	}
}

func TestClockSourceDuplicateAddIsConfigError(t *testing.T) {
	c := NewClockSource()
	h := &countingHandler{}
	c.Add(h, 100, true)
	if _, err := c.Add(h, 200, true); err == nil {
		t.Fatal("expected ConfigError on duplicate Add")
	}
}

func TestClockSourceNearestLimitIn(t *testing.T) {
	c := NewClockSource()
	a := &countingHandler{}
	b := &countingHandler{}
	c.Add(a, 1000, true)
	c.Add(b, 100, true)

	if got := c.NearestLimitIn(); got != 100 {
		t.Fatalf("NearestLimitIn = %d, want 100", got)
	}
}

func TestClockSourceDisabledEntryIgnoredByNearestLimit(t *testing.T) {
	c := NewClockSource()
	a := &countingHandler{}
	c.Add(a, 50, false)
	if got := c.NearestLimitIn(); got != 0 {
		t.Fatalf("NearestLimitIn = %d, want 0 with no enabled entries", got)
	}
}

func TestClockSourceCancelUnwindsAdvance(t *testing.T) {
	c := NewClockSource()
	c.Cancel()
	err := c.Advance(10, false)
	if err != errAdvanceCanceled {
		t.Fatalf("Advance after Cancel = %v, want errAdvanceCanceled", err)
	}
}

func TestClockSourceAddReportsZeroToNonZeroTransition(t *testing.T) {
	c := NewClockSource()
	a := &countingHandler{}
	b := &countingHandler{}

	becameNonEmpty, err := c.Add(a, 100, true)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !becameNonEmpty {
		t.Fatal("expected the first Add to report a zero-to-nonzero transition")
	}

	becameNonEmpty, err = c.Add(b, 200, true)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if becameNonEmpty {
		t.Fatal("second Add into an already-nonempty source must not report a transition")
	}
}

func TestClockSourceAddAllReportsZeroToNonZeroTransition(t *testing.T) {
	c := NewClockSource()
	h := &countingHandler{}
	entries := []ClockEntry{{Handler: h, Period: 100, Enabled: true}}

	if !c.AddAll(entries) {
		t.Fatal("expected AddAll into an empty source to report a transition")
	}
	if c.AddAll(nil) {
		t.Fatal("AddAll with no entries must never report a transition")
	}
}

func TestClockSourceEjectAndAddAllPreservesValue(t *testing.T) {
	c := NewClockSource()
	h := &countingHandler{}
	c.Add(h, 1000, true)
	c.Advance(400, false)

	entries := c.EjectAll()
	if c.HasEntries() {
		t.Fatal("HasEntries true after EjectAll")
	}

	c.AddAll(entries)
	got, ok := c.Get(h)
	if !ok || got.Value != 400 {
		t.Fatalf("Get after AddAll = %+v, ok=%v, want Value=400", got, ok)
	}
}
