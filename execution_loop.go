package harness

import (
	"context"
	"sync"
	"time"
)

// run is the CPU thread's body (§4.4): one invocation per Resume,
// spawned as its own goroutine and joined on Pause. It is the
// translator's sole caller of execute.
func (c *CPU) run(done chan struct{}) {
	c.onCPUThread.Store(true)
	defer c.onCPUThread.Store(false)
	defer close(done)

	if c.advanceShouldBeRestarted && c.clock.HasEntries() {
		if err := c.clock.Advance(0, true); err == errAdvanceCanceled {
			return
		}
		c.advanceShouldBeRestarted = false
	}

	c.handleStepping()
	c.skipNextStepping = true

	for {
		c.adjustBlockSize()
		if c.symbols != nil {
			_ = lookupSymbolString(c.symbols, c.PC()) // refreshed for trace logging only
		}
		c.irq.RepushPending(c.steppingSuppressesIRQ())

		c.haltedMu.Lock()
		isHalted := c.halted
		c.haltedMu.Unlock()

		if !isHalted {
			c.guard.Enter()
			result := c.translator.Execute()
			c.guard.Leave()
			c.skipNextStepping = false

			if c.abortedFlag.CompareAndSwap(true, false) {
				defaultLogger.Error("halting on guest abort", "pc", c.PC())
				c.pauseEvent.Store(true)
				c.translator.SetPaused()
				c.fireHalted(HaltAbort, c.PC(), 0)
				break
			}

			switch {
			case result == ExecuteBreakpoint:
				c.hooks.Fire(c.PC(), c, c.scripts)
			case c.guard.ConsumeWatchpointHit():
				c.watchpointResumeArmed = true
				c.fireHalted(HaltWatchpoint, c.PC(), 0)
				c.setHalted(true, c.PC())
			}
		}

		if c.pauseEvent.Load() {
			break
		}

		c.haltedMu.Lock()
		stillHalted := c.halted || c.translator.IsWFI()
		c.haltedMu.Unlock()

		if !stillHalted {
			continue
		}

		if !c.clock.HasEntries() {
			<-c.wakeChan()
			continue
		}

		ticks := c.clock.NearestLimitIn()
		if ticks == 0 {
			<-c.wakeChan()
			continue
		}
		c.sleepUntilWakeOrLimit(ticks)
		if err := c.clock.Advance(ticks, false); err == errAdvanceCanceled {
			c.advanceShouldBeRestarted = true
			break
		}
	}

	c.adjustBlockSize()
	if c.watchpointResumeArmed {
		c.watchpointResumeArmed = false
		c.SetExecutionMode(SingleStep)
		go c.Resume()
	}
}

// sleepUntilWakeOrLimit waits for either a wake event (pause, IRQ,
// halted-state change) or ticks worth of virtual time, scaled through
// PerformanceInMips into a wall-clock duration. AdvanceImmediately
// skips the wall-clock wait entirely (§8 scenario 5).
func (c *CPU) sleepUntilWakeOrLimit(ticks uint64) {
	if c.advanceImmediately {
		return
	}
	mips := c.performanceInMips
	if mips <= 0 {
		mips = 1
	}
	d := time.Duration(ticks) * time.Microsecond / time.Duration(mips)
	select {
	case <-c.wakeChan():
	case <-time.After(d):
	}
}

// adjustBlockSize implements §4.4 step 4a: forces single-instruction
// blocks for SingleStep, restoring the prior block size on return to
// Continuous. Bypasses CPU.SetMaximumBlockSize to avoid recursing
// through any future pause-wrapped property setter.
func (c *CPU) adjustBlockSize() {
	switch c.ExecutionMode() {
	case SingleStep:
		if !c.savedMaxBlockSizeSet {
			c.savedMaxBlockSize = c.translator.GetMaxBlockSize()
			c.savedMaxBlockSizeSet = true
			c.translator.SetMaxBlockSize(1)
		}
	case Continuous:
		if c.savedMaxBlockSizeSet {
			c.translator.SetMaxBlockSize(c.savedMaxBlockSize)
			c.savedMaxBlockSizeSet = false
		}
	}
}

// handleStepping is called at loop top and again from onBlockBegin
// (§4.4, "Hooks vs. stepping subtlety"). It is a no-op unless the mode
// is SingleStep and skipNextStepping is false, in which case it fires
// Halted(Step), blocks on the step semaphore, and signals step-done.
func (c *CPU) handleStepping() {
	if c.ExecutionMode() != SingleStep || c.skipNextStepping {
		return
	}
	c.fireHalted(HaltStep, c.PC(), 0)
	_ = c.stepSem.Acquire(context.Background(), 1)
	c.stepDoneMu.Lock()
	c.stepDoneWG.Done()
	c.stepDoneMu.Unlock()
}

// onBlockBegin is the exported on_block_begin callback (§4.4).
func (c *CPU) onBlockBegin(pc uint32) {
	c.handleStepping()
	c.skipNextStepping = false
	c.hooks.FireBlockBegin(pc)
}

// onAbort is the exported report_abort callback. It only records the
// abort; the loop observes it once the in-flight Execute call returns
// and performs the actual pause/Halted(Abort) sequence, since native
// code may still be unwinding its own stack when this runs.
func (c *CPU) onAbort(msg string) {
	defaultLogger.Error("guest abort reported", "message", msg)
	c.abortedFlag.Store(true)
}

// Pause implements the external Pause protocol (§4.4). It is a no-op
// if already paused. A call arriving on the CPU thread itself (e.g.
// from a block-begin hook or a bus callback reacting to guest state)
// is dispatched to the self-pause path automatically, since the CPU
// thread can never join itself.
func (c *CPU) Pause() {
	if c.onCPUThread.Load() {
		c.pauseFromCPUThread()
		return
	}
	c.pause(false)
}

// pauseFromCPUThread is the self-pause path Pause dispatches to when it
// is called on the CPU thread. It skips the join-the-thread branch,
// since the CPU thread cannot join itself, and instead orders the pause
// guard to validate re-entrancy.
func (c *CPU) pauseFromCPUThread() { c.pause(true) }

func (c *CPU) pause(fromCPUThread bool) {
	if c.threadSentinelEnabled && fromCPUThread != c.onCPUThread.Load() {
		invariantViolation("CPU: pause dispatched on the wrong thread path")
	}
	if c.pauseEvent.Load() {
		return
	}
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if c.pauseEvent.Load() {
		return
	}

	c.pauseEvent.Store(true)
	c.translator.SetPaused()
	c.signalWake()

	if !fromCPUThread {
		c.stepDoneMu.Lock()
		c.stepDoneWG = sync.WaitGroup{}
		c.stepDoneWG.Add(1)
		c.stepDoneMu.Unlock()
		c.stepSem.Release(1)

		if c.thread != nil {
			<-c.thread
			c.thread = nil
			c.threadWG.Wait()
		}
		c.translator.ClearPaused()
		c.stepSem.TryAcquire(1)
	} else {
		c.guard.OrderPause()
	}

	c.fireHalted(HaltPause, c.PC(), 0)
}

// Resume implements the external Resume protocol (§4.4): a no-op
// unless currently paused, otherwise spawns a fresh CPU thread.
func (c *CPU) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if !c.pauseEvent.Load() {
		return
	}

	done := make(chan struct{})
	c.thread = done
	c.pauseEvent.Store(false)
	c.threadWG.Add(1)
	go func() {
		defer c.threadWG.Done()
		c.run(done)
	}()
	c.translator.ClearPaused()
}

// Step implements the external Step protocol (§4.4): requires
// SingleStep mode, releases the step semaphore count times, and waits
// for every released step to signal step-done.
func (c *CPU) Step(count int) error {
	if c.ExecutionMode() != SingleStep {
		return configErrorf("CPU.Step", "Step requires ExecutionMode == SingleStep")
	}
	if count <= 0 {
		count = 1
	}

	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	c.stepDoneMu.Lock()
	c.stepDoneWG = sync.WaitGroup{}
	c.stepDoneWG.Add(count)
	c.stepDoneMu.Unlock()

	c.stepSem.Release(int64(count))
	c.stepDoneWG.Wait()
	return nil
}

// innerPause aborts execution for Dispose (§4.9): an external Pause
// (which fires HaltPause if it actually pauses), followed by HaltAbort.
func (c *CPU) innerPause(reason HaltReason) {
	c.pause(false)
	if reason == HaltAbort {
		c.fireHalted(HaltAbort, c.PC(), 0)
	}
}
