package harness

import "sync"

// HookCallback is invoked at a breakpointed address with that address.
type HookCallback func(addr uint32)

// breakpointTranslator is the subset of translator imports the hook
// table drives (§4.1, §4.6).
type breakpointTranslator interface {
	AddBreakpoint(addr uint32)
	RemoveBreakpoint(addr uint32)
}

// hookEntry is an address-keyed set of callbacks, each with an
// optional scripted predicate (§4.11) generalizing the teacher's fixed
// ConditionOp/ConditionSource enum in debug_conditions.go.
type hookEntry struct {
	callbacks map[int]hookRegistration
	nextID    int
}

type hookRegistration struct {
	cb        HookCallback
	condition *BreakpointCondition
	script    *ScriptedPredicate
}

// HookTable holds address-keyed breakpoint callback sets plus a
// single per-CPU block-begin hook (§4.6). A breakpoint exists in the
// translator iff its address's callback set is non-empty.
type HookTable struct {
	mu         sync.Mutex
	hooks      map[uint32]*hookEntry
	blockBegin HookCallback
	t          breakpointTranslator
}

// NewHookTable builds an empty table bound to a translator.
func NewHookTable(t breakpointTranslator) *HookTable {
	return &HookTable{hooks: make(map[uint32]*hookEntry), t: t}
}

// HookHandle identifies one registered callback for later removal.
type HookHandle struct {
	addr uint32
	id   int
}

// AddHook registers cb at addr (§4.6): the first registration at a new
// address calls add_breakpoint; later ones just extend the set.
func (h *HookTable) AddHook(addr uint32, cb HookCallback) HookHandle {
	return h.addConditional(addr, cb, nil, nil)
}

// AddConditionalHook registers cb at addr, gated by a plain
// (non-scripted) condition evaluated before cb fires.
func (h *HookTable) AddConditionalHook(addr uint32, cb HookCallback, cond *BreakpointCondition) HookHandle {
	return h.addConditional(addr, cb, cond, nil)
}

// AddScriptedHook registers cb at addr, gated by a Lua predicate
// (§4.11).
func (h *HookTable) AddScriptedHook(addr uint32, cb HookCallback, predicate *ScriptedPredicate) HookHandle {
	return h.addConditional(addr, cb, nil, predicate)
}

func (h *HookTable) addConditional(addr uint32, cb HookCallback, cond *BreakpointCondition, script *ScriptedPredicate) HookHandle {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.hooks[addr]
	if !ok {
		e = &hookEntry{callbacks: make(map[int]hookRegistration)}
		h.hooks[addr] = e
		h.t.AddBreakpoint(addr)
	}
	id := e.nextID
	e.nextID++
	e.callbacks[id] = hookRegistration{cb: cb, condition: cond, script: script}
	return HookHandle{addr: addr, id: id}
}

// RemoveHook removes one registration by handle; if the address's set
// becomes empty, remove_breakpoint is called.
func (h *HookTable) RemoveHook(handle HookHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.hooks[handle.addr]
	if !ok {
		return
	}
	delete(e.callbacks, handle.id)
	if len(e.callbacks) == 0 {
		delete(h.hooks, handle.addr)
		h.t.RemoveBreakpoint(handle.addr)
	}
}

// RemoveAllAt drops every registration at addr unconditionally.
func (h *HookTable) RemoveAllAt(addr uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hooks[addr]; !ok {
		return
	}
	delete(h.hooks, addr)
	h.t.RemoveBreakpoint(addr)
}

// HasHook reports whether addr currently has a non-empty callback set,
// i.e. whether the translator should have a breakpoint there (§8).
func (h *HookTable) HasHook(addr uint32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.hooks[addr]
	return ok && len(e.callbacks) > 0
}

// Fire runs every callback registered at addr whose condition (if any)
// evaluates true, using eval to resolve plain conditions and scripts
// to resolve scripted predicates. Called by the execution loop when
// the translator reports a breakpoint hit (§4.4 step e).
func (h *HookTable) Fire(addr uint32, eval ConditionEvaluator, scripts *ScriptEngine) {
	h.mu.Lock()
	var regs []hookRegistration
	if e, ok := h.hooks[addr]; ok {
		regs = make([]hookRegistration, 0, len(e.callbacks))
		for _, r := range e.callbacks {
			regs = append(regs, r)
		}
	}
	h.mu.Unlock()

	for _, r := range regs {
		if r.condition != nil && !r.condition.Evaluate(eval) {
			continue
		}
		if r.script != nil && scripts != nil && !scripts.Evaluate(r.script, addr, eval) {
			continue
		}
		r.cb(addr)
	}
}

// SetHookAtBlockBegin installs (or clears, with cb == nil) the per-CPU
// block-begin callback. Transitioning between nil and non-nil forces a
// translation-cache invalidation because the translator's
// is_block_begin_event_enabled export then changes value (§4.6); the
// caller (CPU) is responsible for actually invalidating, since that
// export is a query the translator polls, not a knob this table sets.
func (h *HookTable) SetHookAtBlockBegin(cb HookCallback) (changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	wasSet := h.blockBegin != nil
	isSet := cb != nil
	h.blockBegin = cb
	return wasSet != isSet
}

// HasBlockBeginHook reports whether a block-begin callback is
// currently installed. Backs the is_block_begin_event_enabled export
// query (§4.1).
func (h *HookTable) HasBlockBeginHook() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blockBegin != nil
}

// Addresses lists every address with a non-empty callback set, in no
// particular order. Used to re-add breakpoints to the translator after
// a snapshot restore re-runs init (§4.9).
func (h *HookTable) Addresses() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	addrs := make([]uint32, 0, len(h.hooks))
	for addr := range h.hooks {
		addrs = append(addrs, addr)
	}
	return addrs
}

// FireBlockBegin invokes the block-begin callback, if any.
func (h *HookTable) FireBlockBegin(addr uint32) {
	h.mu.Lock()
	cb := h.blockBegin
	h.mu.Unlock()
	if cb != nil {
		cb(addr)
	}
}
