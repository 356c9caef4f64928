package harness

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ConditionOp is the comparison operator for a plain breakpoint
// condition, carried over from the teacher's debug_conditions.go.
type ConditionOp int

const (
	CondEqual ConditionOp = iota
	CondNotEqual
	CondLess
	CondGreater
	CondLessEqual
	CondGreaterEqual
)

// ConditionSource selects what a plain condition compares.
type ConditionSource int

const (
	CondSourceRegister ConditionSource = iota
	CondSourceMemory
	CondSourceHitCount
)

// BreakpointCondition is a cheap, non-scripted gate on a hook
// callback — the common case, kept alongside scripted predicates
// (§4.11) because spinning up a Lua call for every hit is needless
// overhead when a simple register/memory/hit-count comparison suffices.
type BreakpointCondition struct {
	Source  ConditionSource
	RegName string
	MemAddr uint32
	MemSize int
	Op      ConditionOp
	Value   uint64

	hitCount uint64
}

// ConditionEvaluator resolves the live values a BreakpointCondition or
// ScriptedPredicate needs: a register read and a bus read, supplied by
// the CPU so this package does not depend on a concrete register bank
// or bus implementation.
type ConditionEvaluator interface {
	ReadRegister(name string) (uint64, bool)
	ReadMemory(addr uint32, size int) uint64
	PC() uint32
}

// Evaluate reports whether the condition currently holds, advancing
// the hit counter as a side effect when Source is CondSourceHitCount.
func (c *BreakpointCondition) Evaluate(eval ConditionEvaluator) bool {
	var lhs uint64
	switch c.Source {
	case CondSourceRegister:
		v, ok := eval.ReadRegister(c.RegName)
		if !ok {
			return false
		}
		lhs = v
	case CondSourceMemory:
		lhs = eval.ReadMemory(c.MemAddr, c.MemSize)
	case CondSourceHitCount:
		c.hitCount++
		lhs = c.hitCount
	}

	switch c.Op {
	case CondEqual:
		return lhs == c.Value
	case CondNotEqual:
		return lhs != c.Value
	case CondLess:
		return lhs < c.Value
	case CondGreater:
		return lhs > c.Value
	case CondLessEqual:
		return lhs <= c.Value
	case CondGreaterEqual:
		return lhs >= c.Value
	default:
		return false
	}
}

// ScriptedPredicate wraps a Lua expression evaluated against pc,
// reg(name) and mem(addr, size) globals (§4.11). A truthy return fires
// the hook's callback(s); falsy lets execution continue silently.
type ScriptedPredicate struct {
	Source string
}

// ScriptEngine owns one *lua.LState per CPU; gopher-lua states are not
// safe for concurrent use, and only the CPU thread ever evaluates
// hook predicates (hooks fire from inside the execution loop), so a
// single state guarded by a mutex is sufficient rather than pooling.
type ScriptEngine struct {
	mu sync.Mutex
	l  *lua.LState
}

// NewScriptEngine returns a ready-to-use engine.
func NewScriptEngine() *ScriptEngine {
	return &ScriptEngine{l: lua.NewState()}
}

// Close releases the underlying Lua state.
func (s *ScriptEngine) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l.Close()
}

// Evaluate runs predicate.Source with pc/reg/mem bound to the given
// address and evaluator, returning the Lua truthiness of its single
// return value (only nil and false are false). A script error is
// treated as false — a misbehaving predicate must never turn into a
// spurious halt.
func (s *ScriptEngine) Evaluate(predicate *ScriptedPredicate, addr uint32, eval ConditionEvaluator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.l
	l.SetGlobal("pc", lua.LNumber(addr))
	l.SetGlobal("reg", l.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		v, ok := eval.ReadRegister(name)
		if !ok {
			L.Push(lua.LNumber(0))
			return 1
		}
		L.Push(lua.LNumber(v))
		return 1
	}))
	l.SetGlobal("mem", l.NewFunction(func(L *lua.LState) int {
		addr := uint32(L.CheckNumber(1))
		size := L.OptInt(2, 1)
		L.Push(lua.LNumber(eval.ReadMemory(addr, size)))
		return 1
	}))

	fn, err := l.LoadString("return (" + predicate.Source + ")")
	if err != nil {
		return false
	}
	l.Push(fn)
	if err := l.PCall(0, 1, nil); err != nil {
		return false
	}
	ret := l.Get(-1)
	l.Pop(1)
	return lua.LVAsBool(ret)
}
