package harness

import "testing"

func TestBreakpointConditionRegisterEqual(t *testing.T) {
	c := &BreakpointCondition{Source: CondSourceRegister, RegName: "r0", Op: CondEqual, Value: 5}
	eval := fakeEvaluator{regs: map[string]uint64{"r0": 5}}
	if !c.Evaluate(eval) {
		t.Fatal("expected condition to hold")
	}
	eval.regs["r0"] = 6
	if c.Evaluate(eval) {
		t.Fatal("expected condition to fail")
	}
}

func TestBreakpointConditionHitCountIncrements(t *testing.T) {
	c := &BreakpointCondition{Source: CondSourceHitCount, Op: CondEqual, Value: 3}
	eval := fakeEvaluator{}
	if c.Evaluate(eval) || c.Evaluate(eval) {
		t.Fatal("condition should not hold before the third hit")
	}
	if !c.Evaluate(eval) {
		t.Fatal("condition should hold on the third hit")
	}
}

func TestBreakpointConditionUnknownRegisterIsFalse(t *testing.T) {
	c := &BreakpointCondition{Source: CondSourceRegister, RegName: "nope", Op: CondEqual, Value: 0}
	if c.Evaluate(fakeEvaluator{regs: map[string]uint64{}}) {
		t.Fatal("condition on an unknown register must never hold")
	}
}

func TestScriptEngineEvaluatesPredicate(t *testing.T) {
	s := NewScriptEngine()
	defer s.Close()

	pred := &ScriptedPredicate{Source: "reg(\"r0\") == 5 and pc == 0x40"}
	eval := fakeEvaluator{regs: map[string]uint64{"r0": 5}}

	if !s.Evaluate(pred, 0x40, eval) {
		t.Fatal("expected predicate to evaluate true")
	}
	if s.Evaluate(pred, 0x44, eval) {
		t.Fatal("expected predicate to evaluate false at a different pc")
	}
}

func TestScriptEngineMemPredicate(t *testing.T) {
	s := NewScriptEngine()
	defer s.Close()

	pred := &ScriptedPredicate{Source: "mem(0x1000, 4) == 0xdeadbeef"}
	eval := fakeEvaluator{mem: map[uint32]uint64{0x1000: 0xdeadbeef}}

	if !s.Evaluate(pred, 0, eval) {
		t.Fatal("expected mem() predicate to evaluate true")
	}
}

func TestScriptEngineMalformedScriptIsFalse(t *testing.T) {
	s := NewScriptEngine()
	defer s.Close()

	pred := &ScriptedPredicate{Source: "(("}
	if s.Evaluate(pred, 0, fakeEvaluator{}) {
		t.Fatal("a malformed script must evaluate to false, never panic or halt spuriously")
	}
}
