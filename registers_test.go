package harness

import "testing"

func TestRegisterBankGetSet(t *testing.T) {
	var r0 uint64
	bank := NewRegisterBank([]RegisterDescriptor{
		{Name: "r0", BitWidth: 32, Group: "general", Get: func() uint64 { return r0 }, Set: func(v uint64) { r0 = v }},
	})

	if !bank.Set("r0", 42) {
		t.Fatal("Set(\"r0\", 42) returned false")
	}
	v, ok := bank.Get("r0")
	if !ok || v != 42 {
		t.Fatalf("Get(\"r0\") = %d, %v, want 42, true", v, ok)
	}
}

func TestRegisterBankUnknownRegister(t *testing.T) {
	bank := NewRegisterBank(nil)
	if _, ok := bank.Get("pc"); ok {
		t.Fatal("Get on an empty bank should report ok=false")
	}
	if bank.Set("pc", 0) {
		t.Fatal("Set on an empty bank should return false")
	}
}

func TestRegisterBankReadOnlyRejectsSet(t *testing.T) {
	bank := NewRegisterBank([]RegisterDescriptor{
		{Name: "status", BitWidth: 8, Group: "flags", Get: func() uint64 { return 7 }},
	})
	if bank.Set("status", 1) {
		t.Fatal("Set should return false for a register with no Set accessor")
	}
}

func TestRegisterBankAllSnapshotsEveryRegister(t *testing.T) {
	bank := NewRegisterBank([]RegisterDescriptor{
		{Name: "r0", BitWidth: 32, Group: "general", Get: func() uint64 { return 1 }},
		{Name: "r1", BitWidth: 32, Group: "general", Get: func() uint64 { return 2 }},
	})
	all := bank.All()
	if len(all) != 2 || all[0].Value != 1 || all[1].Value != 2 {
		t.Fatalf("All() = %+v", all)
	}
}
