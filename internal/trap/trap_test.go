package trap

import "testing"

type fakePIC struct {
	master, slave int
}

func (p *fakePIC) EOIMaster() { p.master++ }
func (p *fakePIC) EOISlave()  { p.slave++ }

func TestEOIOrderingMasterOnly(t *testing.T) {
	pic := &fakePIC{}
	d := New(pic, func(int, *CPUState) {})
	d.Register(33, func(*CPUState) {})
	d.Dispatch(&CPUState{Vector: 33})
	if pic.master != 1 || pic.slave != 0 {
		t.Fatalf("master=%d slave=%d, want 1,0", pic.master, pic.slave)
	}
}

func TestEOIOrderingSlaveAndMaster(t *testing.T) {
	pic := &fakePIC{}
	d := New(pic, func(int, *CPUState) {})
	d.Register(42, func(*CPUState) {})
	d.Dispatch(&CPUState{Vector: 42})
	if pic.master != 1 || pic.slave != 1 {
		t.Fatalf("master=%d slave=%d, want 1,1", pic.master, pic.slave)
	}
}

func TestReentrantInterruptDropped(t *testing.T) {
	pic := &fakePIC{}
	calls := 0
	d := New(pic, func(int, *CPUState) {})
	d.Register(33, func(*CPUState) {
		calls++
		// simulate a nested interrupt arriving while this handler runs
		d.Dispatch(&CPUState{Vector: 33})
	})
	d.Dispatch(&CPUState{Vector: 33})
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1 (nested interrupt should be dropped)", calls)
	}
}

func TestFaultVectorsRouteToFaultHandler(t *testing.T) {
	pic := &fakePIC{}
	var got int
	faultFn := func(v int, s *CPUState) { got = v }
	d := New(pic, faultFn)
	d.Dispatch(&CPUState{Vector: 13})
	if got != 13 {
		t.Fatalf("fault handler saw vector %d, want 13", got)
	}
}

func TestPageFaultDoesNotRouteToFaultHandler(t *testing.T) {
	pic := &fakePIC{}
	faultCalled := false
	d := New(pic, func(int, *CPUState) { faultCalled = true })
	pfCalled := false
	d.Register(14, func(*CPUState) { pfCalled = true })
	d.Dispatch(&CPUState{Vector: 14})
	if faultCalled {
		t.Fatalf("vector 14 must not route through the generic fault handler")
	}
	if !pfCalled {
		t.Fatalf("vector 14's registered page-fault handler did not run")
	}
}
