package diag

import (
	"testing"

	"nucleus/internal/trap"
)

func TestDisassembleValidInstruction(t *testing.T) {
	// 0x90 = NOP in 32-bit mode.
	got := Disassemble([]byte{0x90}, true)
	if got == "<undecodable>" {
		t.Fatalf("expected NOP to decode")
	}
}

func TestDisassembleGarbageIsUndecodable(t *testing.T) {
	got := Disassemble(nil, true)
	if got != "<undecodable>" {
		t.Fatalf("expected <undecodable> for empty input, got %q", got)
	}
}

func TestPanicNeverReturns(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Panic did not panic")
		}
	}()
	Panic("general-protection", 13, &trap.CPUState{EIP: 0x1000}, []byte{0x90})
}

func TestRecorderProfileGroupsByPid(t *testing.T) {
	r := NewRecorder(16)
	r.Record(1, 0x1000)
	r.Record(1, 0x1000)
	r.Record(2, 0x2000)
	p := r.Profile()
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 distinct (pid,pc) samples, got %d", len(p.Sample))
	}
	var total int64
	for _, s := range p.Sample {
		total += s.Value[0]
	}
	if total != 3 {
		t.Fatalf("expected 3 total samples recorded, got %d", total)
	}
}

func TestRecorderRingBufferWraps(t *testing.T) {
	r := NewRecorder(4)
	for i := 0; i < 10; i++ {
		r.Record(1, uint64(i))
	}
	got := r.snapshot()
	if len(got) != 4 {
		t.Fatalf("ring buffer should cap at 4 samples, got %d", len(got))
	}
}
