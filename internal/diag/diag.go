// Package diag provides the kernel's diagnostic surface: the fatal-fault
// panic path required by spec.md §7, a pprof-format scheduler profile
// (Recorder.Profile), and a counter snapshot (Collect). defs reserves the
// D_PROF and D_STAT device ids for these, but no device in this module
// serves either.
//
// Grounded on the teacher's caller.Callerdump (biscuit's src/caller/caller.go,
// a call-stack printer) and stats/stats.go's counter shape
// (biscuit's src/stats/stats.go); the profiling surface is new (the teacher
// has no equivalent), built on the pprof dependency already present in the
// teacher's go.mod.
package diag

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"golang.org/x/arch/x86/x86asm"

	"nucleus/internal/trap"
)

// Disassemble decodes the single x86 instruction at the start of code and
// returns its mnemonic text, or "<undecodable>" if decoding fails. Used by
// Panic to print the faulting instruction alongside the register dump
// (spec.md §7: "prints the exception name, a register dump, and halts").
func Disassemble(code []byte, mode32 bool) string {
	bits := 16
	if mode32 {
		bits = 32
	}
	inst, err := x86asm.Decode(code, bits)
	if err != nil {
		return "<undecodable>"
	}
	return x86asm.GNUSyntax(inst, 0, nil)
}

// Panic prints the fatal-fault report and halts the kernel. It never
// returns; the hosted analogue of "halt" is a Go panic, consistent with
// every other invariant-violation panic in this module.
func Panic(reason string, vector int, state *trap.CPUState, faultCode []byte) {
	msg := fmt.Sprintf(
		"KERNEL PANIC: %s (vector %d: %s)\n"+
			"  eax=%#08x ebx=%#08x ecx=%#08x edx=%#08x\n"+
			"  esi=%#08x edi=%#08x ebp=%#08x esp=%#08x\n"+
			"  eip=%#08x eflags=%#08x cs=%#04x ds=%#04x\n"+
			"  faulting instruction: %s\n",
		reason, vector, trap.ExceptionName(vector),
		state.EAX, state.EBX, state.ECX, state.EDX,
		state.ESI, state.EDI, state.EBP, state.ESP,
		state.EIP, state.EFLAGS, state.CS, state.DS,
		Disassemble(faultCode, true),
	)
	panic(msg)
}

// Sample is one scheduler-tick profiling observation: which task and
// program counter were running when the timer fired.
type Sample struct {
	Pid   int
	PC    uint64
	Taken time.Time
}

// Recorder accumulates scheduler samples into a bounded ring buffer and
// exports them as a pprof profile.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	cap     int
	next    int
	full    bool
}

// NewRecorder creates a recorder holding up to capacity samples.
func NewRecorder(capacity int) *Recorder {
	return &Recorder{samples: make([]Sample, capacity), cap: capacity}
}

// Record appends a scheduler-tick sample, overwriting the oldest entry once
// the ring buffer is full.
func (r *Recorder) Record(pid int, pc uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = Sample{Pid: pid, PC: pc, Taken: time.Now()}
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

func (r *Recorder) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Sample, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]Sample, r.cap)
	copy(out, r.samples[r.next:])
	copy(out[r.cap-r.next:], r.samples[:r.next])
	return out
}

// Profile builds a pprof CPU-style profile from the recorded samples, one
// sample per (pid, PC) pair, counting how often that PC was seen. No fd
// serves the result; callers take the returned profile directly.
func (r *Recorder) Profile() *profile.Profile {
	samples := r.snapshot()

	byPid := map[int]map[uint64]int64{}
	for _, s := range samples {
		m, ok := byPid[s.Pid]
		if !ok {
			m = map[uint64]int64{}
			byPid[s.Pid] = m
		}
		m[s.PC]++
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "tick", Unit: "count"},
		Period:     1,
	}
	funcID := uint64(1)
	locID := uint64(1)
	for pid, pcs := range byPid {
		for pc, count := range pcs {
			fn := &profile.Function{ID: funcID, Name: fmt.Sprintf("pid%d@%#x", pid, pc)}
			loc := &profile.Location{
				ID:      locID,
				Address: pc,
				Line:    []profile.Line{{Function: fn}},
			}
			p.Function = append(p.Function, fn)
			p.Location = append(p.Location, loc)
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{count},
				Label:    map[string][]string{"pid": {fmt.Sprint(pid)}},
			})
			funcID++
			locID++
		}
	}
	return p
}

// Stats mirrors the D_STAT device's report shape, grounded on
// stats/stats.go's per-counter accumulation.
type Stats struct {
	FramesTotal, FramesFree int
	HeapHighWater           int
	TaskCount               int
}

// StatSource is implemented by anything diag.Stats can summarize.
type StatSource interface {
	FrameStats() (total, free int)
	HeapHighWater() int
	TaskCount() int
}

// Collect gathers a Stats snapshot from src.
func Collect(src StatSource) Stats {
	total, free := src.FrameStats()
	return Stats{
		FramesTotal:   total,
		FramesFree:    free,
		HeapHighWater: src.HeapHighWater(),
		TaskCount:     src.TaskCount(),
	}
}
