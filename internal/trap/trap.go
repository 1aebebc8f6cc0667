// Package trap implements the interrupt/trap entry machinery: a 256-gate
// IDT dispatch table, the common re-entrancy-guarded dispatcher, PIC EOI
// ordering, and fault-vector routing (spec.md §4.5).
//
// The teacher's kernel.chentry.go (biscuit's src/kernel/chentry.go) is a thin
// assembly-adjacent dispatch table; this package keeps that table-driven
// shape (Design Note: replace SYSCALL_HANDLER(name)-style macros with a
// {name -> fn} registry) generalized to the full 256-vector IDT spec.md
// describes, rather than chentry.go's narrower channel-entry slice.
package trap

import (
	"fmt"
	"sync"
)

const (
	nGates       = 256
	firstIRQ     = 32
	lastIRQ      = 47
	slaveIRQBase = 40
	syscallVec   = 0x80
)

// CPUState is the uniform register frame the assembly stub (out of scope
// per spec.md §1 — the stub is the boundary, this struct is its contract)
// pushes before calling the dispatcher.
type CPUState struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS        uint32
	CS, DS             uint32
	Vector             int
	ErrorCode          uint32
}

// Handler processes one interrupt vector.
type Handler func(*CPUState)

// PIC is the narrow external-collaborator contract for acknowledging
// interrupts (spec.md §1: PIC EOI is hardware, out of scope beyond this
// interface).
type PIC interface {
	EOIMaster()
	EOISlave()
}

// Dispatcher owns the per-vector handler table and the re-entrancy flag
// (spec.md §4.5).
type Dispatcher struct {
	mu        sync.Mutex
	handlers  [nGates]Handler
	reentered bool
	pic       PIC
	faultFn   func(vector int, state *CPUState)
}

// New creates a dispatcher. faultFn is called for exception vectors
// 0-13/15-31. Vector 14, page fault, goes only to a handler installed via
// Register; with none installed, Dispatch panics like any other vector
// without a handler.
func New(pic PIC, faultFn func(vector int, state *CPUState)) *Dispatcher {
	return &Dispatcher{pic: pic, faultFn: faultFn}
}

// Register installs handler for the given vector.
func (d *Dispatcher) Register(vector int, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[vector] = h
}

// Dispatch is the common entry point every assembly stub calls after
// pushing state. It implements spec.md §4.5's four steps: re-entrancy
// guard, EOI, handler invocation, guard release.
func (d *Dispatcher) Dispatch(state *CPUState) {
	d.mu.Lock()
	if d.reentered {
		d.mu.Unlock()
		return // drop nested interrupts, spec.md §4.5 step 1
	}
	d.reentered = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.reentered = false
		d.mu.Unlock()
	}()

	v := state.Vector
	if v >= slaveIRQBase && v <= lastIRQ {
		d.pic.EOISlave()
	}
	if v >= firstIRQ && v <= lastIRQ {
		d.pic.EOIMaster()
	}

	if v >= 0 && v <= 31 && v != 14 {
		d.faultFn(v, state)
		return
	}

	h := d.handlers[v]
	if h == nil {
		panic(fmt.Sprintf("trap: no handler registered for vector %d", v))
	}
	h(state)
}

// exceptionNames names the CPU exceptions fatal per spec.md §7.
var exceptionNames = map[int]string{
	0: "divide-by-zero", 1: "debug", 2: "NMI", 3: "breakpoint",
	4: "overflow", 5: "bound-range", 6: "invalid-opcode",
	7: "device-not-available", 8: "double-fault", 9: "coprocessor-overrun",
	10: "invalid-TSS", 11: "segment-not-present", 12: "stack-fault",
	13: "general-protection", 15: "reserved", 16: "x87-fp",
	17: "alignment-check", 18: "machine-check", 19: "simd-fp",
}

// ExceptionName returns the named exception for a vector, or "reserved" if
// unknown.
func ExceptionName(vector int) string {
	if n, ok := exceptionNames[vector]; ok {
		return n
	}
	return "reserved"
}

// SyscallVector is the conventional software-interrupt gate (spec.md §6).
const SyscallVector = syscallVec
