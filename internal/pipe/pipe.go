// Package pipe implements the in-kernel fixed-capacity byte FIFO with
// blocking read (spec.md §4.10).
//
// Grounded directly on circbuf.Circbuf_t (biscuit's src/circbuf/circbuf.go):
// the same head/tail byte-buffer bookkeeping (Full/Empty/Left/Used,
// Copyin/Copyout), generalized from circbuf's lazily-allocated
// single-page buffer to the pipe's fixed 20 KiB buffer and specialized to
// the pipe's two-descriptor (reader/writer) ownership model instead of
// circbuf's single-daemon use.
package pipe

import (
	"sync"

	"nucleus/internal/defs"
)

// Capacity is the pipe's fixed buffer size (spec.md §4.10: "e.g. 20 KiB").
const Capacity = 20 * 1024

// Pipe is an in-memory FIFO shared by exactly one reader and one writer
// descriptor (spec.md §3: "vfs_file_t... callbacks").
type Pipe struct {
	mu           sync.Mutex
	cond         *sync.Cond
	buf          [Capacity]byte
	head, tail   int // head writes, tail reads; data_size = head-tail
	readerClosed bool
	writerClosed bool
	readWaiters  []func()
}

// New creates an empty pipe.
func New() *Pipe {
	p := &Pipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pipe) dataSize() int { return p.head - p.tail }

// AddReadWaiter registers w to run exactly once, the next time data arrives
// or the writer closes. This is the edge-triggered counterpart to Read's
// cond.Wait(): a scheduler-driven caller (internal/syscall's sysRead) that
// cannot afford to block its dispatch goroutine calls TryRead, and on a
// WouldBlock result registers a waiter that calls Scheduler.Wake, then
// parks the task with Scheduler.Block instead (spec.md §4.7: "a blocked
// task is unblocked by state transitions, e.g. pipe write makes a
// pipe-read-blocked reader READY").
func (p *Pipe) AddReadWaiter(w func()) {
	p.mu.Lock()
	p.readWaiters = append(p.readWaiters, w)
	p.mu.Unlock()
}

func (p *Pipe) wakeReadWaiters() {
	p.mu.Lock()
	ws := p.readWaiters
	p.readWaiters = nil
	p.mu.Unlock()
	for _, w := range ws {
		w()
	}
}

// CloseReader marks the reader descriptor closed, grounded on spec.md
// §4.10's "writer fd is closed" symmetrical check on the other end.
func (p *Pipe) CloseReader() {
	p.mu.Lock()
	p.readerClosed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// CloseWriter marks the writer descriptor closed and wakes any blocked
// reader so it can observe end-of-stream.
func (p *Pipe) CloseWriter() {
	p.mu.Lock()
	p.writerClosed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wakeReadWaiters()
}

// Write appends size bytes, refusing with FileTooBig if the pipe's current
// contents plus size would exceed Capacity. The writer never blocks on a
// full pipe (spec.md §4.10's stated, intentionally-unresolved current
// behavior — see DESIGN.md's Open Question decision).
func (p *Pipe) Write(data []byte) (int, defs.Err_t) {
	p.mu.Lock()

	if p.readerClosed {
		p.mu.Unlock()
		return 0, defs.EPIPE
	}
	if p.dataSize()+len(data) > Capacity {
		p.mu.Unlock()
		return 0, defs.EFBIG
	}

	hi := p.head % Capacity
	n := copy(p.buf[hi:], data)
	if n < len(data) {
		n += copy(p.buf[:], data[n:])
	}
	p.head += len(data)
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wakeReadWaiters()
	return len(data), 0
}

// Read implements spec.md §4.10's blocking-read state machine: WouldBlock
// immediately if nonBlock and empty; BadFileDescriptor if empty and the
// writer is gone (no one can ever supply more data); otherwise block until
// data arrives, copy out min(len(buf), data_size), and advance the ring
// buffer's read position past the bytes copied.
func (p *Pipe) Read(buf []byte, nonBlock bool) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.dataSize() == 0 {
		if p.writerClosed {
			return 0, defs.EBADF
		}
		if nonBlock {
			return 0, defs.EAGAIN
		}
		// The hosted analogue of the kernel's hlt-spin suspension point
		// (spec.md §4.7's suspension point (a)): block until a writer or
		// close wakes us, rather than busy-spinning.
		p.cond.Wait()
	}

	n := len(buf)
	if n > p.dataSize() {
		n = p.dataSize()
	}
	ti := p.tail % Capacity
	copied := copy(buf[:n], p.buf[ti:])
	if copied < n {
		copy(buf[copied:n], p.buf[:n-copied])
	}
	p.tail += n
	return n, 0
}

// TryRead is Read's non-blocking half-step: it never calls cond.Wait(), and
// instead reports wouldBlock so a scheduler-driven caller can park the task
// with Scheduler.Block and register an AddReadWaiter hook rather than
// parking the goroutine actually running the dispatch loop (spec.md §4.7's
// suspension point (a), taken via the scheduler instead of via hlt/cond).
func (p *Pipe) TryRead(buf []byte) (n int, wouldBlock bool, err defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dataSize() == 0 {
		if p.writerClosed {
			return 0, false, defs.EBADF
		}
		return 0, true, 0
	}

	n = len(buf)
	if n > p.dataSize() {
		n = p.dataSize()
	}
	ti := p.tail % Capacity
	copied := copy(buf[:n], p.buf[ti:])
	if copied < n {
		copy(buf[copied:n], p.buf[:n-copied])
	}
	p.tail += n
	return n, false, 0
}
