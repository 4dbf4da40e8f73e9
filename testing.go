package vbd

import (
	"sync"
	"unsafe"

	"github.com/vmballoon/vbd/internal/iface"
)

// FakeGuestMemory is an in-process guest memory stub for tests: a
// flat byte arena exposed as a single region starting at guest
// address zero. Good enough to exercise descriptor-chain parsing
// without mmap or a real VMM.
type FakeGuestMemory struct {
	arena []byte
}

// NewFakeGuestMemory allocates an arena of size bytes, addressable
// starting at guest address 0.
func NewFakeGuestMemory(size int) *FakeGuestMemory {
	return &FakeGuestMemory{arena: make([]byte, size)}
}

// FindRegion implements iface.GuestMemory.
func (f *FakeGuestMemory) FindRegion(addr, length uint64) (iface.Region, error) {
	return iface.Region{
		GuestBase: 0,
		Size:      uint64(len(f.arena)),
		HostAddr:  uintptr(unsafe.Pointer(&f.arena[0])),
	}, nil
}

// Write places data at guest address addr in the arena, for test setup.
func (f *FakeGuestMemory) Write(addr uint64, data []byte) {
	copy(f.arena[addr:], data)
}

// Read returns a copy of length bytes starting at guest address addr.
func (f *FakeGuestMemory) Read(addr uint64, length int) []byte {
	out := make([]byte, length)
	copy(out, f.arena[addr:])
	return out
}

// fakeChain is a hand-built descriptor chain for FakeVirtqueue.
type fakeChain struct {
	descs []iface.Descriptor
}

func (c *fakeChain) Head() (iface.Descriptor, bool) {
	if len(c.descs) == 0 {
		return iface.Descriptor{}, false
	}
	return c.descs[0], true
}

func (c *fakeChain) All() []iface.Descriptor { return c.descs }

func (c *fakeChain) TotalReadableLen() uint32 {
	var total uint32
	for _, d := range c.descs {
		if !d.WriteOnly {
			total += d.Len
		}
	}
	return total
}

// NewFakeChain builds a Chain from descriptors for direct handler tests.
func NewFakeChain(descs ...iface.Descriptor) iface.Chain {
	return &fakeChain{descs: descs}
}

// FakeVirtqueue is an in-memory Virtqueue: chains are queued by the
// test with Push and popped in FIFO order; MarkUsed just records the
// reported lengths for assertions.
type FakeVirtqueue struct {
	mu        sync.Mutex
	index     int
	eventFD   int
	pending   []iface.Chain
	usedLens  []uint32
	popErr    error
	markErr   error
}

// NewFakeVirtqueue returns an empty queue at the given vector index.
// eventFD may be 0 for tests that never register with a real event loop.
func NewFakeVirtqueue(index, eventFD int) *FakeVirtqueue {
	return &FakeVirtqueue{index: index, eventFD: eventFD}
}

func (q *FakeVirtqueue) Index() int   { return q.index }
func (q *FakeVirtqueue) EventFD() int { return q.eventFD }

// Push enqueues a chain to be returned by a future Pop.
func (q *FakeVirtqueue) Push(c iface.Chain) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, c)
}

// SetPopErr makes every subsequent Pop fail with err.
func (q *FakeVirtqueue) SetPopErr(err error) { q.popErr = err }

// SetMarkUsedErr makes every subsequent MarkUsed fail with err.
func (q *FakeVirtqueue) SetMarkUsedErr(err error) { q.markErr = err }

// Pop implements iface.Virtqueue.
func (q *FakeVirtqueue) Pop() (iface.Chain, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popErr != nil {
		return nil, false, q.popErr
	}
	if len(q.pending) == 0 {
		return nil, false, nil
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true, nil
}

// MarkUsed implements iface.Virtqueue.
func (q *FakeVirtqueue) MarkUsed(length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return q.markErr
	}
	q.usedLens = append(q.usedLens, length)
	return nil
}

// UsedLens returns the lengths recorded by every MarkUsed call so far.
func (q *FakeVirtqueue) UsedLens() []uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]uint32, len(q.usedLens))
	copy(out, q.usedLens)
	return out
}

// FakeInterruptInjector records every interrupt raised, for assertions
// on invariant 2/3 (exactly one interrupt per non-stats drain, none
// inside a stats drain).
type FakeInterruptInjector struct {
	mu            sync.Mutex
	queueSignals  []int
	configSignals int
	signalErr     error
}

// NewFakeInterruptInjector returns an injector with no recorded signals.
func NewFakeInterruptInjector() *FakeInterruptInjector {
	return &FakeInterruptInjector{}
}

// SetSignalErr makes every subsequent Signal* call fail with err.
func (f *FakeInterruptInjector) SetSignalErr(err error) { f.signalErr = err }

// SignalQueue implements iface.InterruptInjector.
func (f *FakeInterruptInjector) SignalQueue(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.queueSignals = append(f.queueSignals, index)
	return nil
}

// SignalConfigChange implements iface.InterruptInjector.
func (f *FakeInterruptInjector) SignalConfigChange() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.configSignals++
	return nil
}

// QueueSignals returns the queue indices signaled so far, in order.
func (f *FakeInterruptInjector) QueueSignals() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.queueSignals))
	copy(out, f.queueSignals)
	return out
}

// ConfigSignals returns how many configuration-change interrupts were raised.
func (f *FakeInterruptInjector) ConfigSignals() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configSignals
}
