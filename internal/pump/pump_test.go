package pump

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd/internal/eventloop"
	"github.com/vmballoon/vbd/internal/iface"
	"github.com/vmballoon/vbd/internal/queue"
)

// fakeInterrupt records every signal raised, for assertions on the
// exactly-one-interrupt-per-drain invariant.
type fakeInterrupt struct {
	mu      sync.Mutex
	queues  []int
	configs int
}

func (f *fakeInterrupt) SignalQueue(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, index)
	return nil
}

func (f *fakeInterrupt) SignalConfigChange() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs++
	return nil
}

func (f *fakeInterrupt) signals() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.queues))
	copy(out, f.queues)
	return out
}

// fakeChain is a single-descriptor readable chain.
type fakeChain struct{ desc iface.Descriptor }

func (c fakeChain) Head() (iface.Descriptor, bool) { return c.desc, true }
func (c fakeChain) All() []iface.Descriptor        { return []iface.Descriptor{c.desc} }
func (c fakeChain) TotalReadableLen() uint32        { return c.desc.Len }


type fakeQueue struct {
	mu      sync.Mutex
	index   int
	eventFD int
	pending []iface.Chain
}

func (q *fakeQueue) Index() int   { return q.index }
func (q *fakeQueue) EventFD() int { return q.eventFD }

func (q *fakeQueue) Pop() (iface.Chain, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false, nil
	}
	c := q.pending[0]
	q.pending = q.pending[1:]
	return c, true, nil
}

func (q *fakeQueue) MarkUsed(length uint32) error { return nil }

func (q *fakeQueue) push(c iface.Chain) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, c)
}

// fakeGM backs FindRegion with a real anonymous mapping so the
// handler's madvise calls operate on genuine host memory instead of a
// zero-length or nil buffer.
type fakeGM struct{ arena []byte }

func newFakeGM(size int) *fakeGM {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err)
	}
	return &fakeGM{arena: buf}
}

func (g *fakeGM) FindRegion(addr, length uint64) (iface.Region, error) {
	return iface.Region{
		GuestBase: 0,
		Size:      uint64(len(g.arena)),
		HostAddr:  uintptr(unsafe.Pointer(&g.arena[0])),
	}, nil
}

func newEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func bump(t *testing.T, fd int) {
	t.Helper()
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(fd, one[:])
	require.NoError(t, err)
}

func TestPumpDrainsQueueAndSignalsInterrupt(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	interrupt := &fakeInterrupt{}
	p, err := New(loop, interrupt, nil, time.Second, queue.NewLatch())
	require.NoError(t, err)
	defer p.Close()

	fd := newEventfd(t)
	q := &fakeQueue{index: 3, eventFD: fd}
	h := &queue.Handler{Role: queue.Reporting, Queue: q, GM: newFakeGM(4096), Interrupt: interrupt}
	require.NoError(t, p.RegisterQueue(h))

	q.push(fakeChain{desc: iface.Descriptor{Addr: 0, Len: 4096}})
	bump(t, fd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(interrupt.signals()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{3}, interrupt.signals())

	cancel()
	require.NoError(t, <-done)
}

func TestPumpStopEndsRun(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	p, err := New(loop, &fakeInterrupt{}, nil, time.Second, queue.NewLatch())
	require.NoError(t, err)
	defer p.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.NoError(t, p.Stop())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestPumpPauseResumeHandshake(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	p, err := New(loop, &fakeInterrupt{}, nil, time.Second, queue.NewLatch())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	pauseDone := make(chan error, 1)
	go func() { pauseDone <- p.Pause() }()

	select {
	case err := <-pauseDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pause did not return")
	}

	p.Resume()

	cancel()
	require.NoError(t, <-done)
}

func TestPumpStatsTimerFiresInterruptOnLatchedQueue(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	interrupt := &fakeInterrupt{}
	latch := queue.NewLatch()
	p, err := New(loop, interrupt, nil, 20*time.Millisecond, latch)
	require.NoError(t, err)
	defer p.Close()

	fd := newEventfd(t)
	q := &fakeQueue{index: 2, eventFD: fd}
	h := &queue.Handler{Role: queue.Stats, Queue: q, GM: &fakeGM{arena: make([]byte, 1)}, StatsLatch: latch}
	require.NoError(t, p.RegisterQueue(h))

	q.push(fakeChain{desc: iface.Descriptor{Addr: 0, Len: 0}})
	bump(t, fd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(interrupt.signals()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []int{2}, interrupt.signals(), "stats queue index, arrived via the re-armed timer")

	cancel()
	require.NoError(t, <-done)
}
