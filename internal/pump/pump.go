// Package pump implements the event pump and stats-timer driver: the
// single worker goroutine that owns the event-loop helper and
// dispatches readiness into the queue handlers.
package pump

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/eventloop"
	"github.com/vmballoon/vbd/internal/iface"
	"github.com/vmballoon/vbd/internal/queue"
)

// Private event-loop tags, one per spec.md §4.3 fd source, plus the
// pump's own pause-control and exit fds. Numbering starts at 1.
const (
	tagInflate uint64 = 1 + iota
	tagDeflate
	tagStats
	tagStatsTimer
	tagReporting
	tagHeteroInflate
	tagHeteroDeflate
	tagPauseCtl
	tagExit
)

type binding struct {
	fd      int
	handler *queue.Handler
}

// Pump owns the event loop and every queue handler for one device
// instance, and runs entirely on a single worker goroutine.
type Pump struct {
	loop eventloop.Pump

	bindings map[uint64]*binding

	statsInterval time.Duration
	statsTimerFD  int
	latch         *queue.Latch

	interrupt iface.InterruptInjector
	logger    iface.Logger

	pauseCtlFD int
	arrive     chan struct{}
	depart     chan struct{}
	paused     bool // worker-owned; only read/written on the worker goroutine

	exitFD int
}

// New creates a pump bound to loop, ready for handler registration.
func New(loop eventloop.Pump, interrupt iface.InterruptInjector, logger iface.Logger, statsInterval time.Duration, latch *queue.Latch) (*Pump, error) {
	statsTimerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("pump: create stats timerfd: %w", err)
	}

	pauseCtlFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(statsTimerFD)
		return nil, fmt.Errorf("pump: create pause control eventfd: %w", err)
	}

	exitFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(statsTimerFD)
		unix.Close(pauseCtlFD)
		return nil, fmt.Errorf("pump: create exit eventfd: %w", err)
	}

	p := &Pump{
		loop:          loop,
		bindings:      make(map[uint64]*binding),
		statsInterval: statsInterval,
		statsTimerFD:  statsTimerFD,
		latch:         latch,
		interrupt:     interrupt,
		logger:        logger,
		pauseCtlFD:    pauseCtlFD,
		arrive:        make(chan struct{}),
		depart:        make(chan struct{}),
		exitFD:        exitFD,
	}

	if err := p.loop.Register(pauseCtlFD, tagPauseCtl); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.loop.Register(statsTimerFD, tagStatsTimer); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.loop.Register(exitFD, tagExit); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

var roleTags = map[queue.Role]uint64{
	queue.Inflate:       tagInflate,
	queue.Deflate:       tagDeflate,
	queue.Stats:         tagStats,
	queue.Reporting:     tagReporting,
	queue.HeteroInflate: tagHeteroInflate,
	queue.HeteroDeflate: tagHeteroDeflate,
}

// RegisterQueue arms h's queue fd with the event loop.
func (p *Pump) RegisterQueue(h *queue.Handler) error {
	tag, ok := roleTags[h.Role]
	if !ok {
		return errs.New("pump.RegisterQueue", errs.KindInvalidQueueIndex, "unknown role")
	}
	fd := h.Queue.EventFD()
	p.bindings[tag] = &binding{fd: fd, handler: h}
	if h.Role == queue.Stats {
		h.ArmStatsTimer = p.armStatsTimer
	}
	return p.loop.Register(fd, tag)
}

// armStatsTimer re-arms the one-shot monotonic stats refresh timer.
func (p *Pump) armStatsTimer() {
	spec := &unix.ItimerSpec{
		Value: unix.NsecToTimespec(p.statsInterval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(p.statsTimerFD, 0, spec, nil); err != nil && p.logger != nil {
		p.logger.Printf("failed to arm stats refresh timer: %v", err)
	}
}

// consume clears a readable fd's level: one 8-byte counter read for an
// eventfd, or the expiration count for a timerfd. Both share the same
// 8-byte read shape.
func consume(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// Stop wakes the worker out of the event pump for good; it does not
// block for the worker to actually exit (the caller joins the worker
// goroutine itself, as it does after Run returns).
func (p *Pump) Stop() error {
	return bump(p.exitFD)
}

// Run is the worker's main loop. One goroutine blocks in the event
// pump and dispatches into queue handlers; a second watches ctx and
// translates cancellation into a Stop() call, since a blocked
// epoll_wait/io_uring wait does not observe context cancellation on
// its own. Run returns when the worker goroutine exits, whether
// because of Stop, ctx cancellation, or a fatal dispatch error.
func (p *Pump) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return p.loopOnce()
	})
	g.Go(func() error {
		<-gctx.Done()
		return p.Stop()
	})
	return g.Wait()
}

func (p *Pump) loopOnce() error {
	for {
		tag, err := p.loop.Wait()
		if err != nil {
			if err == eventloop.ErrClosed {
				return nil
			}
			return fmt.Errorf("pump: wait: %w", err)
		}

		if tag == tagExit {
			_ = consume(p.exitFD)
			return nil
		}

		if tag == tagPauseCtl {
			if err := consume(p.pauseCtlFD); err != nil {
				return fmt.Errorf("pump: consume pause ctl: %w", err)
			}
			if err := p.handlePauseSignal(); err != nil {
				return err
			}
			continue
		}

		if tag == tagStatsTimer {
			if err := consume(p.statsTimerFD); err != nil {
				return fmt.Errorf("pump: consume stats timer: %w", err)
			}
			if err := p.fireStatsTimer(); err != nil {
				return err
			}
			continue
		}

		b, ok := p.bindings[tag]
		if !ok {
			return errs.New("pump.loopOnce", errs.KindInvalidQueueIndex, "readiness for unregistered tag")
		}
		if err := consume(b.fd); err != nil {
			return fmt.Errorf("pump: consume queue fd: %w", err)
		}
		if _, err := b.handler.Drain(); err != nil {
			if p.logger != nil {
				p.logger.Printf("queue %s drain error: %v", b.handler.Role, err)
			}
			if errs.IsKind(err, errs.KindInvalidQueueIndex) || errs.IsKind(err, errs.KindMemoryStatistic) {
				return err
			}
			// Non-fatal: log and keep servicing other fds.
			continue
		}
	}
}

// fireStatsTimer implements spec.md §4.5: the timer prompts the next
// guest submission by signaling the queue interrupt on the latched
// stats queue index.
func (p *Pump) fireStatsTimer() error {
	idx, ok := p.latch.Get()
	if !ok {
		return errs.New("pump.fireStatsTimer", errs.KindMemoryStatistic, "stats timer fired before any stats chain was latched")
	}
	if err := p.interrupt.SignalQueue(idx); err != nil {
		return errs.NewQueue("pump.fireStatsTimer", idx, errs.KindFailedSignal, err.Error())
	}
	return nil
}

// Pause requests the worker stop polling at its next loop iteration
// and blocks until it has done so.
func (p *Pump) Pause() error {
	if err := bump(p.pauseCtlFD); err != nil {
		return err
	}
	<-p.arrive
	return nil
}

// Resume clears the pause flag and releases the worker.
func (p *Pump) Resume() {
	p.depart <- struct{}{}
}

// handlePauseSignal runs on the worker goroutine when the pause
// control fd fires; it performs the two-party barrier handshake.
func (p *Pump) handlePauseSignal() error {
	p.paused = true
	p.arrive <- struct{}{}
	<-p.depart
	p.paused = false
	return nil
}

func bump(fd int) error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(fd, one[:])
	return err
}

// Close tears down the pump's private fds. The caller is responsible
// for closing the underlying event loop.
func (p *Pump) Close() error {
	unix.Close(p.statsTimerFD)
	unix.Close(p.pauseCtlFD)
	unix.Close(p.exitFD)
	return nil
}
