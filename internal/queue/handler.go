// Package queue implements the per-queue descriptor-chain drainer:
// inflate/deflate/reporting/stats semantics, the memory-advice calls
// they trigger, used-ring posting, and guest interrupt signaling.
package queue

import (
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/iface"
	"github.com/vmballoon/vbd/internal/memadvice"
	"github.com/vmballoon/vbd/internal/stats"
)

// Role is a virtqueue's functional identity.
type Role int

const (
	Inflate Role = iota
	Deflate
	Stats
	Reporting
	HeteroInflate
	HeteroDeflate
)

func (r Role) String() string {
	switch r {
	case Inflate:
		return "inflate"
	case Deflate:
		return "deflate"
	case Stats:
		return "stats"
	case Reporting:
		return "reporting"
	case HeteroInflate:
		return "hetero_inflate"
	case HeteroDeflate:
		return "hetero_deflate"
	default:
		return "unknown"
	}
}

// pfnElemSize is the width of one page-frame number in an
// inflate/deflate descriptor; statRecordSize is the width of one
// packed {tag, val} stats record (unaligned, little-endian).
const (
	pfnElemSize    = 4
	statRecordSize = 10
)

// PageShift is the fixed 4 KiB guest page size this device assumes;
// see spec.md's page-size-negotiation non-goal.
const PageShift = 12

func alignPageDown(addr uint64) uint64 {
	const mask = (1 << PageShift) - 1
	return addr &^ mask
}

// Latch records which queue index carries the stats queue, set by the
// first stats chain ever seen so the timer handler can address it.
type Latch struct {
	index atomic.Int32
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	l := &Latch{}
	l.index.Store(-1)
	return l
}

// Set latches index, if not already latched.
func (l *Latch) Set(index int) {
	l.index.CompareAndSwap(-1, int32(index))
}

// Get returns the latched index, or ok=false if never latched.
func (l *Latch) Get() (int, bool) {
	v := l.index.Load()
	if v < 0 {
		return 0, false
	}
	return int(v), true
}

// Handler drains one queue role.
type Handler struct {
	Role       Role
	Queue      iface.Virtqueue
	GM         iface.GuestMemory
	StatsBank  *stats.Bank
	StatsLatch *Latch // only consulted/mutated for Role == Stats
	Interrupt  iface.InterruptInjector
	Observer   iface.Observer // may be nil
	Logger     iface.Logger   // may be nil

	// ArmStatsTimer is invoked in place of signaling the queue
	// interrupt when this handler's role is Stats and the drain
	// processed at least one chain.
	ArmStatsTimer func()
}

// Drain repeatedly pops the next available chain, processes it, and
// marks it used, until the available ring is empty or an error
// occurs. On a clean drain that processed at least one chain, it
// raises the queue interrupt (or, for Stats, arms the refresh timer).
// A mid-drain error aborts further draining for this call and is
// returned to the caller without raising the interrupt for the
// batch; chains already marked used stay used.
func (h *Handler) Drain() (processed int, err error) {
	for {
		chain, ok, popErr := h.Queue.Pop()
		if popErr != nil {
			return processed, errs.NewQueue("queue.Drain", h.Queue.Index(), errs.KindQueueIterator, popErr.Error())
		}
		if !ok {
			break
		}

		if procErr := h.processChain(chain); procErr != nil {
			return processed, procErr
		}

		usedLen := chain.TotalReadableLen()
		if err := h.Queue.MarkUsed(usedLen); err != nil {
			return processed, errs.NewQueue("queue.Drain", h.Queue.Index(), errs.KindQueueAddUsed, err.Error())
		}
		processed++
		if h.Observer != nil {
			h.Observer.ObserveChainProcessed(h.Role.String(), usedLen)
		}
	}

	if processed == 0 {
		return processed, nil
	}

	if h.Role == Stats {
		if h.ArmStatsTimer != nil {
			h.ArmStatsTimer()
		}
		return processed, nil
	}

	if err := h.Interrupt.SignalQueue(h.Queue.Index()); err != nil {
		return processed, errs.NewQueue("queue.Drain", h.Queue.Index(), errs.KindFailedSignal, err.Error())
	}
	if h.Observer != nil {
		h.Observer.ObserveQueueInterrupt(h.Role.String())
	}
	return processed, nil
}

// processChain validates and dispatches a single chain according to
// this handler's role.
func (h *Handler) processChain(chain iface.Chain) error {
	head, ok := chain.Head()
	if !ok {
		return errs.NewQueue("queue.processChain", h.Queue.Index(), errs.KindDescriptorChainTooShort, "empty chain")
	}
	if head.WriteOnly {
		return errs.NewQueue("queue.processChain", h.Queue.Index(), errs.KindUnexpectedWriteOnlyDescriptor, "head descriptor is write-only")
	}

	switch h.Role {
	case Inflate, HeteroInflate:
		return h.processPFNArray(head, memadvice.Release)
	case Deflate, HeteroDeflate:
		return h.processPFNArray(head, memadvice.Prime)
	case Stats:
		return h.processStats(head)
	case Reporting:
		return h.processReporting(chain)
	default:
		return errs.NewQueue("queue.processChain", h.Queue.Index(), errs.KindInvalidQueueIndex, "unknown queue role")
	}
}

type adviceFunc func(gm iface.GuestMemory, rangeBase, length uint64) error

func (h *Handler) processPFNArray(head iface.Descriptor, advise adviceFunc) error {
	if head.Len%pfnElemSize != 0 {
		return errs.NewQueue("queue.processPFNArray", h.Queue.Index(), errs.KindInvalidRequest, "descriptor length not a multiple of 4")
	}
	body, err := iface.ReadGuest(h.GM, head.Addr, uint64(head.Len))
	if err != nil {
		return errs.Wrap("queue.processPFNArray", errs.KindGuestMemory, err)
	}

	pageSize := uint64(1) << PageShift
	for off := 0; off+pfnElemSize <= len(body); off += pfnElemSize {
		pfn := binary.LittleEndian.Uint32(body[off:])
		rangeBase := alignPageDown(uint64(pfn) << PageShift)

		start := time.Now()
		adviseErr := advise(h.GM, rangeBase, pageSize)
		if h.Observer != nil {
			latency := uint64(time.Since(start).Nanoseconds())
			if h.Role == Inflate || h.Role == HeteroInflate {
				h.Observer.ObserveRelease(pageSize, latency, adviseErr == nil)
			} else {
				h.Observer.ObservePrime(pageSize, latency, adviseErr == nil)
			}
		}
		if adviseErr != nil {
			return adviseErr
		}
	}
	return nil
}

func (h *Handler) processStats(head iface.Descriptor) error {
	if head.Len%statRecordSize != 0 {
		return errs.NewQueue("queue.processStats", h.Queue.Index(), errs.KindInvalidRequest, "descriptor length not a multiple of 10")
	}
	body, err := iface.ReadGuest(h.GM, head.Addr, uint64(head.Len))
	if err != nil {
		return errs.Wrap("queue.processStats", errs.KindGuestMemory, err)
	}

	if h.StatsLatch != nil {
		h.StatsLatch.Set(h.Queue.Index())
	}

	for off := 0; off+statRecordSize <= len(body); off += statRecordSize {
		tag := stats.Tag(binary.LittleEndian.Uint16(body[off:]))
		val := binary.LittleEndian.Uint64(body[off+2:])
		if err := h.StatsBank.Store(tag, val); err != nil {
			if h.Logger != nil {
				h.Logger.Printf("rejecting unexpected stat tag %d", tag)
			}
			return errs.NewQueue("queue.processStats", h.Queue.Index(), errs.KindUnexpectedStatTag, "tag out of range")
		}
	}
	return nil
}

func (h *Handler) processReporting(chain iface.Chain) error {
	for _, d := range chain.All() {
		start := time.Now()
		err := memadvice.Release(h.GM, d.Addr, uint64(d.Len))
		if h.Observer != nil {
			h.Observer.ObserveRelease(uint64(d.Len), uint64(time.Since(start).Nanoseconds()), err == nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// compile-time check that the teacher-style adviceFunc signature
// matches memadvice's exported functions.
var (
	_ adviceFunc = memadvice.Release
	_ adviceFunc = memadvice.Prime
)
