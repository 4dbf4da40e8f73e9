// Package iface defines the narrow collaborator interfaces the device
// core depends on: guest memory translation, virtqueue access, and
// interrupt injection. Full implementations of these interfaces (a
// real guest address space, a real split/packed virtqueue, a real
// MSI-X injector) are the VMM's responsibility and live outside this
// module; this package only fixes the contract the core drives.
package iface

import "unsafe"

// Region describes one mapped span of guest memory.
type Region struct {
	GuestBase  uint64 // first guest physical address in the region
	Size       uint64 // region length in bytes
	HostAddr   uintptr // host virtual address backing GuestBase
	FileBacked bool
	FD         int   // backing file descriptor, valid iff FileBacked
	FileOffset int64 // offset of GuestBase within the backing file
}

// Contains reports whether the guest address range [addr, addr+length)
// falls entirely within the region.
func (r Region) Contains(addr, length uint64) bool {
	if addr < r.GuestBase {
		return false
	}
	end := addr - r.GuestBase + length
	return end <= r.Size
}

// HostAddrFor translates a guest address known to be inside the region
// to a host virtual address.
func (r Region) HostAddrFor(addr uint64) uintptr {
	return r.HostAddr + uintptr(addr-r.GuestBase)
}

// GuestMemory resolves guest physical addresses to host-mapped regions.
type GuestMemory interface {
	// FindRegion returns the region containing [addr, addr+length).
	FindRegion(addr, length uint64) (Region, error)
}

// Descriptor is one fragment of a descriptor chain.
type Descriptor struct {
	Addr      uint64
	Len       uint32
	WriteOnly bool
}

// Chain is a descriptor chain popped from the available ring.
type Chain interface {
	// Head returns the first descriptor in the chain.
	Head() (Descriptor, bool)
	// All returns every descriptor in the chain, head first.
	All() []Descriptor
	// TotalReadableLen is the sum of the readable (non-write-only)
	// descriptor lengths in the chain.
	TotalReadableLen() uint32
}

// ReadGuest returns a zero-copy view of length bytes of guest memory
// starting at addr, translated through gm.
func ReadGuest(gm GuestMemory, addr, length uint64) ([]byte, error) {
	region, err := gm.FindRegion(addr, length)
	if err != nil {
		return nil, err
	}
	hostAddr := region.HostAddrFor(addr)
	return unsafe.Slice((*byte)(unsafe.Pointer(hostAddr)), int(length)), nil
}

// Observer receives device-core telemetry. Implementations must be
// safe for concurrent use; methods are called from the worker thread.
type Observer interface {
	ObserveRelease(bytes uint64, latencyNs uint64, success bool)
	ObservePrime(bytes uint64, latencyNs uint64, success bool)
	ObserveChainProcessed(role string, usedLen uint32)
	// ObserveQueueInterrupt is called once per non-stats drain that
	// raises a queue interrupt, after the interrupt injector succeeds.
	ObserveQueueInterrupt(role string)
}

// Virtqueue is the per-queue collaborator the handler drains.
type Virtqueue interface {
	// Index is this queue's position in the activated queue vector.
	Index() int
	// EventFD is the fd that becomes readable when the guest kicks
	// the queue.
	EventFD() int
	// Pop removes and returns the next available chain, or ok=false
	// if the available ring is currently empty.
	Pop() (chain Chain, ok bool, err error)
	// MarkUsed posts a used-ring entry for the chain most recently
	// returned by Pop, with the given reported length.
	MarkUsed(length uint32) error
}

// InterruptInjector signals the guest.
type InterruptInjector interface {
	SignalQueue(index int) error
	SignalConfigChange() error
}

// Logger is the printf-style logging interface the core depends on,
// satisfied by *internal/logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
	Debugf(format string, args ...any)
}
