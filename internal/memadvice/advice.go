// Package memadvice provides thin typed wrappers over the host memory
// syscalls the balloon device invokes on a guest address range:
// Release (hole-punch + discard) and Prime (will-need). Callers are
// responsible for page alignment; these primitives never align.
package memadvice

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/gm"
	"github.com/vmballoon/vbd/internal/iface"
)

// hostSlice builds a zero-copy []byte view over length bytes of host
// memory starting at hostAddr, mirroring the mmap-pointer-to-slice
// pattern used to hand kernel-owned buffers to madvise.
func hostSlice(hostAddr uintptr, length uint64) []byte {
	ptr := unsafe.Pointer(hostAddr)
	return unsafe.Slice((*byte)(ptr), int(length))
}

// Release translates rangeBase to its containing region and, if that
// region is file-backed, punches a hole over the corresponding file
// range (keeping file size) before advising the kernel the range is
// no longer needed. Anonymous regions skip the file step, and so do
// file-backed regions whose backing file gm.SupportsHolePunchForFD
// reports as sitting on tmpfs or hugetlbfs: those get only the
// MADV_DONTNEED advice, with no hole punch.
func Release(guestMem iface.GuestMemory, rangeBase, length uint64) error {
	region, err := guestMem.FindRegion(rangeBase, length)
	if err != nil {
		return errs.Wrap("memadvice.Release", errs.KindGuestMemory, err)
	}

	if region.FileBacked && gm.SupportsHolePunchForFD(region.FD) {
		fileOffset := region.FileOffset + int64(rangeBase-region.GuestBase)
		err := unix.Fallocate(region.FD, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, fileOffset, int64(length))
		if err != nil {
			return errs.Wrap("memadvice.Release", errs.KindFallocateFail, err)
		}
	}

	hostAddr := region.HostAddrFor(rangeBase)
	buf := hostSlice(hostAddr, length)
	if err := unix.Madvise(buf, unix.MADV_DONTNEED); err != nil {
		return errs.Wrap("memadvice.Release", errs.KindMadviseFail, err)
	}
	return nil
}

// Prime translates rangeBase to a host virtual address and advises
// the kernel the range will be needed soon.
func Prime(guestMem iface.GuestMemory, rangeBase, length uint64) error {
	region, err := guestMem.FindRegion(rangeBase, length)
	if err != nil {
		return errs.Wrap("memadvice.Prime", errs.KindGuestMemory, err)
	}

	hostAddr := region.HostAddrFor(rangeBase)
	buf := hostSlice(hostAddr, length)
	if err := unix.Madvise(buf, unix.MADV_WILLNEED); err != nil {
		return errs.Wrap("memadvice.Prime", errs.KindMadviseFail, err)
	}
	return nil
}
