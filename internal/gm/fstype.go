package gm

import (
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
)

// nonPunchableFSTypes are backing filesystems where
// FALLOC_FL_PUNCH_HOLE is either a no-op or rejected outright: tmpfs
// pages are reclaimed by MADV_DONTNEED alone, and hugetlbfs never
// supported hole punching.
var nonPunchableFSTypes = map[string]bool{
	"tmpfs":     true,
	"hugetlbfs": true,
}

// SupportsHolePunchForFD reports whether the filesystem backing fd
// benefits from a FALLOC_FL_PUNCH_HOLE call before MADV_DONTNEED. An
// unresolvable mount defaults to true, so Release still attempts the
// syscall rather than silently skipping it.
func SupportsHolePunchForFD(fd int) bool {
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return true
	}
	return supportsHolePunch(path)
}

func supportsHolePunch(path string) bool {
	mounts, err := mountinfo.GetMounts(nil)
	if err != nil {
		return true
	}

	var best *mountinfo.Info
	for _, m := range mounts {
		if !isMountOf(m.Mountpoint, path) {
			continue
		}
		if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
			best = m
		}
	}
	if best == nil {
		return true
	}
	return !nonPunchableFSTypes[best.FSType]
}

// isMountOf reports whether mountpoint is the mount containing path,
// i.e. the longest-prefix match a /proc/self/mountinfo walk performs.
// The match must land on a path separator boundary so a mountpoint
// like /tmp doesn't falsely match a sibling directory like /tmpfoo.
func isMountOf(mountpoint, path string) bool {
	if mountpoint == "/" {
		return true
	}
	if len(path) < len(mountpoint) || path[:len(mountpoint)] != mountpoint {
		return false
	}
	return len(path) == len(mountpoint) || path[len(mountpoint)] == '/'
}
