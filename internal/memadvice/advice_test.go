package memadvice

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd/internal/iface"
)

type anonGM struct{ buf []byte }

func newAnonGM(size int) *anonGM { return &anonGM{buf: make([]byte, size)} }

func (g *anonGM) FindRegion(addr, length uint64) (iface.Region, error) {
	return iface.Region{GuestBase: 0, Size: uint64(len(g.buf)), HostAddr: uintptr(unsafe.Pointer(&g.buf[0]))}, nil
}

func TestReleaseAnonymousSkipsFallocate(t *testing.T) {
	gm := newAnonGM(1 << 16)
	err := Release(gm, 0, 4096)
	require.NoError(t, err)
}

func TestPrimeAdvisesWillNeed(t *testing.T) {
	gm := newAnonGM(1 << 16)
	err := Prime(gm, 0, 4096)
	require.NoError(t, err)
}

type fileBackedGM struct {
	buf  []byte
	fd   int
	base int64
}

func (g *fileBackedGM) FindRegion(addr, length uint64) (iface.Region, error) {
	return iface.Region{
		GuestBase:  0,
		Size:       uint64(len(g.buf)),
		HostAddr:   uintptr(unsafe.Pointer(&g.buf[0])),
		FileBacked: true,
		FD:         g.fd,
		FileOffset: g.base,
	}, nil
}

// TestReleaseFileBackedPunchesHole exercises the fallocate path against
// a real temp file; skipped on filesystems that reject PUNCH_HOLE.
func TestReleaseFileBackedPunchesHole(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "vbd-memadvice-*")
	require.NoError(t, err)
	defer f.Close()

	const size = 1 << 16
	require.NoError(t, f.Truncate(size))

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(data)

	gm := &fileBackedGM{buf: data, fd: int(f.Fd())}
	err = Release(gm, 0, 4096)
	if err != nil {
		t.Skipf("fallocate PUNCH_HOLE unsupported on this filesystem: %v", err)
	}
}
