package eventloop

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

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

func TestWaitReturnsTagForReadyFD(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd := newEventfd(t)
	require.NoError(t, p.Register(fd, 42))

	bump(t, fd)

	tag, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(42), tag)
}

func TestWaitIsLevelTriggeredUntilConsumed(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fd := newEventfd(t)
	require.NoError(t, p.Register(fd, 7))
	bump(t, fd)

	tag, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(7), tag)

	// Readiness persists because the eventfd counter was never read.
	tag, err = p.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(7), tag)
}

func TestDeregisterStopsDelivery(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fdA := newEventfd(t)
	fdB := newEventfd(t)
	require.NoError(t, p.Register(fdA, 1))
	require.NoError(t, p.Register(fdB, 2))
	require.NoError(t, p.Deregister(fdA))

	bump(t, fdB)
	tag, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(2), tag)
}

func TestWaitAfterCloseReturnsErrClosed(t *testing.T) {
	p, err := New()
	require.NoError(t, err)

	fd := newEventfd(t)
	require.NoError(t, p.Register(fd, 1))
	require.NoError(t, p.Close())

	_, err = p.Wait()
	require.ErrorIs(t, err, ErrClosed)
}
