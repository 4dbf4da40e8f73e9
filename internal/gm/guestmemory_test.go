package gm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmballoon/vbd/internal/iface"
)

func TestFindRegionWithinSingleRegion(t *testing.T) {
	m := New([]iface.Region{{GuestBase: 0x1000, Size: 0x2000, HostAddr: 0xdead0000}})
	r, err := m.FindRegion(0x1500, 0x100)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), r.GuestBase)
}

func TestFindRegionAcrossMultipleRegionsSortedByBase(t *testing.T) {
	m := New([]iface.Region{
		{GuestBase: 0x5000, Size: 0x1000, HostAddr: 2},
		{GuestBase: 0x1000, Size: 0x1000, HostAddr: 1},
	})
	r, err := m.FindRegion(0x5500, 0x10)
	require.NoError(t, err)
	require.Equal(t, uintptr(2), r.HostAddr)
}

func TestFindRegionRejectsBelowAnyRegion(t *testing.T) {
	m := New([]iface.Region{{GuestBase: 0x1000, Size: 0x1000}})
	_, err := m.FindRegion(0x500, 0x10)
	require.Error(t, err)
}

func TestFindRegionRejectsRangeSpanningBoundary(t *testing.T) {
	m := New([]iface.Region{{GuestBase: 0x1000, Size: 0x100}})
	_, err := m.FindRegion(0x1080, 0x200)
	require.Error(t, err)
}

func TestHostAddrForTranslation(t *testing.T) {
	r := iface.Region{GuestBase: 0x1000, Size: 0x1000, HostAddr: 0x7f0000000000}
	require.Equal(t, uintptr(0x7f0000000500), r.HostAddrFor(0x1500))
}
