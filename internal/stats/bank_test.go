package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreAndLoad(t *testing.T) {
	b := NewBank()
	require.NoError(t, b.Store(SwapIn, 42))
	v, err := b.Load(SwapIn)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestStoreRejectsOutOfRangeTag(t *testing.T) {
	b := NewBank()
	err := b.Store(Tag(99), 1)
	require.Error(t, err)
}

func TestLoadRejectsOutOfRangeTag(t *testing.T) {
	b := NewBank()
	_, err := b.Load(Tag(99))
	require.Error(t, err)
}

func TestSnapshotCoversEveryTag(t *testing.T) {
	b := NewBank()
	require.NoError(t, b.Store(SwapIn, 42))
	require.NoError(t, b.Store(AvailableMemory, 1024))

	snap := b.Snapshot()
	require.Len(t, snap, int(numTags))
	require.Equal(t, uint64(42), snap["swap_in"])
	require.Equal(t, uint64(1024), snap["available_memory"])
	require.Equal(t, uint64(0), snap["pmem_total"])
}

func TestNameAndValid(t *testing.T) {
	require.True(t, Valid(PMemTotal))
	require.False(t, Valid(Tag(16)))
	require.Equal(t, "dram_free", Name(DRAMFree))
	require.Equal(t, "", Name(Tag(16)))
}
