package vq

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vmballoon/vbd/internal/iface"
)

type arenaGM struct{ buf []byte }

func newArenaGM(size int) *arenaGM { return &arenaGM{buf: make([]byte, size)} }

func (g *arenaGM) FindRegion(addr, length uint64) (iface.Region, error) {
	return iface.Region{GuestBase: 0, Size: uint64(len(g.buf)), HostAddr: uintptr(unsafe.Pointer(&g.buf[0]))}, nil
}

const (
	descTableAddr = 0x0
	availAddr     = 0x1000
	usedAddr      = 0x2000
)

func writeDesc(buf []byte, idx int, addr uint64, length uint32, flags, next uint16) {
	off := idx * descSize
	binary.LittleEndian.PutUint64(buf[off:], addr)
	binary.LittleEndian.PutUint32(buf[off+8:], length)
	binary.LittleEndian.PutUint16(buf[off+12:], flags)
	binary.LittleEndian.PutUint16(buf[off+14:], next)
}

func TestPopReadsSingleDescriptorChain(t *testing.T) {
	gm := newArenaGM(1 << 16)
	writeDesc(gm.buf[descTableAddr:], 0, 0x3000, 12, 0, 0)
	binary.LittleEndian.PutUint16(gm.buf[availAddr+4:], 0) // ring[0] = head 0
	binary.LittleEndian.PutUint16(gm.buf[availAddr+2:], 1)  // avail.idx = 1

	q := NewSplitQueue(gm, 0, 8, descTableAddr, availAddr, usedAddr, -1)
	chain, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)

	head, ok := chain.Head()
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), head.Addr)
	require.Equal(t, uint32(12), head.Len)
}

func TestPopEmptyRingReturnsFalse(t *testing.T) {
	gm := newArenaGM(1 << 16)
	q := NewSplitQueue(gm, 0, 8, descTableAddr, availAddr, usedAddr, -1)
	_, ok, err := q.Pop()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPopFollowsChainedDescriptors(t *testing.T) {
	gm := newArenaGM(1 << 16)
	writeDesc(gm.buf[descTableAddr:], 0, 0x3000, 4, descFNext, 1)
	writeDesc(gm.buf[descTableAddr:], 1, 0x4000, 8, 0, 0)
	binary.LittleEndian.PutUint16(gm.buf[availAddr+4:], 0)
	binary.LittleEndian.PutUint16(gm.buf[availAddr+2:], 1)

	q := NewSplitQueue(gm, 0, 8, descTableAddr, availAddr, usedAddr, -1)
	chain, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, chain.All(), 2)
	require.Equal(t, uint32(12), chain.TotalReadableLen())
}

func TestMarkUsedAdvancesUsedRing(t *testing.T) {
	gm := newArenaGM(1 << 16)
	writeDesc(gm.buf[descTableAddr:], 0, 0x3000, 4, 0, 0)
	binary.LittleEndian.PutUint16(gm.buf[availAddr+4:], 0)
	binary.LittleEndian.PutUint16(gm.buf[availAddr+2:], 1)

	q := NewSplitQueue(gm, 0, 8, descTableAddr, availAddr, usedAddr, -1)
	_, _, err := q.Pop()
	require.NoError(t, err)

	require.NoError(t, q.MarkUsed(4))
	usedIdx := binary.LittleEndian.Uint16(gm.buf[usedAddr+2:])
	require.Equal(t, uint16(1), usedIdx)

	id := binary.LittleEndian.Uint32(gm.buf[usedAddr+4:])
	length := binary.LittleEndian.Uint32(gm.buf[usedAddr+8:])
	require.Equal(t, uint32(0), id)
	require.Equal(t, uint32(4), length)
}
