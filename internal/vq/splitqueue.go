// Package vq is a reference implementation of the virtqueue
// collaborator spec.md describes as out of scope: ring parsing,
// descriptor-chain iteration, and used-ring updates. A real VMM
// supplies its own (packed rings, indirect descriptors, event
// suppression); this split-ring implementation is enough to exercise
// and test the device core end to end.
package vq

import (
	"encoding/binary"

	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/iface"
)

const (
	descFNext  = uint16(1) << 0
	descFWrite = uint16(1) << 1
)

const descSize = 16 // addr u64, len u32, flags u16, next u16

// SplitQueue reads descriptor chains out of a guest-resident virtio
// split ring and posts used entries back into it.
type SplitQueue struct {
	gm iface.GuestMemory

	index         int
	size          uint16
	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64
	kickFD        int

	lastAvailIdx uint16
	usedIdx      uint16
	pendingHead  uint16
}

// NewSplitQueue builds a SplitQueue over guest memory already
// populated with a descriptor table, available ring, and used ring at
// the given guest addresses.
func NewSplitQueue(gm iface.GuestMemory, index int, size uint16, descTableAddr, availAddr, usedAddr uint64, kickFD int) *SplitQueue {
	return &SplitQueue{
		gm:            gm,
		index:         index,
		size:          size,
		descTableAddr: descTableAddr,
		availAddr:     availAddr,
		usedAddr:      usedAddr,
		kickFD:        kickFD,
	}
}

func (q *SplitQueue) Index() int   { return q.index }
func (q *SplitQueue) EventFD() int { return q.kickFD }

// Pop implements iface.Virtqueue.
func (q *SplitQueue) Pop() (iface.Chain, bool, error) {
	idxBytes, err := iface.ReadGuest(q.gm, q.availAddr+2, 2)
	if err != nil {
		return nil, false, errs.Wrap("vq.Pop", errs.KindQueueIterator, err)
	}
	availIdx := binary.LittleEndian.Uint16(idxBytes)
	if availIdx == q.lastAvailIdx {
		return nil, false, nil
	}

	slot := q.lastAvailIdx % q.size
	headBytes, err := iface.ReadGuest(q.gm, q.availAddr+4+2*uint64(slot), 2)
	if err != nil {
		return nil, false, errs.Wrap("vq.Pop", errs.KindQueueIterator, err)
	}
	head := binary.LittleEndian.Uint16(headBytes)

	chain, err := q.readChain(head)
	if err != nil {
		return nil, false, err
	}

	q.lastAvailIdx++
	q.pendingHead = head
	return chain, true, nil
}

func (q *SplitQueue) readChain(head uint16) (*chain, error) {
	var descs []iface.Descriptor
	idx := head
	for {
		raw, err := iface.ReadGuest(q.gm, q.descTableAddr+descSize*uint64(idx), descSize)
		if err != nil {
			return nil, errs.Wrap("vq.readChain", errs.KindGuestMemory, err)
		}
		addr := binary.LittleEndian.Uint64(raw[0:8])
		length := binary.LittleEndian.Uint32(raw[8:12])
		flags := binary.LittleEndian.Uint16(raw[12:14])
		next := binary.LittleEndian.Uint16(raw[14:16])

		descs = append(descs, iface.Descriptor{
			Addr:      addr,
			Len:       length,
			WriteOnly: flags&descFWrite != 0,
		})

		if flags&descFNext == 0 {
			break
		}
		idx = next
	}
	return &chain{descs: descs}, nil
}

// MarkUsed implements iface.Virtqueue.
func (q *SplitQueue) MarkUsed(length uint32) error {
	slot := q.usedIdx % q.size
	entryAddr := q.usedAddr + 4 + 8*uint64(slot)

	var entry [8]byte
	binary.LittleEndian.PutUint32(entry[0:4], uint32(q.pendingHead))
	binary.LittleEndian.PutUint32(entry[4:8], length)
	if err := writeGuest(q.gm, entryAddr, entry[:]); err != nil {
		return errs.Wrap("vq.MarkUsed", errs.KindQueueAddUsed, err)
	}

	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if err := writeGuest(q.gm, q.usedAddr+2, idxBuf[:]); err != nil {
		return errs.Wrap("vq.MarkUsed", errs.KindQueueAddUsed, err)
	}
	return nil
}

// writeGuest copies data into guest memory at addr.
func writeGuest(gm iface.GuestMemory, addr uint64, data []byte) error {
	dst, err := iface.ReadGuest(gm, addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// chain implements iface.Chain over a parsed descriptor list.
type chain struct {
	descs []iface.Descriptor
}

func (c *chain) Head() (iface.Descriptor, bool) {
	if len(c.descs) == 0 {
		return iface.Descriptor{}, false
	}
	return c.descs[0], true
}

func (c *chain) All() []iface.Descriptor { return c.descs }

func (c *chain) TotalReadableLen() uint32 {
	var total uint32
	for _, d := range c.descs {
		if !d.WriteOnly {
			total += d.Len
		}
	}
	return total
}
