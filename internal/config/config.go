// Package config implements the balloon device's fixed-layout 24-byte
// configuration record shared with the guest.
package config

import (
	"encoding/binary"

	"github.com/vmballoon/vbd/internal/logging"
)

// Size is the total byte length of the configuration record.
const Size = 24

// Field byte offsets within the record, per the virtio balloon layout.
const (
	OffsetNumPages       = 0
	OffsetActual         = 4
	OffsetHintCmdID      = 8
	OffsetPoisonVal      = 12
	OffsetNumHeteroPages = 16
	OffsetHeteroActual   = 20
)

// Record is the six little-endian 32-bit field configuration block.
// HintCmdID and PoisonVal are retained only for layout compatibility;
// the device never reads or mutates them (see GLOSSARY: unimplemented
// free-page hinting / poison fill).
type Record struct {
	NumPages       uint32 // host-written target balloon size, in 4 KiB pages
	Actual         uint32 // guest-written pages currently surrendered
	HintCmdID      uint32 // unused
	PoisonVal      uint32 // unused
	NumHeteroPages uint32 // host-written
	HeteroActual   uint32 // guest-written
}

// Bytes marshals the record to its 24-byte little-endian wire form.
func (r Record) Bytes() [Size]byte {
	var buf [Size]byte
	binary.LittleEndian.PutUint32(buf[OffsetNumPages:], r.NumPages)
	binary.LittleEndian.PutUint32(buf[OffsetActual:], r.Actual)
	binary.LittleEndian.PutUint32(buf[OffsetHintCmdID:], r.HintCmdID)
	binary.LittleEndian.PutUint32(buf[OffsetPoisonVal:], r.PoisonVal)
	binary.LittleEndian.PutUint32(buf[OffsetNumHeteroPages:], r.NumHeteroPages)
	binary.LittleEndian.PutUint32(buf[OffsetHeteroActual:], r.HeteroActual)
	return buf
}

// FromBytes unmarshals a 24-byte little-endian record.
func FromBytes(buf [Size]byte) Record {
	return Record{
		NumPages:       binary.LittleEndian.Uint32(buf[OffsetNumPages:]),
		Actual:         binary.LittleEndian.Uint32(buf[OffsetActual:]),
		HintCmdID:      binary.LittleEndian.Uint32(buf[OffsetHintCmdID:]),
		PoisonVal:      binary.LittleEndian.Uint32(buf[OffsetPoisonVal:]),
		NumHeteroPages: binary.LittleEndian.Uint32(buf[OffsetNumHeteroPages:]),
		HeteroActual:   binary.LittleEndian.Uint32(buf[OffsetHeteroActual:]),
	}
}

// Read copies the subrange of the record starting at offset into buf,
// truncating at the record boundary. Reads are unrestricted.
func (r Record) Read(offset int, buf []byte) int {
	if offset < 0 || offset >= Size {
		return 0
	}
	whole := r.Bytes()
	n := copy(buf, whole[offset:])
	return n
}

// writableSpans enumerates the only (offset, length) pairs a guest
// write may target.
var writableSpans = map[int]int{
	OffsetActual:       4,
	OffsetHeteroActual: 4,
}

// Write accepts a guest write only at (offset, len) in {(4,4), (20,4)};
// any other write is rejected and logged, leaving the record
// unchanged. Returns true iff the write was applied.
func (r *Record) Write(offset int, buf []byte, logger *logging.Logger) bool {
	wantLen, ok := writableSpans[offset]
	if !ok || len(buf) != wantLen {
		if logger != nil {
			logger.Warnf("rejected guest config write at offset=%d len=%d", offset, len(buf))
		}
		return false
	}
	val := binary.LittleEndian.Uint32(buf)
	switch offset {
	case OffsetActual:
		r.Actual = val
	case OffsetHeteroActual:
		r.HeteroActual = val
	}
	return true
}
