// Package stats implements the balloon device's statistics counter
// bank: sixteen atomic cells, one per well-known guest-reported tag.
package stats

import (
	"sync/atomic"

	"github.com/vmballoon/vbd/internal/errs"
)

// Tag identifies a guest-reported statistic.
type Tag uint16

const (
	SwapIn Tag = iota
	SwapOut
	MajorFaults
	MinorFaults
	FreeMemory
	TotalMemory
	AvailableMemory
	DiskCaches
	HugetlbAllocations
	HugetlbFailures
	DRAMAccesses
	DRAMFree
	DRAMTotal
	PMemAccesses
	PMemFree
	PMemTotal

	numTags
)

var tagNames = [numTags]string{
	SwapIn:              "swap_in",
	SwapOut:              "swap_out",
	MajorFaults:          "major_faults",
	MinorFaults:          "minor_faults",
	FreeMemory:           "free_memory",
	TotalMemory:          "total_memory",
	AvailableMemory:      "available_memory",
	DiskCaches:           "disk_caches",
	HugetlbAllocations:   "hugetlb_allocations",
	HugetlbFailures:      "hugetlb_failures",
	DRAMAccesses:         "dram_accesses",
	DRAMFree:             "dram_free",
	DRAMTotal:            "dram_total",
	PMemAccesses:         "pmem_accesses",
	PMemFree:             "pmem_free",
	PMemTotal:            "pmem_total",
}

// Name returns the well-known name for tag, or "" if tag is out of range.
func Name(tag Tag) string {
	if tag >= numTags {
		return ""
	}
	return tagNames[tag]
}

// Valid reports whether tag is one of the sixteen well-known tags.
func Valid(tag Tag) bool {
	return tag < numTags
}

// Bank is a fixed registry of sixteen atomic 64-bit counters.
type Bank struct {
	cells [numTags]atomic.Uint64
}

// NewBank returns an empty counter bank.
func NewBank() *Bank {
	return &Bank{}
}

// Store records val for tag with relaxed ordering; the values are
// monotonic guest observations, not a consistency-protocol input.
func (b *Bank) Store(tag Tag, val uint64) error {
	if !Valid(tag) {
		return errs.New("stats.Store", errs.KindUnexpectedStatTag, "tag out of range")
	}
	b.cells[tag].Store(val)
	return nil
}

// Load reads the current value for tag.
func (b *Bank) Load(tag Tag) (uint64, error) {
	if !Valid(tag) {
		return 0, errs.New("stats.Load", errs.KindUnexpectedStatTag, "tag out of range")
	}
	return b.cells[tag].Load(), nil
}

// Snapshot returns every counter by name, for observability surfaces.
func (b *Bank) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, numTags)
	for t := Tag(0); t < numTags; t++ {
		out[tagNames[t]] = b.cells[t].Load()
	}
	return out
}
