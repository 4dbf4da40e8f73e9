// Package gm provides a minimal guest memory address-space translator.
// A production VMM supplies a far richer implementation (hot-add/
// remove, multiple backing file types, NUMA-aware regions); this
// package gives the device core something real to run against and a
// fake for tests, per spec.md's note that the guest-memory translator
// is an external collaborator.
package gm

import (
	"sort"
	"sync/atomic"

	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/iface"
)

// Memory is an atomically-swappable table of guest memory regions.
// Readers take a consistent snapshot per FindRegion call; writers
// (hot-add/remove, out of scope for this core) install a new table
// with CompareAndSwap-free atomic.Pointer stores.
type Memory struct {
	regions atomic.Pointer[[]iface.Region]
}

// New builds a Memory view over a fixed set of regions. Regions must
// not overlap; SetRegions can later replace the table wholesale.
func New(regions []iface.Region) *Memory {
	m := &Memory{}
	m.SetRegions(regions)
	return m
}

// SetRegions atomically replaces the region table.
func (m *Memory) SetRegions(regions []iface.Region) {
	sorted := append([]iface.Region(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].GuestBase < sorted[j].GuestBase })
	m.regions.Store(&sorted)
}

// FindRegion implements iface.GuestMemory.
func (m *Memory) FindRegion(addr, length uint64) (iface.Region, error) {
	regions := m.regions.Load()
	if regions == nil {
		return iface.Region{}, errs.New("gm.FindRegion", errs.KindGuestMemory, "no regions configured")
	}
	// Regions are sorted by GuestBase; find the last region starting
	// at or before addr and check containment.
	idx := sort.Search(len(*regions), func(i int) bool {
		return (*regions)[i].GuestBase > addr
	})
	if idx == 0 {
		return iface.Region{}, errs.New("gm.FindRegion", errs.KindGuestMemory, "address below any region")
	}
	region := (*regions)[idx-1]
	if !region.Contains(addr, length) {
		return iface.Region{}, errs.New("gm.FindRegion", errs.KindGuestMemory, "range not contained in any region")
	}
	return region, nil
}
