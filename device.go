// Package vbd implements the back-end of a paravirtualized
// memory-balloon device: multi-virtqueue descriptor draining, guest
// memory-advice dispatch, a statistics bank, a small configuration
// window, and a device lifecycle (activate, pause/resume,
// snapshot/restore, reset).
package vbd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vmballoon/vbd/internal/config"
	"github.com/vmballoon/vbd/internal/errs"
	"github.com/vmballoon/vbd/internal/eventloop"
	"github.com/vmballoon/vbd/internal/iface"
	"github.com/vmballoon/vbd/internal/logging"
	"github.com/vmballoon/vbd/internal/pump"
	"github.com/vmballoon/vbd/internal/queue"
	"github.com/vmballoon/vbd/internal/stats"
)

// State is the migratable portion of a Device: everything Snapshot
// returns and New accepts to restore. Wire encoding belongs to the
// migration transport, out of scope here (spec.md §6).
type State struct {
	AvailFeatures uint64
	AckedFeatures uint64
	Config        config.Record
}

// Device is the balloon device facade. The control thread (whatever
// goroutine calls New/Resize/ReadConfig/WriteConfig/Activate/Reset/
// Pause/Resume/Snapshot) never touches queue internals directly; once
// activated, all descriptor-chain processing happens on the single
// worker goroutine Activate spawns.
type Device struct {
	id uint32

	mu            sync.Mutex // guards config and feature fields below
	availFeatures uint64
	ackedFeatures uint64
	config        config.Record

	statsBank     *stats.Bank
	statsLatch    *queue.Latch
	statsInterval time.Duration
	metrics       *Metrics
	logger        *logging.Logger

	paused bool

	// Set only while activated.
	loop         eventloop.Pump
	worker       *pump.Pump
	interrupt    iface.InterruptInjector
	roleIndex    map[queue.Role]int
	workerCancel context.CancelFunc
	workerDone   chan error
}

// New constructs a Device. sizePages is {balloon target, hetero
// target}, each in 4 KiB pages. If state is non-nil its features and
// config are used verbatim (restoring a snapshot) and the device
// starts paused, matching a just-migrated-in device awaiting resume.
func New(opts Options, id uint32, sizePages [2]uint32, state *State) *Device {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := opts.Observer
	if metrics == nil {
		metrics = NewMetrics()
	}

	d := &Device{
		id:            id,
		statsBank:     stats.NewBank(),
		statsLatch:    queue.NewLatch(),
		statsInterval: opts.StatsInterval,
		metrics:       metrics,
		logger:        logger,
	}

	if state != nil {
		d.availFeatures = state.AvailFeatures
		d.ackedFeatures = state.AckedFeatures
		d.config = state.Config
		d.paused = true
		return d
	}

	d.availFeatures = FeatureVersion1
	if opts.Stats {
		d.availFeatures |= FeatureStatsVQ
	}
	if opts.DeflateOnOOM {
		d.availFeatures |= FeatureDeflateOnOOM
	}
	if opts.Reporting {
		d.availFeatures |= FeatureReporting
	}
	if opts.Hetero {
		d.availFeatures |= FeatureHeteroMem
	}
	d.config = config.Record{
		NumPages:       sizePages[0],
		NumHeteroPages: sizePages[1],
	}
	return d
}

// Features returns the offered feature set.
func (d *Device) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availFeatures
}

// AckFeatures records the guest-selected feature subset.
func (d *Device) AckFeatures(v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackedFeatures = v & d.availFeatures
}

func (d *Device) acked(bit uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ackedFeatures&bit != 0
}

// ReadConfig copies the subrange of the 24-byte config record starting
// at offset into buf, truncating at the record boundary.
func (d *Device) ReadConfig(offset int, buf []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Read(offset, buf)
}

// WriteConfig applies a guest-originated config write if it targets
// one of the two guest-writable spans; otherwise the write is logged
// and silently dropped. Returns whether the write was applied.
func (d *Device) WriteConfig(offset int, buf []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Write(offset, buf, d.logger)
}

// Resize updates the host-writable size fields and, if the device is
// currently activated, raises a configuration-change interrupt.
func (d *Device) Resize(sizePages [2]uint32) error {
	d.mu.Lock()
	d.config.NumPages = sizePages[0]
	d.config.NumHeteroPages = sizePages[1]
	interrupt := d.interrupt
	d.mu.Unlock()

	if interrupt == nil {
		return nil
	}
	if err := interrupt.SignalConfigChange(); err != nil {
		return errs.Wrap("device.Resize", errs.KindFailedSignal, err)
	}
	d.metrics.recordConfigInterrupt()
	return nil
}

// Snapshot returns the migratable device state.
func (d *Device) Snapshot() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		AvailFeatures: d.availFeatures,
		AckedFeatures: d.ackedFeatures,
		Config:        d.config,
	}
}

// Stats exposes the sixteen guest-reported counters by name plus the
// two derived byte totals from the config record.
func (d *Device) Stats() map[string]uint64 {
	out := d.statsBank.Snapshot()

	d.mu.Lock()
	actual := uint64(d.config.Actual) << hostPageShift
	heteroActual := uint64(d.config.HeteroActual) << hostPageShift
	d.mu.Unlock()

	out["actual"] = actual
	out["hetero_actual"] = heteroActual
	return out
}

// QueueSizes returns the depth of every virtqueue this device may
// expose, in the same fixed order Activate expects its queue vector
// in: two depth-128 queues always, plus a depth-32 stats queue, a
// depth-32 reporting queue, and two more depth-128 hetero queues for
// each corresponding offered feature (spec.md §4.4). Unlike
// requiredRoles, which reflects what the guest acknowledged, this
// reflects what was offered in avail_features — a transport sizes its
// virtqueues against this before feature negotiation completes, the
// same way a VMM bus calls queue_max_sizes() before ack_features().
func (d *Device) QueueSizes() []uint16 {
	d.mu.Lock()
	avail := d.availFeatures
	d.mu.Unlock()

	sizes := []uint16{baseQueueDepth, baseQueueDepth}
	if avail&FeatureStatsVQ != 0 {
		sizes = append(sizes, optionalQueueDepth)
	}
	if avail&FeatureReporting != 0 {
		sizes = append(sizes, optionalQueueDepth)
	}
	if avail&FeatureHeteroMem != 0 {
		sizes = append(sizes, heteroQueueDepth, heteroQueueDepth)
	}
	return sizes
}

// requiredRoles returns the fixed consumption order for this device's
// acked features: inflate, deflate, then stats/reporting/hetero-
// inflate/hetero-deflate as each was acknowledged.
func (d *Device) requiredRoles() []queue.Role {
	roles := []queue.Role{queue.Inflate, queue.Deflate}
	if d.acked(FeatureStatsVQ) {
		roles = append(roles, queue.Stats)
	}
	if d.acked(FeatureReporting) {
		roles = append(roles, queue.Reporting)
	}
	if d.acked(FeatureHeteroMem) {
		roles = append(roles, queue.HeteroInflate, queue.HeteroDeflate)
	}
	return roles
}

// Activate wires queues (supplied in the fixed role order
// requiredRoles returns) to a freshly constructed event pump and
// spawns the single worker goroutine that owns it. mem resolves guest
// addresses for every handler; interrupt signals the guest.
func (d *Device) Activate(ctx context.Context, mem iface.GuestMemory, interrupt iface.InterruptInjector, queues []iface.Virtqueue) error {
	if unix.Getpagesize() != 1<<hostPageShift {
		return errs.New("device.Activate", errs.KindInvalidParameters, "host page size is not 4 KiB")
	}

	roles := d.requiredRoles()
	if len(queues) != len(roles) {
		return errs.New("device.Activate", errs.KindInvalidParameters, "queue vector length does not match acked features")
	}

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("device: create event loop: %w", err)
	}

	p, err := pump.New(loop, interrupt, d.logger, d.statsInterval, d.statsLatch)
	if err != nil {
		loop.Close()
		return fmt.Errorf("device: create pump: %w", err)
	}

	roleIndex := make(map[queue.Role]int, len(roles))
	for i, role := range roles {
		vq := queues[i]
		roleIndex[role] = vq.Index()
		h := &queue.Handler{
			Role:       role,
			Queue:      vq,
			GM:         mem,
			StatsBank:  d.statsBank,
			StatsLatch: d.statsLatch,
			Interrupt:  interrupt,
			Observer:   d.metrics,
			Logger:     d.logger,
		}
		if err := p.RegisterQueue(h); err != nil {
			p.Close()
			loop.Close()
			return fmt.Errorf("device: register queue %s: %w", role, err)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(workerCtx) }()

	d.mu.Lock()
	d.loop = loop
	d.worker = p
	d.interrupt = interrupt
	d.roleIndex = roleIndex
	d.workerCancel = cancel
	d.workerDone = done
	d.paused = false
	d.mu.Unlock()
	return nil
}

// Reset stops the worker, drops the queue vector, and returns the
// interrupt injector so a subsequent Activate can reuse it. Persisted
// state (features + config) survives unchanged.
func (d *Device) Reset() (iface.InterruptInjector, error) {
	d.mu.Lock()
	p := d.worker
	loop := d.loop
	cancel := d.workerCancel
	done := d.workerDone
	interrupt := d.interrupt
	d.mu.Unlock()

	if p == nil {
		return nil, errs.New("device.Reset", errs.KindNotActivated, "device is not activated")
	}

	if cancel != nil {
		cancel()
	}
	var runErr error
	if done != nil {
		runErr = <-done
	}
	p.Close()
	loop.Close()

	d.mu.Lock()
	d.loop = nil
	d.worker = nil
	d.interrupt = nil
	d.roleIndex = nil
	d.workerCancel = nil
	d.workerDone = nil
	d.mu.Unlock()

	if runErr != nil {
		return interrupt, fmt.Errorf("device: worker exited with error: %w", runErr)
	}
	return interrupt, nil
}

// Pause requests the worker stop polling and blocks until it has.
func (d *Device) Pause() error {
	d.mu.Lock()
	p := d.worker
	d.mu.Unlock()
	if p == nil {
		return errs.New("device.Pause", errs.KindNotActivated, "device is not activated")
	}
	if err := p.Pause(); err != nil {
		return err
	}
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

// Resume releases a paused worker.
func (d *Device) Resume() error {
	d.mu.Lock()
	p := d.worker
	d.mu.Unlock()
	if p == nil {
		return errs.New("device.Resume", errs.KindNotActivated, "device is not activated")
	}
	p.Resume()
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	return nil
}
