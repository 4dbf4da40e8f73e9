package vbd

import (
	"time"

	"github.com/vmballoon/vbd/internal/logging"
)

// Options configures a new Device. Mirrors the teacher's
// Params/DefaultParams shape: one struct of knobs, a constructor that
// fills in sane defaults.
type Options struct {
	// ID is not read by New, which takes the device ID as its own id
	// argument.
	ID uint32

	// Stats, DeflateOnOOM, Reporting, Hetero gate the corresponding
	// optional feature bits and queues.
	Stats        bool
	DeflateOnOOM bool
	Reporting    bool
	Hetero       bool

	// StatsInterval is the stats-refresh timer period, used only when
	// Stats is true.
	StatsInterval time.Duration

	Logger   *logging.Logger
	Observer *Metrics
}

const defaultStatsInterval = time.Second

// DefaultOptions returns Options with the stats queue enabled at a
// one-second refresh interval and every other optional feature off.
func DefaultOptions() Options {
	return Options{
		Stats:         true,
		StatsInterval: defaultStatsInterval,
		Logger:        logging.Default(),
		Observer:      NewMetrics(),
	}
}
