package hid

import "go.uber.org/atomic"

// Stats is an optional counter sink shared by a backend and its bus. It is
// passed in at construction; a nil *Stats disables accounting. All counters
// are safe for concurrent use.
type Stats struct {
	TransfersSubmitted atomic.Uint64
	TransferErrors     atomic.Uint64
	StallRetries       atomic.Uint64
	Timeouts           atomic.Uint64

	ReportsDispatched atomic.Uint64
	ReportsDropped    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of all counters.
type StatsSnapshot struct {
	TransfersSubmitted uint64 `json:"transfersSubmitted"`
	TransferErrors     uint64 `json:"transferErrors"`
	StallRetries       uint64 `json:"stallRetries"`
	Timeouts           uint64 `json:"timeouts"`
	ReportsDispatched  uint64 `json:"reportsDispatched"`
	ReportsDropped     uint64 `json:"reportsDropped"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	if s == nil {
		return StatsSnapshot{}
	}
	return StatsSnapshot{
		TransfersSubmitted: s.TransfersSubmitted.Load(),
		TransferErrors:     s.TransferErrors.Load(),
		StallRetries:       s.StallRetries.Load(),
		Timeouts:           s.Timeouts.Load(),
		ReportsDispatched:  s.ReportsDispatched.Load(),
		ReportsDropped:     s.ReportsDropped.Load(),
	}
}
