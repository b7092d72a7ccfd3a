package service

import (
	"time"

	"go.uber.org/atomic"
)

// Stats counts pipeline outcomes since startup. Safe for concurrent use.
type Stats struct {
	Rewritten     atomic.Int64
	PassedThrough atomic.Int64
	Dropped       atomic.Int64
	Failed        atomic.Int64

	started time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Rewritten     int64   `json:"rewritten"`
	PassedThrough int64   `json:"passed_through"`
	Dropped       int64   `json:"dropped"`
	Failed        int64   `json:"failed"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewStats creates a Stats instance.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Rewritten:     s.Rewritten.Load(),
		PassedThrough: s.PassedThrough.Load(),
		Dropped:       s.Dropped.Load(),
		Failed:        s.Failed.Load(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
}
