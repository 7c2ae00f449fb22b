package pipeline

import (
	"time"
)

// Stats is a snapshot of processor counters. RecordsProcessed and
// RecordsErrant count completed invocations only; ErrantReports counts
// every report, including repeats for redelivered records.
type Stats struct {
	Invocations      int64         `json:"invocations"`
	RecordsProcessed int64         `json:"records_processed"`
	RecordsErrant    int64         `json:"records_errant"`
	ErrantReports    int64         `json:"errant_reports"`
	BatchesSent      int64         `json:"batches_sent"`
	StartTime        time.Time     `json:"start_time"`
	Uptime           time.Duration `json:"uptime"`
}

// ThroughputRPS returns processed records per second of uptime
func (s Stats) ThroughputRPS() float64 {
	if s.Uptime <= 0 {
		return 0
	}
	return float64(s.RecordsProcessed) / s.Uptime.Seconds()
}
