package sync

import "time"

// DrainStats summarizes one drain pass.
//
// Ran is false when the pass was skipped because the client was
// offline or another pass was already running. Retried counts
// operations that failed but stay queued; Quarantined counts
// those moved to the failure log. Remaining is the live queue
// length after the pass, including operations queued while it
// ran.
type DrainStats struct {
	Ran         bool `json:"ran"`
	Applied     int  `json:"applied"`
	Retried     int  `json:"retried"`
	Quarantined int  `json:"quarantined"`
	Remaining   int  `json:"remaining"`
}

// Processed returns how many operations the pass attempted.
func (s DrainStats) Processed() int {
	return s.Applied + s.Retried + s.Quarantined
}

// Status is a snapshot of the engine for status displays.
type Status struct {
	Online    bool       `json:"online"`
	Syncing   bool       `json:"syncing"`
	Pending   int        `json:"pending"`
	Failed    int        `json:"failed"`
	LastSync  time.Time  `json:"last_sync"`
	LastStats DrainStats `json:"last_stats"`
}
