package models

// TraceEntry is one per-job trace line captured from the log stream. Trace
// persistence is best effort; a trace failure never masks a state transition.
type TraceEntry struct {
	Timestamp     string `json:"timestamp"`      // "15:04:05" for display
	FullTimestamp string `json:"full_timestamp"` // RFC3339 for sorting
	Level         string `json:"level"`          // 3-letter code: INF, WRN, ERR, DBG
	Message       string `json:"message"`
	JobID         string `json:"job_id"`
	Phase         string `json:"phase,omitempty"`
}
