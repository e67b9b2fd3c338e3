package models

import "time"

// BatchStatus is the aggregate state of a batch
type BatchStatus string

const (
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Batch groups related jobs. Its lifecycle is independent of individual jobs;
// counters are updated by aggregation when member jobs reach terminal states.
type Batch struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	LibraryID     string      `json:"library_id"`
	TotalJobs     int         `json:"total_jobs"`
	CompletedJobs int         `json:"completed_jobs"`
	FailedJobs    int         `json:"failed_jobs"`
	Status        BatchStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Settle recomputes the aggregate status from the counters
func (b *Batch) Settle() {
	done := b.CompletedJobs + b.FailedJobs
	if b.TotalJobs > 0 && done >= b.TotalJobs {
		if b.FailedJobs > 0 {
			b.Status = BatchStatusFailed
		} else {
			b.Status = BatchStatusCompleted
		}
	} else {
		b.Status = BatchStatusRunning
	}
}
