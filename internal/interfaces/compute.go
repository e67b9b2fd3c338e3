package interfaces

import (
	"context"

	"github.com/ternarybob/shadowtwin/internal/models"
)

// DispatchRequest carries everything the compute client needs to build one
// outbound phase request.
type DispatchRequest struct {
	Job *models.Job

	// Source payload for the extract phase. Either inline bytes or a storage
	// reference the Secretary can resolve itself.
	Payload   []byte
	PayloadRef string

	// Markdown input for the template phase
	Markdown string

	CallbackURL   string
	CallbackToken string
}

// ComputeClient dispatches phase work to the external Secretary service.
// Network failures are fatal to the dispatch (the job fails with
// dispatch_failed); retry is a caller-initiated new job.
type ComputeClient interface {
	DispatchExtract(ctx context.Context, req *DispatchRequest) error
	DispatchTransform(ctx context.Context, req *DispatchRequest) error

	// DownloadRawResult fetches the raw OCR payload for reference-only
	// callbacks (Mistral asynchronous variant), keyed by the upstream
	// process ID.
	DownloadRawResult(ctx context.Context, processID string) ([]byte, error)
}
