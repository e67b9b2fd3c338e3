package secretary

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PreflightPDF validates that the payload is a readable PDF and returns its
// page count. Run before dispatch so an unreadable document fails locally
// instead of burning a Secretary round trip.
func PreflightPDF(payload []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContext(bytes.NewReader(payload), conf)
	if err != nil {
		return 0, fmt.Errorf("pdf preflight failed: %w", err)
	}
	if pdfCtx.PageCount == 0 {
		return 0, fmt.Errorf("pdf preflight failed: document has no pages")
	}
	return pdfCtx.PageCount, nil
}
