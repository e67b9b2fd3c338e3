// -----------------------------------------------------------------------
// Secretary client - outbound dispatch to the external compute service
// -----------------------------------------------------------------------

package secretary

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/common"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// Client implements the ComputeClient interface against the Secretary HTTP
// API. A dispatch failure is terminal for the job; the client never retries
// on its own because the Secretary may already be processing the first
// attempt.
type Client struct {
	config     *common.SecretaryConfig
	httpClient *http.Client
	logger     arbor.ILogger
}

// NewClient creates a new Secretary client
func NewClient(config *common.SecretaryConfig, logger arbor.ILogger) interfaces.ComputeClient {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger: logger,
	}
}

// DispatchExtract submits the source document for extraction. The body is
// multipart: the payload (inline file or storage reference), the phase
// options, and the callback coordinates the Secretary reports back to.
func (c *Client) DispatchExtract(ctx context.Context, req *interfaces.DispatchRequest) error {
	endpoint := c.endpointFor(req.Job.JobType)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if len(req.Payload) > 0 {
		part, err := writer.CreateFormFile("file", req.Job.Correlation.FileName)
		if err != nil {
			return fmt.Errorf("failed to create multipart file part: %w", err)
		}
		if _, err := part.Write(req.Payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	} else if req.PayloadRef != "" {
		if err := writer.WriteField("file_ref", req.PayloadRef); err != nil {
			return fmt.Errorf("failed to write payload reference: %w", err)
		}
	} else {
		return fmt.Errorf("dispatch requires a payload or a payload reference")
	}

	fields := map[string]string{
		"job_id":            req.Job.ID,
		"mime_type":         req.Job.Correlation.MimeType,
		"file_name":         req.Job.Correlation.FileName,
		"target_language":   req.Job.Correlation.TargetLanguage,
		"extraction_method": req.Job.Correlation.ExtractionMethod,
		"include_images":    strconv.FormatBool(req.Job.Correlation.IncludeImages),
		"include_pages":     strconv.FormatBool(req.Job.Correlation.IncludePages),
		"callback_url":      req.CallbackURL,
		"callback_token":    req.CallbackToken,
	}
	if req.Job.Correlation.PageCount > 0 {
		fields["page_count"] = strconv.Itoa(req.Job.Correlation.PageCount)
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return c.post(ctx, endpoint, writer.FormDataContentType(), &body, req.Job.ID)
}

// DispatchTransform submits extracted markdown for template transformation
func (c *Client) DispatchTransform(ctx context.Context, req *interfaces.DispatchRequest) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("markdown", req.Job.Correlation.FileName+".md")
	if err != nil {
		return fmt.Errorf("failed to create multipart markdown part: %w", err)
	}
	if _, err := io.WriteString(part, req.Markdown); err != nil {
		return fmt.Errorf("failed to write markdown: %w", err)
	}

	fields := map[string]string{
		"job_id":          req.Job.ID,
		"template_name":   req.Job.Parameters.TemplateName,
		"target_language": req.Job.Correlation.TargetLanguage,
		"callback_url":    req.CallbackURL,
		"callback_token":  req.CallbackToken,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	return c.post(ctx, "/api/transform", writer.FormDataContentType(), &body, req.Job.ID)
}

// DownloadRawResult fetches the raw OCR payload for a reference-only callback
func (c *Client) DownloadRawResult(ctx context.Context, processID string) ([]byte, error) {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/api/results/" + processID + "/raw"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("raw result download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("raw result download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw result body: %w", err)
	}

	c.logger.Debug().
		Str("process_id", processID).
		Int("bytes", len(data)).
		Msg("Raw OCR result downloaded")

	return data, nil
}

func (c *Client) endpointFor(jobType models.JobType) string {
	switch jobType {
	case models.JobTypeAudio:
		return "/api/transcribe/audio"
	case models.JobTypeVideo:
		return "/api/transcribe/video"
	default:
		return "/api/extract/pdf"
	}
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body io.Reader, jobID string) error {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + endpoint

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch returned status %d: %s", resp.StatusCode, string(snippet))
	}

	c.logger.Info().
		Str("job_id", jobID).
		Str("endpoint", endpoint).
		Msg("Phase dispatched to Secretary")

	return nil
}
