// -----------------------------------------------------------------------
// Callback body parsing - one explicit tagged result at the boundary.
// Downstream logic switches on ParsedCallbackBody, never on raw JSON.
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
)

// Callback phase markers sent by the Secretary service
const (
	CallbackPhaseTemplateCompleted = "template_completed"
	CallbackStatusCompleted        = "completed"
)

// CallbackKind is the classification of one webhook body
type CallbackKind string

const (
	CallbackKindProgress CallbackKind = "progress"
	CallbackKindError    CallbackKind = "error"
	CallbackKindFinal    CallbackKind = "final"
)

// rawCallback mirrors the wire shape of a Secretary webhook. Every field is
// optional; the service varies the body per phase and per processing backend.
type rawCallback struct {
	Phase    string          `json:"phase,omitempty"`
	Status   string          `json:"status,omitempty"`
	Progress *float64        `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Error    string          `json:"error,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Process  *struct {
		ID string `json:"id"`
	} `json:"process,omitempty"`
	CallbackToken string `json:"callback_token,omitempty"`
}

type rawCallbackData struct {
	ExtractedText    string                 `json:"extracted_text,omitempty"`
	ImagesArchiveURL string                 `json:"images_archive_url,omitempty"`
	ImagesArchive    string                 `json:"images_archive_data,omitempty"` // base64
	PagesArchiveURL  string                 `json:"pages_archive_url,omitempty"`
	PagesArchive     string                 `json:"pages_archive_data,omitempty"` // base64
	MistralOCRRawURL string                 `json:"mistral_ocr_raw_url,omitempty"`
	MistralOCRRaw    json.RawMessage        `json:"mistral_ocr_raw,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ParsedCallbackBody is the single tagged result of classifying one webhook
// body. The two booleans are computed exactly once here.
type ParsedCallbackBody struct {
	Kind CallbackKind `json:"kind"`

	Phase    string   `json:"phase,omitempty"`
	Status   string   `json:"status,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`

	ErrorMessage string `json:"error,omitempty"`

	ExtractedText    string                 `json:"extracted_text,omitempty"`
	ImagesArchiveURL string                 `json:"images_archive_url,omitempty"`
	ImagesArchive    string                 `json:"images_archive_data,omitempty"`
	PagesArchiveURL  string                 `json:"pages_archive_url,omitempty"`
	PagesArchive     string                 `json:"pages_archive_data,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	// Mistral-OCR asynchronous variant: the webhook carries only a reference;
	// the raw payload must be downloaded keyed by ProcessID.
	MistralOCRRawURL string `json:"mistral_ocr_raw_url,omitempty"`
	MistralOCRRaw    []byte `json:"-"`
	ProcessID        string `json:"process_id,omitempty"`

	CallbackToken string `json:"-"`

	HasFinalPayload bool `json:"has_final_payload"`
	HasError        bool `json:"has_error"`
}

// ParseCallbackBody classifies an arbitrary webhook body into a
// ParsedCallbackBody. Classification precedence (first match wins):
// explicit error field -> error; extracted text, any archive field,
// status=completed or phase=template_completed -> final payload;
// otherwise -> progress-only.
func ParseCallbackBody(body []byte) (*ParsedCallbackBody, error) {
	var raw rawCallback
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse callback body: %w", err)
	}

	parsed := &ParsedCallbackBody{
		Phase:         raw.Phase,
		Status:        raw.Status,
		Progress:      raw.Progress,
		Message:       raw.Message,
		ErrorMessage:  raw.Error,
		CallbackToken: raw.CallbackToken,
	}
	if raw.Process != nil {
		parsed.ProcessID = raw.Process.ID
	}

	if len(raw.Data) > 0 {
		var data rawCallbackData
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse callback data: %w", err)
		}
		parsed.ExtractedText = data.ExtractedText
		parsed.ImagesArchiveURL = data.ImagesArchiveURL
		parsed.ImagesArchive = data.ImagesArchive
		parsed.PagesArchiveURL = data.PagesArchiveURL
		parsed.PagesArchive = data.PagesArchive
		parsed.MistralOCRRawURL = data.MistralOCRRawURL
		parsed.MistralOCRRaw = data.MistralOCRRaw
		parsed.Metadata = data.Metadata
	}

	parsed.HasError = parsed.ErrorMessage != ""
	parsed.HasFinalPayload = parsed.ExtractedText != "" ||
		parsed.ImagesArchiveURL != "" || parsed.ImagesArchive != "" ||
		parsed.PagesArchiveURL != "" || parsed.PagesArchive != "" ||
		parsed.MistralOCRRawURL != "" || len(parsed.MistralOCRRaw) > 0 ||
		len(parsed.Metadata) > 0 ||
		parsed.Status == CallbackStatusCompleted ||
		parsed.Phase == CallbackPhaseTemplateCompleted

	switch {
	case parsed.HasError:
		parsed.Kind = CallbackKindError
	case parsed.HasFinalPayload:
		parsed.Kind = CallbackKindFinal
	default:
		parsed.Kind = CallbackKindProgress
	}

	return parsed, nil
}

// IsReferenceOnly reports whether the final payload carries only a Mistral OCR
// reference that still needs a follow-up download.
func (p *ParsedCallbackBody) IsReferenceOnly() bool {
	return p.Kind == CallbackKindFinal &&
		p.ExtractedText == "" &&
		len(p.Metadata) == 0 &&
		len(p.MistralOCRRaw) == 0 &&
		p.MistralOCRRawURL != ""
}
