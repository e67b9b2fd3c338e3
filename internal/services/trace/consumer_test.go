package trace

import (
	"strings"
	"testing"
	"time"

	"github.com/phuslu/log"
	arbormodels "github.com/ternarybob/arbor/models"
)

func TestTransformEventLiftsPhaseField(t *testing.T) {
	event := arbormodels.LogEvent{
		Timestamp:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Level:         log.InfoLevel,
		Message:       "Phase dispatched",
		CorrelationID: "job_abc",
		Fields: map[string]interface{}{
			"phase":    "extract",
			"endpoint": "/api/extract/pdf",
		},
	}

	entry := transformEvent(event)

	if entry.JobID != "job_abc" {
		t.Errorf("unexpected job ID: %q", entry.JobID)
	}
	if entry.Phase != "extract" {
		t.Errorf("phase field should be lifted out: %q", entry.Phase)
	}
	if !strings.Contains(entry.Message, "endpoint=/api/extract/pdf") {
		t.Errorf("extra fields should append to the message: %q", entry.Message)
	}
	if strings.Contains(entry.Message, "phase=") {
		t.Errorf("phase must not repeat in the message: %q", entry.Message)
	}
	if entry.Timestamp != "09:30:00" {
		t.Errorf("unexpected display timestamp: %q", entry.Timestamp)
	}
	if entry.Level != "INF" {
		t.Errorf("unexpected level code: %q", entry.Level)
	}
}

func TestConvertTo3Letter(t *testing.T) {
	cases := map[string]string{
		"info":    "INF",
		"WARNING": "WRN",
		"error":   "ERR",
		"debug":   "DBG",
		"trc":     "TRC",
		"unknown": "INF",
	}
	for in, want := range cases {
		if got := convertTo3Letter(in); got != want {
			t.Errorf("convertTo3Letter(%q) = %q, want %q", in, got, want)
		}
	}
}
