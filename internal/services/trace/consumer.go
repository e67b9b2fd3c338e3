// -----------------------------------------------------------------------
// Trace consumer - consumes correlation-tagged log batches from arbor's
// context channel and fans them out to trace storage and the event bus
// -----------------------------------------------------------------------

package trace

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/shadowtwin/internal/interfaces"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// Consumer drains log batches from arbor's context channel. Entries carrying
// a job correlation ID become persisted trace entries; entries at or above
// the event threshold are additionally published for live streaming.
type Consumer struct {
	storage       interfaces.TraceStorage
	eventService  interfaces.EventService
	logger        arbor.ILogger
	channel       chan []arbormodels.LogEvent
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	minEventLevel arbor.LogLevel
}

// NewConsumer creates a new trace consumer
func NewConsumer(storage interfaces.TraceStorage, eventService interfaces.EventService, logger arbor.ILogger, minEventLevel string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		storage:       storage,
		eventService:  eventService,
		logger:        logger,
		channel:       make(chan []arbormodels.LogEvent, 10),
		ctx:           ctx,
		cancel:        cancel,
		minEventLevel: parseLogLevel(minEventLevel),
	}
}

// GetChannel returns the channel for arbor to send log batches to
func (c *Consumer) GetChannel() chan []arbormodels.LogEvent {
	return c.channel
}

// Start launches the consumer goroutine
func (c *Consumer) Start() error {
	c.wg.Add(1)
	go c.consume()
	return nil
}

// Stop gracefully shuts down the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Trace consumer stopped")
	return nil
}

func (c *Consumer) consume() {
	defer c.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Trace consumer panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-c.channel:
			if !ok {
				return
			}

			entriesByJob := make(map[string][]models.TraceEntry)
			for _, event := range batch {
				// HTTP request logs carry correlation IDs for request tracing
				// only; they are not job trace material
				if event.Message == "HTTP request" ||
					strings.Contains(event.Message, "WebSocket client") {
					continue
				}

				entry := transformEvent(event)
				if entry.JobID != "" {
					entriesByJob[entry.JobID] = append(entriesByJob[entry.JobID], entry)
				}

				if c.eventService != nil && c.shouldPublishEvent(event.Level) && entry.JobID != "" {
					c.publishTraceEvent(entry)
				}
			}

			for jobID, entries := range entriesByJob {
				if err := c.storage.AppendEntries(c.ctx, jobID, entries); err != nil {
					c.logger.Warn().
						Err(err).
						Str("job_id", jobID).
						Int("entry_count", len(entries)).
						Msg("Failed to persist trace entries")
				}
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Consumer) shouldPublishEvent(level log.Level) bool {
	return arborlevels.FromLogLevel(level) >= c.minEventLevel
}

func (c *Consumer) publishTraceEvent(entry models.TraceEntry) {
	go func() {
		err := c.eventService.Publish(c.ctx, interfaces.Event{
			Type: interfaces.EventTraceEntry,
			Payload: map[string]interface{}{
				"job_id":    entry.JobID,
				"level":     entry.Level,
				"message":   entry.Message,
				"phase":     entry.Phase,
				"timestamp": entry.Timestamp,
			},
		})
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("job_id", entry.JobID).
				Msg("Failed to publish trace event")
		}
	}()
}

func parseLogLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

func convertTo3Letter(level string) string {
	switch strings.ToUpper(level) {
	case "INFO":
		return "INF"
	case "WARN", "WARNING":
		return "WRN"
	case "ERROR":
		return "ERR"
	case "DEBUG":
		return "DBG"
	default:
		if len(level) == 3 {
			return strings.ToUpper(level)
		}
		return "INF"
	}
}

// transformEvent converts an arbor LogEvent into a TraceEntry. The phase
// field, when present, is lifted out of the structured fields; the rest are
// appended to the message text.
func transformEvent(event arbormodels.LogEvent) models.TraceEntry {
	var phase string
	message := event.Message

	if len(event.Fields) > 0 {
		var extraFields []string
		for key, value := range event.Fields {
			if key == "phase" {
				phase = fmt.Sprintf("%v", value)
				continue
			}
			extraFields = append(extraFields, fmt.Sprintf("%s=%v", key, value))
		}
		for _, field := range extraFields {
			message += " " + field
		}
	}

	return models.TraceEntry{
		Timestamp:     event.Timestamp.Format("15:04:05"),
		FullTimestamp: event.Timestamp.Format(time.RFC3339),
		Level:         convertTo3Letter(event.Level.String()),
		Message:       message,
		JobID:         event.CorrelationID,
		Phase:         phase,
	}
}
