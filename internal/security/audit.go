package security

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/llm-relay/internal/types"
)

// AuditEventType classifies routing audit events.
type AuditEventType string

const (
	RequestRouted    AuditEventType = "request_routed"
	RequestFailed    AuditEventType = "request_failed"
	RequestRejected  AuditEventType = "request_rejected"
	FallbackUsed     AuditEventType = "fallback_used"
	RaceCompleted    AuditEventType = "race_completed"
	MetricsResetDone AuditEventType = "metrics_reset"
)

// AuditEvent is a single entry in the routing audit trail.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	Subject   string                 `json:"subject,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Endpoint  string                 `json:"endpoint,omitempty"`
	Strategy  string                 `json:"strategy,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuditTrail records routing decisions and rejections asynchronously.
// Events are buffered and flushed to the structured log by a background
// worker so the request path never blocks on audit output.
type AuditTrail struct {
	config   *AuditConfig
	logger   *logrus.Logger
	buffer   chan *AuditEvent
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.RWMutex
	count   int64
	dropped int64
	stopped bool
}

// NewAuditTrail creates an audit trail and starts its flush worker when
// auditing is enabled.
func NewAuditTrail(config *AuditConfig, logger *logrus.Logger) *AuditTrail {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	trail := &AuditTrail{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		trail.wg.Add(1)
		go trail.worker()
	}

	return trail
}

// Record queues an audit event. Events are dropped, with a counter, when
// the buffer is full.
func (a *AuditTrail) Record(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	enabled := a.config.Enabled && !a.stopped
	a.mu.RUnlock()
	if !enabled {
		return
	}

	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   details,
	}
	if info := AuthInfoFromContext(ctx); info != nil {
		event.Subject = info.Subject
	}

	select {
	case a.buffer <- event:
		a.mu.Lock()
		a.count++
		a.mu.Unlock()
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// RecordRouting logs the outcome of a routing attempt.
func (a *AuditTrail) RecordRouting(ctx context.Context, req *types.ChatRequest, result *types.RoutingResult) {
	details := map[string]interface{}{
		"request_id":  req.ID,
		"endpoint":    result.Decision.Endpoint,
		"strategy":    result.Decision.Strategy,
		"attempts":    len(result.Attempts),
		"duration_ms": result.Duration.Milliseconds(),
	}

	eventType := RequestRouted
	message := "request routed"
	if result.Decision.FallbackTriggered {
		eventType = FallbackUsed
		message = "request routed after fallback"
	}

	a.Record(ctx, eventType, message, details)
}

// RecordRejection logs a request turned away before reaching any endpoint.
func (a *AuditTrail) RecordRejection(ctx context.Context, req *types.ChatRequest, reason string) {
	a.Record(ctx, RequestRejected, "request rejected", map[string]interface{}{
		"request_id": req.ID,
		"reason":     reason,
	})
}

// EventCount returns the number of events accepted so far.
func (a *AuditTrail) EventCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Stop drains and stops the flush worker.
func (a *AuditTrail) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	// Drain without closing: a late Record must never hit a closed channel.
	for {
		select {
		case event := <-a.buffer:
			a.write(event)
		default:
			return
		}
	}
}

func (a *AuditTrail) worker() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]*AuditEvent, 0, 64)

	for {
		select {
		case event := <-a.buffer:
			pending = append(pending, event)
			if len(pending) >= 64 {
				a.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				a.flush(pending)
				pending = pending[:0]
			}
		case <-a.stopChan:
			if len(pending) > 0 {
				a.flush(pending)
			}
			return
		}
	}
}

func (a *AuditTrail) flush(events []*AuditEvent) {
	for _, event := range events {
		a.write(event)
	}
}

func (a *AuditTrail) write(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_id":    event.ID,
		"event_type":  event.EventType,
		"timestamp":   event.Timestamp,
	}
	if event.Subject != "" {
		fields["subject"] = event.Subject
	}
	for key, value := range event.Details {
		fields[key] = value
	}

	entry := a.logger.WithFields(fields)
	switch event.EventType {
	case RequestFailed:
		entry.Warn(event.Message)
	case RequestRejected:
		entry.Info(event.Message)
	default:
		entry.Info(event.Message)
	}
}
