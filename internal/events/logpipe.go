package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
	"github.com/bifrosthq/bifrost/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Pub/sub echo limits. Durable appends are never throttled; only the
// per-line channel publish is, so a chatty script cannot flood subscribers.
const (
	logPublishRate  = rate.Limit(20)
	logPublishBurst = 50
)

// LogPipe assigns monotonically increasing sequence numbers and writes log
// rows for a single execution. One pipe exists per running execution,
// inside the worker that owns it.
type LogPipe struct {
	logRepo     *repositories.ExecutionLogRepository
	publisher   *Publisher
	executionID uuid.UUID
	redact      func(string) string

	seq        atomic.Int64
	errorCount atomic.Int64
	limiter    *rate.Limiter

	mu         sync.Mutex
	suppressed *Event
}

func NewLogPipe(logRepo *repositories.ExecutionLogRepository, publisher *Publisher, executionID uuid.UUID, redact func(string) string) *LogPipe {
	if redact == nil {
		redact = func(s string) string { return s }
	}
	return &LogPipe{
		logRepo:     logRepo,
		publisher:   publisher,
		executionID: executionID,
		redact:      redact,
		limiter:     rate.NewLimiter(logPublishRate, logPublishBurst),
	}
}

// Append persists one log line and echoes it on the update channel. The
// durable write is unconditional; the echo is dropped under pressure and
// the newest dropped line is replayed by Flush.
func (p *LogPipe) Append(ctx context.Context, level, message string, metadata map[string]interface{}) (int64, error) {
	seq := p.seq.Add(1)
	message = p.redact(message)

	if level == models.LogLevelError {
		p.errorCount.Add(1)
	}

	row := &models.ExecutionLog{
		ExecutionID: p.executionID,
		Sequence:    seq,
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		Metadata:    metadata,
	}
	if _, err := p.logRepo.Append(ctx, row); err != nil {
		return seq, err
	}
	metrics.LogRowsTotal.Inc()

	event := &Event{
		Type:     TypeLog,
		Sequence: seq,
		Level:    level,
		Message:  message,
		Metadata: metadata,
	}

	if !p.limiter.Allow() {
		metrics.LogPublishSuppressedTotal.Inc()
		p.mu.Lock()
		p.suppressed = event
		p.mu.Unlock()
		return seq, nil
	}

	if err := p.publisher.Publish(ctx, p.executionID, event); err != nil {
		log.Debug().Err(err).Str("execution_id", p.executionID.String()).Msg("log event publish failed")
	}
	return seq, nil
}

// Flush replays the newest suppressed log event, if any. Called once at
// terminal write so subscribers see the tail of a throttled stream.
func (p *LogPipe) Flush(ctx context.Context) {
	p.mu.Lock()
	event := p.suppressed
	p.suppressed = nil
	p.mu.Unlock()

	if event == nil {
		return
	}
	if err := p.publisher.Publish(ctx, p.executionID, event); err != nil {
		log.Debug().Err(err).Str("execution_id", p.executionID.String()).Msg("log event flush failed")
	}
}

// Sequence returns the last assigned sequence number.
func (p *LogPipe) Sequence() int64 {
	return p.seq.Load()
}

// ErrorCount returns how many error-level lines the execution emitted.
func (p *LogPipe) ErrorCount() int64 {
	return p.errorCount.Load()
}
