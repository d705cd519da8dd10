package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/emllm/port/internal/shared/id"
)

// HeaderRequestID carries the request id in both directions
const HeaderRequestID = "X-Request-ID"

// Span is one traced host API request
type Span struct {
	RequestID string
	Name      string
	Method    string
	Path      string
	AppID     string
	ClientIP  string
	Status    int
	StartTime time.Time
	Duration  time.Duration
	Error     error
}

// Finish marks the span as complete
func (s *Span) Finish(status int) {
	s.Status = status
	s.Duration = time.Since(s.StartTime)
}

// Tracer logs completed spans off the request path
type Tracer struct {
	logger *zap.Logger
	spans  chan *Span

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a tracer with a bounded span buffer
func New(logger *zap.Logger, buffer int) *Tracer {
	if buffer <= 0 {
		buffer = 1000
	}
	t := &Tracer{
		logger: logger,
		spans:  make(chan *Span, buffer),
		done:   make(chan struct{}),
	}

	go t.collectSpans()

	return t
}

// StartSpan opens a span for requestID, minting one when empty
func (t *Tracer) StartSpan(ctx context.Context, name, requestID string) (*Span, context.Context) {
	if requestID == "" {
		requestID = id.NewRequestID().String()
	}
	span := &Span{
		RequestID: requestID,
		Name:      name,
		StartTime: time.Now(),
	}
	return span, WithRequestID(ctx, requestID)
}

// Submit hands a finished span to the collector. Spans are dropped when the
// buffer is full or the tracer is closed.
func (t *Tracer) Submit(span *Span) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.spans <- span:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("request_id", span.RequestID),
		)
	}
}

// Close stops the collector after flushing buffered spans
func (t *Tracer) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

func (t *Tracer) collectSpans() {
	for {
		select {
		case span := <-t.spans:
			t.processSpan(span)
		case <-t.done:
			for {
				select {
				case span := <-t.spans:
					t.processSpan(span)
				default:
					return
				}
			}
		}
	}
}

func (t *Tracer) processSpan(span *Span) {
	fields := []zap.Field{
		zap.String("request_id", span.RequestID),
		zap.String("route", span.Name),
		zap.String("method", span.Method),
		zap.String("path", span.Path),
		zap.Int("status", span.Status),
		zap.Duration("duration", span.Duration),
	}
	if span.AppID != "" {
		fields = append(fields, zap.String("app_id", span.AppID))
	}
	if span.ClientIP != "" {
		fields = append(fields, zap.String("client_ip", span.ClientIP))
	}

	switch {
	case span.Error != nil || span.Status >= 500:
		if span.Error != nil {
			fields = append(fields, zap.Error(span.Error))
		}
		t.logger.Error("request failed", fields...)
	case span.Status >= 400:
		t.logger.Info("request rejected", fields...)
	default:
		t.logger.Debug("request completed", fields...)
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stores the request id on ctx
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID retrieves the request id from ctx
func RequestID(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}
