package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type recordingSpan struct {
	noop.Span
	errs   []error
	status codes.Code
	ended  bool
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

func (s *recordingSpan) SetStatus(code codes.Code, _ string) {
	s.status = code
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.ended = true
}

func TestEnd(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		span := &recordingSpan{}
		End(span, nil)
		assert.True(t, span.ended)
		assert.Empty(t, span.errs)
		assert.Equal(t, codes.Unset, span.status)
	})

	t.Run("error", func(t *testing.T) {
		span := &recordingSpan{}
		boom := errors.New("boom")
		End(span, boom)
		assert.True(t, span.ended)
		assert.Equal(t, []error{boom}, span.errs)
		assert.Equal(t, codes.Error, span.status)
	})
}

func TestStartSpans(t *testing.T) {
	starts := map[string]func(context.Context) (context.Context, trace.Span){
		"session": func(ctx context.Context) (context.Context, trace.Span) {
			return StartSessionSpan(ctx, "initialize", "s1")
		},
		"task": func(ctx context.Context) (context.Context, trace.Span) {
			return StartTaskSpan(ctx, "submit", "s1", "t1")
		},
		"agent": func(ctx context.Context) (context.Context, trace.Span) {
			return StartAgentSpan(ctx, "failure", "s1", "a1")
		},
	}

	for name, start := range starts {
		t.Run(name, func(t *testing.T) {
			ctx, span := start(context.Background())
			assert.NotNil(t, span)
			assert.Equal(t, span, trace.SpanFromContext(ctx))
			End(span, nil)
		})
	}
}
