package observe

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// globalTracer installs an in-memory tracer provider for one test.
func globalTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return exp
}

func TestSessionID(t *testing.T) {
	ctx := context.Background()
	if got := SessionID(ctx); got != "" {
		t.Errorf("SessionID(background) = %q", got)
	}
	if got := WithSessionID(ctx, ""); got != ctx {
		t.Error("empty id should return ctx unchanged")
	}
	if got := SessionID(WithSessionID(ctx, "s-1")); got != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got)
	}
}

func TestStartSpan_TagsSession(t *testing.T) {
	exp := globalTracer(t)

	_, plain := StartSpan(context.Background(), "asr.start")
	plain.End()
	_, tagged := StartSpan(WithSessionID(context.Background(), "s-42"), "asr.feed")
	tagged.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if len(spans[0].Attributes) != 0 {
		t.Errorf("untagged span has attributes %v", spans[0].Attributes)
	}
	var id string
	for _, a := range spans[1].Attributes {
		if a.Key == SessionAttr {
			id = a.Value.AsString()
		}
	}
	if id != "s-42" {
		t.Errorf("%s attribute = %q, want s-42", SessionAttr, id)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := globalTracer(t)

	_, ok := StartSpan(context.Background(), "chat.reply")
	EndSpan(ok, nil)
	_, bad := StartSpan(context.Background(), "tts.synthesize")
	EndSpan(bad, errors.New("upstream 503"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("ok span status = %v", spans[0].Status.Code)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "upstream 503" {
		t.Errorf("failed span status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("error was not recorded as a span event")
	}
}

func TestCorrelationID(t *testing.T) {
	globalTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q", got)
	}
	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	cid := CorrelationID(ctx)
	if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("CorrelationID = %q, want 32 hex chars", cid)
	}
}

func TestLogger_Attributes(t *testing.T) {
	globalTracer(t)

	tests := []struct {
		name    string
		ctx     func() (context.Context, func())
		want    []string
		notWant []string
	}{
		{
			name:    "bare",
			ctx:     func() (context.Context, func()) { return context.Background(), func() {} },
			notWant: []string{"trace_id", "span_id", SessionAttr},
		},
		{
			name: "span",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(context.Background(), "x")
				return ctx, func() { span.End() }
			},
			want:    []string{"trace_id=", "span_id="},
			notWant: []string{SessionAttr},
		},
		{
			name: "span and session",
			ctx: func() (context.Context, func()) {
				ctx, span := StartSpan(WithSessionID(context.Background(), "abc"), "x")
				return ctx, func() { span.End() }
			},
			want: []string{"trace_id=", "session_id=abc"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs := captureLogs(t)
			ctx, done := tc.ctx()
			defer done()

			Logger(ctx).Info("session event")
			out := logs.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tc.notWant {
				if bytes.Contains([]byte(out), []byte(nw)) {
					t.Errorf("log %q should not contain %q", out, nw)
				}
			}
		})
	}
}
