package service

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	if got := TraceIDFromContext(ctx); got != "" {
		t.Errorf("empty context trace = %q", got)
	}
	if f := TraceField(ctx); f.Type != zapcore.SkipType {
		t.Errorf("field type = %v, want skip", f.Type)
	}

	ctx = WithTraceID(ctx, "req-1")
	if got := TraceIDFromContext(ctx); got != "req-1" {
		t.Errorf("trace = %q", got)
	}
	if f := TraceField(ctx); f.Key != "trace_id" || f.String != "req-1" {
		t.Errorf("field = %+v", f)
	}

	generated := TraceIDFromContext(WithTraceID(context.Background(), ""))
	if len(generated) != 36 {
		t.Errorf("generated trace = %q", generated)
	}
}
