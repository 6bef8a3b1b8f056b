package metricsutil

import (
	"context"
	"errors"
	"testing"
)

func TestResultLabel(t *testing.T) {
	if got := ResultLabel(nil); got != "success" {
		t.Fatalf("ResultLabel(nil)=%q", got)
	}
	if got := ResultLabel(errors.New("boom")); got != "error" {
		t.Fatalf("ResultLabel(err)=%q", got)
	}
}

func TestContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Context(ctx).Err(); err != nil {
		t.Fatalf("expected detached context, got %v", err)
	}
	if Context(nil) == nil {
		t.Fatalf("expected background context for nil input")
	}
}
