package logging

import (
	"context"
	"testing"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	for _, debug := range []bool{true, false} {
		logger := NewLogger(debug)
		if logger == nil {
			t.Fatal("logger cannot be nil")
		}
		if got := logger.Desugar().Name(); got != "parlor" {
			t.Errorf("expected logger named parlor, got %q", got)
		}
	}
}

func TestDefaultLoggerIsSingleton(t *testing.T) {
	t.Parallel()

	logger1 := DefaultLogger()
	if logger1 == nil {
		t.Fatal("logger cannot be nil")
	}
	if logger2 := DefaultLogger(); logger1 != logger2 {
		t.Errorf("expected %#v got %#v", logger1, logger2)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	if FromContext(context.Background()) != DefaultLogger() {
		t.Error("empty context should fall back to the default logger")
	}

	named := NewLogger(true).Named("test")
	ctx := WithLogger(context.Background(), named)
	if got := FromContext(ctx); got != named {
		t.Errorf("expected %#v got %#v", named, got)
	}
}
