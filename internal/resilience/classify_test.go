package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassify_ExplicitWrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		class Class
		want  string
	}{
		{ClassInput, "input"},
		{ClassTransient, "transient"},
		{ClassFatal, "fatal"},
		{ClassProtocol, "protocol"},
		{ClassResource, "resource"},
	}
	for _, tt := range tests {
		err := WithClass(tt.class, base)
		if got := Classify(err); got != tt.class {
			t.Errorf("Classify(%s) = %v, want %v", tt.want, got, tt.class)
		}
		if got := Classify(fmt.Errorf("outer: %w", err)); got != tt.class {
			t.Errorf("Classify(wrapped %s) = %v, want %v", tt.want, got, tt.class)
		}
	}
}

func TestClassify_Structural(t *testing.T) {
	t.Parallel()

	if got := Classify(context.DeadlineExceeded); got != ClassTransient {
		t.Errorf("deadline exceeded = %v, want transient", got)
	}
	if got := Classify(context.Canceled); got != ClassFatal {
		t.Errorf("canceled = %v, want fatal", got)
	}
	if got := Classify(ErrCircuitOpen); got != ClassTransient {
		t.Errorf("circuit open = %v, want transient", got)
	}
	if got := Classify(errors.New("mystery")); got != ClassTransient {
		t.Errorf("unknown error = %v, want transient default", got)
	}
}

func TestWithClass_Nil(t *testing.T) {
	t.Parallel()

	if err := WithClass(ClassFatal, nil); err != nil {
		t.Fatalf("WithClass(nil) = %v, want nil", err)
	}
}

func TestWithClass_Unwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := WithClass(ClassFatal, base)
	if !errors.Is(err, base) {
		t.Fatal("errors.Is should see through the class wrapper")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !Retryable(WithClass(ClassTransient, errors.New("x"))) {
		t.Error("transient should be retryable")
	}
	if Retryable(WithClass(ClassFatal, errors.New("x"))) {
		t.Error("fatal should not be retryable")
	}
	if Retryable(WithClass(ClassResource, errors.New("x"))) {
		t.Error("resource should not be retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	if got := RetryAfter(WithClass(ClassResource, errors.New("full"))); got != time.Second {
		t.Errorf("resource RetryAfter = %v, want 1s", got)
	}
	if got := RetryAfter(WithClass(ClassTransient, errors.New("x"))); got != 0 {
		t.Errorf("transient RetryAfter = %v, want 0", got)
	}
}

func TestClass_String(t *testing.T) {
	t.Parallel()

	if got := Class(99).String(); got != "unknown" {
		t.Errorf("Class(99).String() = %q, want unknown", got)
	}
}
