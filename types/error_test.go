package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrPersistence, "save checkpoint").
		WithCause(root).
		WithHTTPStatus(500).
		WithRetryable(true)

	if GetErrorCode(err) != ErrPersistence {
		t.Fatalf("expected code %s, got %s", ErrPersistence, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got != "[PERSISTENCE_FAILURE] save checkpoint: root" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestError_WrappedClassification(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("advance: %w", NewNotFoundError("workflow", "wf-1"))
	if !IsNotFound(wrapped) {
		t.Fatalf("expected wrapped NOT_FOUND to classify")
	}
	if IsErrorCode(errors.New("plain"), ErrNotFound) {
		t.Fatalf("plain error must not classify")
	}
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidRequest, http.StatusBadRequest},
		{ErrWorkflowLeased, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrBudgetExceeded, http.StatusPaymentRequired},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatusFor(tt.code); got != tt.want {
			t.Errorf("HTTPStatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
