package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("probe chain: %w", Wrap(CodeChainFailure, cause, "connect failed"))

	if got := CodeOf(err); got != CodeChainFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("cause lost in chain")
	}
	if !RetryableError(err) {
		t.Fatalf("chain failures should be retryable")
	}
}

func TestIsComparesCodes(t *testing.T) {
	a := New(CodeNotFound, "request 1 not found")
	b := New(CodeNotFound, "request 2 not found")
	if !stdErrors.Is(a, b) {
		t.Fatalf("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeValidation, "")) {
		t.Fatalf("errors with different codes should not match")
	}
}

func TestPublicMessages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", New(CodeRejected, ""), "Rejected"},
		{"cancelled", New(CodeCancelled, ""), "Cancelled"},
		{"authorization", New(CodeAuthorization, "The source dapp.example is not allowed to interact with this extension"), "The source dapp.example is not allowed to interact with this extension"},
		{"internal", Wrap(CodeStorageFailure, stdErrors.New("disk full"), "persist"), "[STORAGE_FAILURE] persist: disk full"},
		{"plain", stdErrors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Public(tc.err); got != tc.want {
				t.Fatalf("Public() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDefaultMessageFromRegistry(t *testing.T) {
	err := New(CodeTimeout, "")
	if err.Message() != "operation timed out" {
		t.Fatalf("unexpected default message: %s", err.Message())
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}
}
