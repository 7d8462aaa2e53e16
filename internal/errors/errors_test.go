package errors

import (
	"errors"
	"testing"
	"time"
)

func TestNewEngramError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := New(NotFound, "memory.Get", underlying).WithProject("abc123").WithPath("decision-1")

	if err.Kind != NotFound {
		t.Errorf("Expected Kind to be NotFound, got %v", err.Kind)
	}
	if err.ProjectHash != "abc123" {
		t.Errorf("Expected ProjectHash to be abc123, got %s", err.ProjectHash)
	}
	if err.Path != "decision-1" {
		t.Errorf("Expected Path to be decision-1, got %s", err.Path)
	}
	if err.Op != "memory.Get" {
		t.Errorf("Expected Op to be memory.Get, got %s", err.Op)
	}
	if !errors.Is(err, underlying) {
		t.Errorf("Expected error to unwrap to underlying error")
	}

	expectedMsg := "NotFound: memory.Get failed for project abc123 path decision-1: underlying error"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message %q, got %q", expectedMsg, err.Error())
	}
}

func TestEngramErrorMessageVariants(t *testing.T) {
	underlying := errors.New("boom")

	pathOnly := New(StorageUnavailable, "layout.atomicWrite", underlying).WithPath("/tmp/x")
	if pathOnly.Error() != "StorageUnavailable: layout.atomicWrite failed for /tmp/x: boom" {
		t.Errorf("unexpected message: %q", pathOnly.Error())
	}

	projectOnly := New(Conflict, "memory.Patch", underlying).WithProject("deadbeef")
	if projectOnly.Error() != "Conflict: memory.Patch failed for project deadbeef: boom" {
		t.Errorf("unexpected message: %q", projectOnly.Error())
	}

	bare := New(Internal, "scanner.FullScan", underlying)
	if bare.Error() != "Internal: scanner.FullScan failed: boom" {
		t.Errorf("unexpected message: %q", bare.Error())
	}
}

func TestWithRecoverable(t *testing.T) {
	err := New(Internal, "scanner.ScanFile", errors.New("parse failed")).WithRecoverable(true)
	if !err.IsRecoverable() {
		t.Errorf("Expected error to be marked recoverable")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Errorf("Expected empty Kind for nil error")
	}

	wrapped := New(Timeout, "server.GetContext", errors.New("deadline"))
	if KindOf(wrapped) != Timeout {
		t.Errorf("Expected Timeout, got %v", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != Internal {
		t.Errorf("Expected plain errors to default to Internal")
	}
}

func TestAsUnwrapsChain(t *testing.T) {
	inner := New(NotInitialized, "projectstore.Get", nil)
	outer := errWrap{inner}

	var target *EngramError
	if !As(outer, &target) {
		t.Fatalf("expected As to find the wrapped EngramError")
	}
	if target.Kind != NotInitialized {
		t.Errorf("Expected NotInitialized, got %v", target.Kind)
	}
}

type errWrap struct{ err error }

func (e errWrap) Error() string { return e.err.Error() }
func (e errWrap) Unwrap() error { return e.err }

func TestMultiError(t *testing.T) {
	err1 := errors.New("error 1")
	err2 := errors.New("error 2")
	err3 := errors.New("error 3")

	multiErr := NewMultiError([]error{err1, err2, err3})
	if len(multiErr.Errors) != 3 {
		t.Errorf("Expected 3 errors, got %d", len(multiErr.Errors))
	}

	errMsg := multiErr.Error()
	if len(errMsg) < 10 || errMsg[:10] != "3 errors: " {
		t.Errorf("Expected message to start with '3 errors: ', got %q", errMsg)
	}

	singleErr := NewMultiError([]error{err1})
	if singleErr.Error() != "error 1" {
		t.Errorf("Expected 'error 1', got %q", singleErr.Error())
	}

	emptyErr := NewMultiError([]error{})
	if emptyErr != nil {
		t.Errorf("Expected nil MultiError when every input is filtered out")
	}

	nilFiltered := NewMultiError([]error{err1, nil, err2, nil})
	if len(nilFiltered.Errors) != 2 {
		t.Errorf("Expected 2 errors after filtering nil, got %d", len(nilFiltered.Errors))
	}

	unwrapped := multiErr.Unwrap()
	if len(unwrapped) != 3 {
		t.Errorf("Expected 3 unwrapped errors, got %d", len(unwrapped))
	}
}

func TestTimestamp(t *testing.T) {
	err := New(Internal, "test", errors.New("test"))
	if err.Timestamp.IsZero() {
		t.Errorf("Expected non-zero timestamp")
	}

	now := time.Now()
	if err.Timestamp.After(now) || now.Sub(err.Timestamp) > time.Second {
		t.Errorf("Timestamp seems incorrect: %v", err.Timestamp)
	}
}

func BenchmarkNew(b *testing.B) {
	underlying := errors.New("underlying error")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		err := New(Internal, "test operation", underlying).WithPath("/path/to/file").WithRecoverable(true)
		_ = err.Error()
	}
}
