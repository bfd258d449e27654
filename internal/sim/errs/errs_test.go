package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeUnwraps(t *testing.T) {
	err := fmt.Errorf("fetch wine: %w", ErrInsufficientStock)
	if got := Code(err); got != CodeInsufficientStock {
		t.Fatalf("expected %s, got %s", CodeInsufficientStock, got)
	}
	if got := Code(errors.New("boom")); got != CodeInternal {
		t.Fatalf("expected internal, got %s", got)
	}
	if got := Code(nil); got != "" {
		t.Fatalf("expected empty code for nil, got %q", got)
	}
}

func TestFatal(t *testing.T) {
	if Fatal(fmt.Errorf("deliver: %w", ErrCapacityExceeded)) {
		t.Fatalf("capacity truncation must not be fatal")
	}
	if !Fatal(ErrInsufficientFunds) {
		t.Fatalf("insufficient funds must be fatal")
	}
	if Fatal(nil) {
		t.Fatalf("nil is not fatal")
	}
}
