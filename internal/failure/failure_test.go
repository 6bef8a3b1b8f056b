package failure

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFailureErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := CoordinationUnavailable("id generator", cause)
	if got := err.Error(); got != "coordination_unavailable: id generator: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}
	if !IsRetryable(err) {
		t.Fatal("coordination failures must be retryable")
	}
}

func TestIsFollowsWrappedChain(t *testing.T) {
	err := fmt.Errorf("seckill: %w", Duplicate("buyer 7 voucher 3"))
	if !Is(err, CodeDuplicate) {
		t.Fatal("expected duplicate code")
	}
	if Is(err, CodeCapacityExhausted) {
		t.Fatal("unexpected capacity code")
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatal("plain error must not carry a code")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		Validation("bad id %d", 0):         http.StatusBadRequest,
		CapacityExhausted("sold out"):      http.StatusConflict,
		Duplicate("again"):                 http.StatusConflict,
		NotFound("shop 9"):                 http.StatusNotFound,
		CoordinationUnavailable("x", nil):  http.StatusServiceUnavailable,
		MaterializationAnomaly("no stock"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		var f *Failure
		if !errors.As(err, &f) {
			t.Fatalf("expected Failure, got %T", err)
		}
		if got := f.Status(); got != want {
			t.Fatalf("%v: expected status %d, got %d", err, want, got)
		}
	}
}
