package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := E(BadSignature, "approval.Submit", errors.New("signature does not verify"))
	wrapped := fmt.Errorf("submit approval: %w", base)

	if got := KindOf(wrapped); got != BadSignature {
		t.Fatalf("kind: got %s, want %s", got, BadSignature)
	}
	if !Is(wrapped, BadSignature) {
		t.Fatal("Is should match wrapped kind")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Fatalf("kind: got %s, want INTERNAL", got)
	}
	if Is(nil, Internal) {
		t.Fatal("nil error should not match any kind")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(InvalidPayload, "coordinator.CreateRequest", "digest length %d, want %d", 31, 32)
	want := "coordinator.CreateRequest: digest length 31, want 32"
	if err.Error() != want {
		t.Fatalf("message: got %q, want %q", err.Error(), want)
	}

	bare := E(NotReady, "", nil)
	if bare.Error() != "NOT_READY" {
		t.Fatalf("bare message: got %q", bare.Error())
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{DeviceUnreachable, DeviceAuth, StorageUnavailable} {
		if !k.Retryable() {
			t.Fatalf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{BadSignature, DeviceRejected, ExecutionAmbiguous, DuplicateApproval} {
		if k.Retryable() {
			t.Fatalf("%s should not be retryable", k)
		}
	}
}

func TestUnwrapReachesSentinel(t *testing.T) {
	sentinel := errors.New("not found")
	err := E(UnknownRequest, "store.GetRequest", sentinel)
	if !errors.Is(err, sentinel) {
		t.Fatal("errors.Is should reach the wrapped sentinel")
	}
}
