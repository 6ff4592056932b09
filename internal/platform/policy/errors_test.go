package policy

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_IsMatchesByKind(t *testing.T) {
	err := E(KindDecryption, "decrypt", errors.New("message authentication failed"))
	wrapped := fmt.Errorf("consent details: %w", err)

	if !errors.Is(wrapped, ErrDecryption) {
		t.Fatal("expected wrapped error to match ErrDecryption")
	}
	if errors.Is(wrapped, ErrEncryption) {
		t.Fatal("decryption error must not match ErrEncryption")
	}
}

func TestError_Message(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindValidation}, "VALIDATION_ERROR"},
		{&Error{Kind: KindValidation, Op: "consent"}, "consent: VALIDATION_ERROR"},
		{&Error{Kind: KindDelivery, Err: errors.New("boom")}, "DELIVERY_ERROR: boom"},
		{&Error{Kind: KindDelivery, Op: "post", Err: errors.New("boom")}, "post: DELIVERY_ERROR: boom"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Error("expected empty kind for nil error")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("expected unknown kind for unclassified error")
	}
	if KindOf(fmt.Errorf("x: %w", E(KindAbandon, "retry", nil))) != KindAbandon {
		t.Error("expected abandon kind through wrapping")
	}
}

func TestDefaultPolicy(t *testing.T) {
	if !Default.Recoverable(E(KindDelivery, "post", nil)) {
		t.Error("delivery errors must be recoverable")
	}
	if Default.Recoverable(E(KindDecryption, "decrypt", nil)) {
		t.Error("decryption errors must fail closed")
	}
	if Default.Disposition(E(KindAbandon, "retry", nil)) != Logged {
		t.Error("abandon must be logged, not thrown")
	}
	if Default.Disposition(errors.New("unclassified")) != Fatal {
		t.Error("unclassified errors default to fatal")
	}
	if Default.Recoverable(nil) {
		t.Error("nil error is not recoverable")
	}
}

func TestHTTPStatus(t *testing.T) {
	if HTTPStatus(E(KindValidation, "", nil)) != http.StatusBadRequest {
		t.Error("validation -> 400")
	}
	if HTTPStatus(E(KindDecryption, "", nil)) != http.StatusUnprocessableEntity {
		t.Error("decryption -> 422")
	}
	if HTTPStatus(errors.New("x")) != http.StatusInternalServerError {
		t.Error("unknown -> 500")
	}
}
