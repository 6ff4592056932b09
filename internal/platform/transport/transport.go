// Package transport delivers audit entries and consent decisions to the
// remote system of record.
package transport

import (
	"context"
	"fmt"

	"github.com/phimarket/compliance/internal/platform/policy"
)

// Remote paths.
const (
	PathAuditLog   = "/audit/log"
	PathAuditBatch = "/audit/batch"
	PathConsent    = "/user/consent"
)

// Transport posts a JSON body to a remote path. Any error is a delivery
// failure.
type Transport interface {
	Post(ctx context.Context, path string, body any) error
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, path string, body any) error

func (f Func) Post(ctx context.Context, path string, body any) error {
	return f(ctx, path, body)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-2xx response: %d", e.Code)
}

func deliveryError(op string, err error) error {
	return policy.E(policy.KindDelivery, op, err)
}
