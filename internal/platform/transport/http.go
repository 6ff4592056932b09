package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/phimarket/compliance/internal/platform/auth"
	"github.com/phimarket/compliance/internal/platform/ids"
)

// Request headers set by HTTPTransport.
const (
	HeaderSignature = "X-Compliance-Signature"
	HeaderTimestamp = "X-Compliance-Timestamp"
	HeaderRequestID = "X-Request-ID"
)

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header value ("sha256=<hex>" or bare
// hex) against payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithStaticCredential sets the bearer token used when the request context
// carries no authenticated actor.
func WithStaticCredential(token string) HTTPOption {
	return func(t *HTTPTransport) { t.staticCredential = token }
}

// HTTPTransport POSTs signed JSON to a remote compliance sink.
type HTTPTransport struct {
	baseURL          string
	secret           string
	staticCredential string
	client           *http.Client
	logger           zerolog.Logger
}

func NewHTTPTransport(baseURL, secret string, logger zerolog.Logger, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "transport.http").Logger(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Post sends body to baseURL+path. The actor on ctx supplies the bearer
// credential when authenticated.
func (t *HTTPTransport) Post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return deliveryError("encode body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return deliveryError("build request", err)
	}

	now := time.Now()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, ids.New())
	req.Header.Set(HeaderTimestamp, now.UTC().Format(time.RFC3339))
	if t.secret != "" {
		req.Header.Set(HeaderSignature, "sha256="+SignPayload(payload, t.secret))
	}
	if cred := t.credential(ctx); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return deliveryError("post "+path, err)
	}
	defer resp.Body.Close()

	// Read at most 1KB of response body.
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	t.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(now)).
		Msg("delivery attempt")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return deliveryError("post "+path, &StatusError{Code: resp.StatusCode, Body: string(bodyBytes)})
	}
	return nil
}

func (t *HTTPTransport) credential(ctx context.Context) string {
	if a := auth.ActorFromContext(ctx); a.Authenticated() {
		return a.Credential
	}
	return t.staticCredential
}

// String describes the transport for logs.
func (t *HTTPTransport) String() string {
	return fmt.Sprintf("http(%s)", t.baseURL)
}
