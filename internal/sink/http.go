package sink

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stratalog/audit-relay/internal/config"
)

// HTTPSink POSTs payloads to a destination endpoint, signed with
// HMAC-SHA256 so the receiver can verify origin.
type HTTPSink struct {
	httpClient  *http.Client
	destination config.Destination
	logger      *slog.Logger
}

func NewHTTPSink(d config.Destination, logger *slog.Logger) *HTTPSink {
	return &HTTPSink{
		httpClient: &http.Client{
			Timeout: d.Timeout(),
		},
		destination: d,
		logger:      logger,
	}
}

// Deliver sends the payload and classifies the response: 2xx delivered,
// 408/429/5xx transient, any other 4xx permanent. Network errors are
// transient.
func (s *HTTPSink) Deliver(ctx context.Context, payload []byte, idempotencyKey string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.destination.URL, bytes.NewReader(payload))
	if err != nil {
		return Permanent("bad_request", fmt.Sprintf("creating request: %v", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Audit-Idempotency-Key", idempotencyKey)
	if s.destination.SecretKey != "" {
		req.Header.Set("X-Audit-Signature", computeHMAC(payload, s.destination.SecretKey))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Transient("network_error", err.Error())
	}
	defer resp.Body.Close()

	// Bounded read so a misbehaving destination cannot balloon memory.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Delivered()
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(fmt.Sprintf("http_%d", resp.StatusCode), string(body))
	default:
		return Permanent(fmt.Sprintf("http_%d", resp.StatusCode), string(body))
	}
}

// computeHMAC generates an HMAC-SHA256 signature for the payload.
func computeHMAC(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
