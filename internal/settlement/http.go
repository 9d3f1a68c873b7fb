package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPBridge talks to the settlement relayer over JSON.
type HTTPBridge struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPBridge creates a bridge for the relayer at baseURL.
func NewHTTPBridge(baseURL, token string, timeout time.Duration) *HTTPBridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBridge{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type relayerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit posts the outcome. The contest id doubles as the idempotency key,
// so a resubmission after a lost response cannot settle twice.
func (b *HTTPBridge) Submit(ctx context.Context, req Request) (Receipt, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, PermanentFailure("encode", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/v1/settlements", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, PermanentFailure("request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ContestID)
	if b.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.Token)
	}

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return Receipt{}, classifyTransport(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var receipt Receipt
		if err := json.Unmarshal(raw, &receipt); err != nil || receipt.TxRef == "" {
			return Receipt{}, TransientFailure("bad_response", fmt.Errorf("relayer returned %d without txRef", resp.StatusCode))
		}
		return receipt, nil
	case resp.StatusCode == http.StatusConflict:
		return Receipt{}, TransientFailure(reasonFrom(raw, "nonce_contention"), statusError(resp.StatusCode, raw))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Receipt{}, TransientFailure(reasonFrom(raw, "relayer_unavailable"), statusError(resp.StatusCode, raw))
	default:
		return Receipt{}, PermanentFailure(reasonFrom(raw, "rejected"), statusError(resp.StatusCode, raw))
	}
}

func classifyTransport(err error) *Failure {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return TransientFailure("timeout", err)
	}
	return TransientFailure("network", err)
}

func reasonFrom(raw []byte, fallback string) string {
	var re relayerError
	if json.Unmarshal(raw, &re) == nil && re.Code != "" {
		return re.Code
	}
	return fallback
}

func statusError(code int, raw []byte) error {
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("relayer status %d: %s", code, msg)
}
