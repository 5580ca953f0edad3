package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/posync/backend/internal/errors"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTenantID       = "X-Tenant-ID"
	HeaderReplayed       = "Idempotent-Replayed"

	DefaultPath    = "/api/v1/transactions"
	DefaultTimeout = 15 * time.Second

	maxErrorBody = 4 << 10
)

// HTTPConfig holds HTTP endpoint configuration.
type HTTPConfig struct {
	BaseURL string
	Path    string        // default: /api/v1/transactions
	APIKey  string        // sent as a bearer token when set
	Timeout time.Duration // per request, default: 15 seconds
}

// HTTPEndpoint delivers transactions with POST {BaseURL}{Path}.
type HTTPEndpoint struct {
	url    string
	apiKey string
	http   *http.Client
}

// NewHTTPEndpoint creates an HTTPEndpoint.
func NewHTTPEndpoint(config HTTPConfig) (*HTTPEndpoint, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New(errors.ErrConfig, "remote base URL is empty")
	}
	path := config.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPEndpoint{
		url:    baseURL + path,
		apiKey: config.APIKey,
		http:   &http.Client{Timeout: timeout},
	}, nil
}

type createResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
}

func (r createResponse) remoteID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.TransactionID
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateTransaction posts the payload and classifies the response.
func (e *HTTPEndpoint) CreateTransaction(ctx context.Context, d Delivery) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(d.Payload))
	if err != nil {
		return Receipt{}, errors.Terminal("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderIdempotencyKey, d.IdempotencyKey)
	if d.TenantID != "" {
		req.Header.Set(HeaderTenantID, d.TenantID)
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return Receipt{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// the backend applied it; an unreadable body only loses the remote id
		var parsed createResponse
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		return Receipt{RemoteID: parsed.remoteID()}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classifyResponse(resp.StatusCode, resp.Header, body)
}

func classifyTransport(err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Retryable("request timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Retryable("request cancelled", err)
	}
	return errors.Retryable("network error", err)
}

func classifyResponse(status int, header http.Header, body []byte) (Receipt, error) {
	switch {
	case status == http.StatusConflict:
		var parsed createResponse
		_ = json.Unmarshal(body, &parsed)
		replayed, _ := strconv.ParseBool(header.Get(HeaderReplayed))
		if replayed || parsed.remoteID() != "" {
			return Receipt{RemoteID: parsed.remoteID(), Replayed: true}, nil
		}
		return Receipt{}, errors.Terminal(statusMessage(status, body), nil)

	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return Receipt{}, errors.Retryable(statusMessage(status, body), nil)

	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Receipt{}, errors.Terminal(statusMessage(status, body),
			errors.New(errors.ErrSyncAuthFail, "backend rejected credentials"))

	case status >= 400:
		return Receipt{}, errors.Terminal(statusMessage(status, body), nil)
	}

	return Receipt{}, fmt.Errorf("unexpected status %d", status)
}

func statusMessage(status int, body []byte) string {
	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return fmt.Sprintf("%d %s", status, parsed.Message)
		}
		if parsed.Error != "" {
			return fmt.Sprintf("%d %s", status, parsed.Error)
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return fmt.Sprintf("%d %s", status, text)
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}
