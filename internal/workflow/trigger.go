// Package workflow starts the external automation that fetches and processes
// a user's mail once it holds their authorization code.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const maxResponseBody = 1 << 20

// UpstreamError is returned when the webhook answers with a non-2xx status.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("failed to start workflow: webhook returned %d", e.StatusCode)
}

// Request is the webhook payload.
type Request struct {
	Code  string `json:"code"`
	Email string `json:"email,omitempty"`
}

// Response is what could be learned from the webhook's answer.
type Response struct {
	StatusCode int
	// Email is the user_email (or email) the workflow echoed back, if any.
	Email string
}

// Trigger posts authorization codes to the automation webhook.
type Trigger struct {
	url    string
	client *http.Client
}

// NewTrigger creates a trigger for the given webhook URL
func NewTrigger(webhookURL string, timeout time.Duration) *Trigger {
	return &Trigger{
		url: webhookURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// NewTriggerWithClient is NewTrigger with a caller-supplied HTTP client.
func NewTriggerWithClient(webhookURL string, client *http.Client) *Trigger {
	return &Trigger{url: webhookURL, client: client}
}

// Start posts {code, email?} once. Non-2xx answers are returned as
// *UpstreamError and are not retried.
func (t *Trigger) Start(ctx context.Context, req Request) (*Response, error) {
	log := logger.From(ctx)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call workflow webhook: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		log.Warn("workflow webhook rejected request", zap.Int("status_code", res.StatusCode))
		return nil, &UpstreamError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	out := &Response{StatusCode: res.StatusCode, Email: emailFromBody(raw)}
	log.Info("✓ workflow triggered", zap.Int("status_code", res.StatusCode), logger.UserEmail(out.Email))
	return out, nil
}

// emailFromBody finds the user's address in whatever JSON the automation host
// returns: an object, or an array of items as some webhook nodes produce.
func emailFromBody(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		return ""
	}
	doc := gjson.ParseBytes(raw)
	if doc.IsArray() {
		doc = doc.Get("0")
	}
	for _, path := range []string{"user_email", "email", "json.user_email", "data.user_email"} {
		if v := doc.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
