package offlinequeue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ordermesh/edgesync/pkg/opstore"
	"github.com/pkg/errors"
)

// IdempotencyHeader carries the operation id so the server can drop replays.
const IdempotencyHeader = "Idempotency-Key"

const maxResponseBody = 1 << 20

// Response is the part of a server reply the queue cares about.
type Response struct {
	StatusCode int
	Body       []byte
}

// Sender delivers one operation. A nil error means the server accepted it.
type Sender interface {
	Send(ctx context.Context, op opstore.Operation) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op opstore.Operation) (*Response, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, op opstore.Operation) (*Response, error) {
	return f(ctx, op)
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the status indicates a server-side or
// throttling condition worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// HTTPSender replays the stored method, URL, body and headers verbatim.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender builds a sender; a nil client gets a 30s timeout default.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{client: client}
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, op opstore.Operation) (*Response, error) {
	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, op.TargetURL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build request for %s", op.ID)
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get(IdempotencyHeader) == "" {
		req.Header.Set(IdempotencyHeader, op.ID)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", op.Method, op.TargetURL)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	out := &Response{StatusCode: resp.StatusCode, Body: payload}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &StatusError{StatusCode: resp.StatusCode, Body: snippet(payload)}
	}
	return out, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
