package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/extract"
)

// Kind tags the outcome of a single call to a single endpoint.
type Kind string

const (
	KindSuccess    Kind = "success"
	KindHTTPError  Kind = "http_error"
	KindExtraction Kind = "extraction_error"
	KindConnection Kind = "connection_error"
	KindTimeout    Kind = "timeout"
	KindUnexpected Kind = "unexpected"
)

// Transport performs the outbound POST. httputil.Client satisfies it.
type Transport interface {
	PostJSON(ctx context.Context, url string, body []byte) (int, []byte, error)
}

// Attempt is the immutable record of one call to one endpoint.
type Attempt struct {
	Endpoint   string        `json:"endpoint"`
	Kind       Kind          `json:"kind"`
	StatusCode int           `json:"status_code,omitempty"`
	Body       string        `json:"body,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Content    string        `json:"-"`
	Latency    time.Duration `json:"latency"`
	Err        error         `json:"-"`
}

func (a Attempt) OK() bool {
	return a.Kind == KindSuccess
}

// Recoverable reports whether the failure belongs to a class that moves the
// dispatcher on to the next endpoint.
func (a Attempt) Recoverable() bool {
	switch a.Kind {
	case KindHTTPError, KindExtraction, KindConnection, KindTimeout:
		return true
	}
	return false
}

// Try posts body to url under its own timeout and classifies the result.
func Try(ctx context.Context, t Transport, url string, body []byte, timeout time.Duration) Attempt {
	start := time.Now()

	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, respBody, err := t.PostJSON(attemptCtx, url, body)
	a := Attempt{
		Endpoint:   url,
		StatusCode: status,
	}

	if err != nil {
		a.Kind = Classify(err)
		a.Detail = err.Error()
		a.Err = err
		a.Latency = time.Since(start)
		return a
	}

	content, err := extract.Extract(status, respBody)
	a.Latency = time.Since(start)

	var httpErr *extract.HTTPError
	var decodeErr *extract.DecodeError
	switch {
	case err == nil:
		a.Kind = KindSuccess
		a.Content = content
	case errors.As(err, &httpErr):
		a.Kind = KindHTTPError
		a.Body = httpErr.Body
		a.Detail = err.Error()
		a.Err = err
	case errors.Is(err, extract.ErrNoChoices):
		a.Kind = KindExtraction
		a.Body = extract.Snippet(respBody, extract.MaxBodySnippet)
		a.Detail = err.Error()
		a.Err = err
	case errors.As(err, &decodeErr):
		a.Kind = KindUnexpected
		a.Body = decodeErr.Body
		a.Detail = err.Error()
		a.Err = err
	default:
		a.Kind = KindUnexpected
		a.Detail = err.Error()
		a.Err = err
	}

	return a
}

// Classify maps a transport error onto timeout, connection or unexpected.
func Classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}

	return KindUnexpected
}
