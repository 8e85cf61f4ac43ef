package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/httputil"
)

// MockTransport implements Transport and records every call in order.
type MockTransport struct {
	PostJSONFunc func(ctx context.Context, url string, body []byte) (int, []byte, error)
	Calls        []string
	Bodies       [][]byte
}

func (m *MockTransport) PostJSON(ctx context.Context, url string, body []byte) (int, []byte, error) {
	m.Calls = append(m.Calls, url)
	m.Bodies = append(m.Bodies, body)
	if m.PostJSONFunc != nil {
		return m.PostJSONFunc(ctx, url, body)
	}
	return http.StatusOK, completionBody("ok"), nil
}

type response struct {
	status int
	body   []byte
	err    error
}

// routeTransport answers per URL; unknown URLs get a 404.
func routeTransport(routes map[string]response) *MockTransport {
	return &MockTransport{
		PostJSONFunc: func(ctx context.Context, url string, body []byte) (int, []byte, error) {
			r, ok := routes[url]
			if !ok {
				return http.StatusNotFound, []byte("not found"), nil
			}
			return r.status, r.body, r.err
		},
	}
}

func completionBody(content string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return data
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

var defaultCfg = endpoint.Config{Host: "localhost", Port: "12434", Model: "ai/smollm2"}

const (
	enginesURL = "http://localhost:12434/engines/llama.cpp/v1/chat/completions"
	v1URL      = "http://localhost:12434/v1/chat/completions"
	bareURL    = "http://localhost:12434/chat/completions"
	ollamaURL  = "http://localhost:12434/api/chat"
)

func TestDispatch_PrimarySuccessShortCircuits(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {status: 200, body: completionBody("  hello there \n")},
	})

	res, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Content != "hello there" {
		t.Errorf("Content = %q, want %q", res.Content, "hello there")
	}
	if res.Endpoint != enginesURL {
		t.Errorf("Endpoint = %q, want %q", res.Endpoint, enginesURL)
	}
	if len(transport.Calls) != 1 {
		t.Errorf("calls = %d, want 1", len(transport.Calls))
	}
}

func TestDispatch_ConnectionErrorThenSecondAlternativeWins(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {err: refused()},
		v1URL:      {status: 200, body: completionBody("  from v1  ")},
		bareURL:    {status: 200, body: completionBody("should not be reached")},
	})

	res, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Content != "from v1" {
		t.Errorf("Content = %q, want %q", res.Content, "from v1")
	}

	want := []string{enginesURL, v1URL}
	if fmt.Sprint(transport.Calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", transport.Calls, want)
	}

	if len(res.Attempts) != 2 || res.Attempts[0].Kind != KindConnection {
		t.Errorf("attempts = %+v", res.Attempts)
	}
}

func TestDispatch_AllEndpointsNon200(t *testing.T) {
	statuses := map[string]int{
		enginesURL: 404,
		v1URL:      500,
		bareURL:    502,
		ollamaURL:  503,
	}
	routes := make(map[string]response)
	for u, s := range statuses {
		routes[u] = response{status: s, body: []byte(fmt.Sprintf("error %d", s))}
	}
	transport := routeTransport(routes)

	res, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)
	if res != nil {
		t.Fatalf("expected no result, got %+v", res)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %v", err)
	}
	if !errors.Is(err, domain.ErrAllEndpointsFailed) {
		t.Error("ExhaustedError should unwrap to ErrAllEndpointsFailed")
	}

	byEndpoint := exhausted.ByEndpoint()
	if len(byEndpoint) != 4 {
		t.Fatalf("recorded endpoints = %d, want 4", len(byEndpoint))
	}
	for u, want := range statuses {
		a, ok := byEndpoint[u]
		if !ok {
			t.Errorf("missing attempt for %s", u)
			continue
		}
		if a.Kind != KindHTTPError {
			t.Errorf("%s kind = %s, want http_error", u, a.Kind)
		}
		if a.StatusCode != want {
			t.Errorf("%s status = %d, want %d", u, a.StatusCode, want)
		}
	}

	if len(transport.Calls) != 4 {
		t.Errorf("calls = %d, want 4", len(transport.Calls))
	}
}

func TestDispatch_PrimaryNoChoicesFallsThrough(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {status: 200, body: []byte(`{"choices":[]}`)},
		v1URL:      {status: 200, body: completionBody("second")},
	})

	res, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "second" {
		t.Errorf("Content = %q, want second", res.Content)
	}
	if res.Attempts[0].Kind != KindExtraction {
		t.Errorf("primary kind = %s, want extraction_error", res.Attempts[0].Kind)
	}
}

func TestDispatch_PrimaryUnexpectedErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	transport := routeTransport(map[string]response{
		enginesURL: {err: boom},
		v1URL:      {status: 200, body: completionBody("never")},
	})

	_, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)

	var unexpected *UnexpectedError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected *UnexpectedError, got %v", err)
	}
	if !errors.Is(err, domain.ErrUnexpected) {
		t.Error("expected errors.Is(err, ErrUnexpected)")
	}
	if !errors.Is(err, boom) {
		t.Error("expected the transport error to be reachable")
	}
	if len(transport.Calls) != 1 {
		t.Errorf("calls = %d, want 1 (no alternatives on unexpected error)", len(transport.Calls))
	}
}

func TestDispatch_PrimaryInvalidJSONIsUnexpected(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {status: 200, body: []byte("<html>proxy error</html>")},
	})

	_, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)

	var unexpected *UnexpectedError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected *UnexpectedError, got %v", err)
	}
	if unexpected.Attempt.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", unexpected.Attempt.StatusCode)
	}
}

func TestDispatch_FallbackOnUnexpectedOption(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {err: errors.New("boom")},
		v1URL:      {status: 200, body: completionBody("recovered")},
	})

	res, err := New(transport, WithFallbackOnUnexpected(true)).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "recovered" {
		t.Errorf("Content = %q, want recovered", res.Content)
	}
}

func TestDispatch_AlternativeUnexpectedErrorIsRecorded(t *testing.T) {
	transport := routeTransport(map[string]response{
		enginesURL: {status: 500},
		v1URL:      {err: errors.New("weird")},
		bareURL:    {status: 200, body: completionBody("third time")},
	})

	res, err := New(transport).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Content != "third time" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Attempts[1].Kind != KindUnexpected {
		t.Errorf("second attempt kind = %s, want unexpected", res.Attempts[1].Kind)
	}
}

func TestDispatch_BaseURLIsTriedFirstThenAllAlternatives(t *testing.T) {
	cfg := defaultCfg
	cfg.BaseURL = "http://gpu:8080/v1/chat/completions"

	transport := routeTransport(map[string]response{
		cfg.BaseURL: {err: refused()},
	})

	_, err := New(transport).Dispatch(context.Background(), "hi", cfg)

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *ExhaustedError, got %v", err)
	}

	want := []string{cfg.BaseURL, enginesURL, v1URL, bareURL, ollamaURL}
	if fmt.Sprint(transport.Calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", transport.Calls, want)
	}
}

func TestDispatch_TimeoutFallsThrough(t *testing.T) {
	transport := &MockTransport{
		PostJSONFunc: func(ctx context.Context, url string, body []byte) (int, []byte, error) {
			if url == enginesURL {
				<-ctx.Done()
				return 0, nil, ctx.Err()
			}
			return 200, completionBody("fast"), nil
		},
	}

	res, err := New(transport, WithTimeout(20*time.Millisecond)).Dispatch(context.Background(), "hi", defaultCfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts[0].Kind != KindTimeout {
		t.Errorf("primary kind = %s, want timeout", res.Attempts[0].Kind)
	}
	if res.Content != "fast" {
		t.Errorf("Content = %q, want fast", res.Content)
	}
}

func TestDispatch_SamePayloadForEveryAttempt(t *testing.T) {
	transport := routeTransport(map[string]response{})

	New(transport).Dispatch(context.Background(), "Explain goroutines", defaultCfg)

	if len(transport.Bodies) != 4 {
		t.Fatalf("bodies = %d, want 4", len(transport.Bodies))
	}
	for i, b := range transport.Bodies[1:] {
		if string(b) != string(transport.Bodies[0]) {
			t.Errorf("attempt %d sent a different payload", i+1)
		}
	}

	var p domain.ChatPayload
	if err := json.Unmarshal(transport.Bodies[0], &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.Model != "ai/smollm2" || len(p.Messages) != 2 || p.Messages[1].Content != "Explain goroutines" {
		t.Errorf("payload = %+v", p)
	}
	if p.MaxTokens != 2000 || p.Stream {
		t.Errorf("payload generation params = %+v", p)
	}
}

func TestDispatch_NotConfigured(t *testing.T) {
	tr := &MockTransport{}

	_, err := New(tr).Dispatch(context.Background(), "hi", endpoint.Config{Model: "m"})
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(tr.Calls) != 0 {
		t.Errorf("expected no calls, got %d", len(tr.Calls))
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(&MockTransport{})
	if d.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v, want 30s", d.Timeout())
	}

	d = New(&MockTransport{}, WithTimeout(0))
	if d.Timeout() != 30*time.Second {
		t.Errorf("zero WithTimeout should keep default, got %v", d.Timeout())
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", &url.Error{Op: "Post", URL: "http://x", Err: context.DeadlineExceeded}, KindTimeout},
		{"refused", refused(), KindConnection},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"dns", &url.Error{Op: "Post", URL: "http://nohost", Err: &net.DNSError{Err: "no such host", Name: "nohost"}}, KindConnection},
		{"eof", &url.Error{Op: "Post", URL: "http://x", Err: io.EOF}, KindConnection},
		{"bad scheme", &url.Error{Op: "Post", URL: "ftp://x", Err: errors.New("unsupported protocol scheme \"ftp\"")}, KindUnexpected},
		{"canceled", context.Canceled, KindUnexpected},
		{"other", errors.New("boom"), KindUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.expected)
			}
		})
	}
}

func TestDispatch_OverHTTP(t *testing.T) {
	var mu sync.Mutex
	var hits []string
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionBody("\n answer \n"))
	}))
	defer live.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL + "/v1/chat/completions"
	dead.Close()

	u, _ := url.Parse(live.URL)
	cfg := endpoint.Config{BaseURL: deadURL, Host: u.Hostname(), Port: u.Port(), Model: "m"}

	d := New(httputil.NewClientWith(live.Client()), WithTimeout(2*time.Second))
	res, err := d.Dispatch(context.Background(), "hi", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Content != "answer" {
		t.Errorf("Content = %q, want answer", res.Content)
	}
	if res.Attempts[0].Kind != KindConnection {
		t.Errorf("dead primary kind = %s, want connection_error", res.Attempts[0].Kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(hits) != fmt.Sprint([]string{"/engines/llama.cpp/v1/chat/completions", "/v1/chat/completions"}) {
		t.Errorf("server hits = %v", hits)
	}
}
