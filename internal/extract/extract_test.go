package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestExtract_Success(t *testing.T) {
	got, err := Extract(200, []byte(`{"choices":[{"message":{"content":"  hi  "}}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hi" {
		t.Errorf("Extract() = %q, want %q", got, "hi")
	}
}

func TestExtract_KeepsInnerFormatting(t *testing.T) {
	body := `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"\n# Title\n\n- a\n- b\n"}},{"message":{"content":"second"}}]}`

	got, err := Extract(200, []byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "# Title\n\n- a\n- b" {
		t.Errorf("Extract() = %q", got)
	}
}

func TestExtract_NoChoices(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty choices", `{"choices":[]}`},
		{"missing choices", `{"message":{"role":"assistant","content":"ollama style"}}`},
		{"null choices", `{"choices":null}`},
		{"choices not an array", `{"choices":"nope"}`},
		{"choice without message", `{"choices":[{"text":"legacy"}]}`},
		{"message without content", `{"choices":[{"message":{"role":"assistant"}}]}`},
		{"content not a string", `{"choices":[{"message":{"content":42}}]}`},
		{"top level array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(200, []byte(tt.body))
			if !errors.Is(err, ErrNoChoices) {
				t.Errorf("Extract() error = %v, want ErrNoChoices", err)
			}
		})
	}
}

func TestExtract_HTTPError(t *testing.T) {
	body := strings.Repeat("x", 800)

	_, err := Extract(404, []byte(body))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", httpErr.StatusCode)
	}
	if len(httpErr.Body) != MaxBodySnippet {
		t.Errorf("len(Body) = %d, want %d", len(httpErr.Body), MaxBodySnippet)
	}
}

func TestExtract_NonOKWithValidChoicesIsStillAnError(t *testing.T) {
	_, err := Extract(500, []byte(`{"choices":[{"message":{"content":"hi"}}]}`))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
}

func TestExtract_DecodeError(t *testing.T) {
	_, err := Extract(200, []byte("<html>not json</html>"))

	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
	if errors.Is(err, ErrNoChoices) {
		t.Error("decode error should not be reported as ErrNoChoices")
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		n        int
		expected string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"truncated", "abcdef", 3, "abc"},
		{"multibyte", "héllo wörld", 4, "héll"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Snippet([]byte(tt.body), tt.n); got != tt.expected {
				t.Errorf("Snippet() = %q, want %q", got, tt.expected)
			}
		})
	}
}
