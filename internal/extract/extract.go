// Package extract turns a raw inference server response into completion text.
package extract

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
)

// MaxBodySnippet bounds how much of a failed response body is kept for diagnostics.
const MaxBodySnippet = 500

// ErrNoChoices is returned for a 200 response without a usable choices array.
var ErrNoChoices = domain.ErrNoChoices

// HTTPError reports a non-200 upstream status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// DecodeError reports a 200 response whose body is not JSON at all.
type DecodeError struct {
	Body string
}

func (e *DecodeError) Error() string {
	return "decode response: body is not valid JSON"
}

type choice struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
}

// Extract returns the trimmed content of the first choice.
func Extract(status int, body []byte) (string, error) {
	if status != http.StatusOK {
		return "", &HTTPError{StatusCode: status, Body: Snippet(body, MaxBodySnippet)}
	}

	if !json.Valid(body) {
		return "", &DecodeError{Body: Snippet(body, MaxBodySnippet)}
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("%w: response is not an object", ErrNoChoices)
	}

	raw, ok := envelope["choices"]
	if !ok || string(raw) == "null" {
		return "", ErrNoChoices
	}

	var choices []choice
	if err := json.Unmarshal(raw, &choices); err != nil {
		return "", fmt.Errorf("%w: malformed choices", ErrNoChoices)
	}
	if len(choices) == 0 {
		return "", ErrNoChoices
	}

	first := choices[0]
	if first.Message == nil || first.Message.Content == nil {
		return "", fmt.Errorf("%w: first choice has no message content", ErrNoChoices)
	}

	return strings.TrimSpace(*first.Message.Content), nil
}

// Snippet returns at most n characters of body.
func Snippet(body []byte, n int) string {
	s := string(body)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
