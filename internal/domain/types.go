package domain

import "time"

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// MaxMessageLength is the upper bound on an inbound chat message, in characters.
const MaxMessageLength = 4000

// ModelInfoCommand returns the configured model instead of calling the server.
const ModelInfoCommand = "!modelinfo"

// ChatPayload is the body POSTed to an inference endpoint.
// Temperature is always serialized so that a probe sends an explicit 0.
type ChatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound browser request.
type ChatRequest struct {
	Message string `json:"message"`
}

type ChatResponse struct {
	Response string `json:"response"`
}

type ModelInfoResponse struct {
	Model string `json:"model"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	LLMAPI    string `json:"llm_api"`
	Timestamp string `json:"timestamp"`
}

// Dispatch outcomes recorded in the audit log.
const (
	OutcomeSuccess    = "success"
	OutcomeExhausted  = "exhausted"
	OutcomeUnexpected = "unexpected"
)

// DispatchRecord is one audit log row: a single non-cached chat dispatch.
type DispatchRecord struct {
	ID                 string    `json:"id"`
	RequestID          string    `json:"request_id"`
	Model              string    `json:"model"`
	Endpoint           string    `json:"endpoint,omitempty"`
	Outcome            string    `json:"outcome"`
	Attempts           int       `json:"attempts"`
	AttemptedEndpoints []string  `json:"attempted_endpoints"`
	LatencyMs          int64     `json:"latency_ms"`
	CreatedAt          time.Time `json:"created_at"`
}
