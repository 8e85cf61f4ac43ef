// Package payload builds the completion request bodies sent to inference
// endpoints, both for user messages and for connectivity checks.
package payload

import "github.com/felipepmaragno/llm-chat-proxy/internal/domain"

// SystemPrompt is prepended to every user message.
const SystemPrompt = "You are a helpful assistant. Please provide structured responses using markdown formatting."

// Sampling settings for user messages.
const (
	// ChatMaxTokens caps the length of a generated answer.
	ChatMaxTokens = 2000
	// ChatTemperature is the sampling temperature for answers.
	ChatTemperature = 0.7
)

// Settings for connectivity checks, kept as small and deterministic as the
// completion API allows.
const (
	// ProbeMaxTokens caps the reply to a connectivity check.
	ProbeMaxTokens = 5
	// ProbeTemperature makes connectivity checks deterministic.
	ProbeTemperature = 0.0
	// ProbeMessage is the only message sent by a connectivity check.
	ProbeMessage = "test"
)

// Chat builds the request body for a real user message.
func Chat(message, model string) domain.ChatPayload {
	return domain.ChatPayload{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: SystemPrompt},
			{Role: domain.RoleUser, Content: message},
		},
		Stream:      false,
		MaxTokens:   ChatMaxTokens,
		Temperature: ChatTemperature,
	}
}

// Probe builds the cheapest request that still exercises the completion path.
func Probe(model string) domain.ChatPayload {
	return domain.ChatPayload{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: ProbeMessage},
		},
		Stream:      false,
		MaxTokens:   ProbeMaxTokens,
		Temperature: ProbeTemperature,
	}
}
