package domain

import "errors"

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrMessageRequired    = errors.New("message is required and must be a string")
	ErrMessageTooLong     = errors.New("message too long")
	ErrNoChoices          = errors.New("no choices")
	ErrAllEndpointsFailed = errors.New("all endpoints failed")
	ErrUnexpected         = errors.New("unexpected dispatch error")
	ErrNotConfigured      = errors.New("llm endpoint not configured")
)
