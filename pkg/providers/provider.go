package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ChatRequest is one blocking chat turn sent to the backend.
type ChatRequest struct {
	Query          string
	ConversationID string // empty starts a new conversation
	User           string
}

// ChatResponse is the backend's answer to a ChatRequest.
type ChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
}

// ChatProvider is the interface for conversational backends.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsInvalidConversation reports whether err means the conversation id sent
// with the request is no longer known upstream.
func IsInvalidConversation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
