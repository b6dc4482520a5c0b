package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DifyProvider talks to a Dify chat app through its blocking chat-messages API.
type DifyProvider struct {
	APIURL string
	APIKey string
	client *http.Client
}

// NewDifyProvider creates a new DifyProvider. timeout bounds each request.
func NewDifyProvider(apiURL, apiKey string, timeout time.Duration) *DifyProvider {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &DifyProvider{
		APIURL: apiURL,
		APIKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type difyRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	ConversationID string                 `json:"conversation_id"`
	User           string                 `json:"user"`
}

// Chat sends one blocking chat message.
func (p *DifyProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	jsonBody, err := json.Marshal(difyRequest{
		Inputs:         map[string]interface{}{},
		Query:          req.Query,
		ResponseMode:   "blocking",
		ConversationID: req.ConversationID,
		User:           req.User,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.APIKey))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		var detail struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(bodyBytes, &detail) == nil {
			apiErr.Code = detail.Code
			apiErr.Message = detail.Message
		}
		return nil, apiErr
	}

	var response ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}
