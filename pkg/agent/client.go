package agent

import (
	"context"

	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/HKUDS/wxdify/pkg/providers"
	"github.com/HKUDS/wxdify/pkg/session"
	"go.uber.org/zap"
)

// attempt is the retry state of one Converse call. There is no state after
// retriedOnce, so a second invalid-conversation answer cannot loop.
type attempt int

const (
	firstAttempt attempt = iota + 1
	retriedOnce
)

// Result describes a completed Converse call.
type Result struct {
	Text           string
	ConversationID string
	Attempts       int
}

// Client keeps per-chat conversation continuity with the backend.
type Client struct {
	Router   *providers.Router
	Sessions *session.Manager
	Messages config.MessagesConfig
	logger   *zap.Logger
}

// NewClient creates a new Client.
func NewClient(router *providers.Router, sessions *session.Manager, messages config.MessagesConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		Router:   router,
		Sessions: sessions,
		Messages: messages,
		logger:   logger,
	}
}

// Converse sends query on behalf of chatID and returns the text to show the
// user. Backend failures come back as the service-unavailable message with
// the failure appended, never as an error.
func (c *Client) Converse(ctx context.Context, chatID, query string) string {
	res, err := c.ConverseDetailed(ctx, chatID, query)
	if err != nil {
		return c.Messages.ServiceUnavailable + err.Error()
	}
	return res.Text
}

// ConverseDetailed is Converse with the failure returned as an error.
//
// The chat's session lock is held for the whole call, retry included, so a
// concurrent caller cannot observe or overwrite the handle mid-reset. A 404
// for a conversation id we sent clears the id and retries once without it.
// Any other failure leaves the session untouched.
func (c *Client) ConverseDetailed(ctx context.Context, chatID, query string) (Result, error) {
	provider := c.Router.ProviderFor(chatID)

	var res Result
	err := c.Sessions.WithLock(ctx, chatID, func(s *session.Session) error {
		conversationID := s.Handle()
		state := firstAttempt

		for {
			c.logger.Info("sending to dify",
				zap.String("chat", chatID),
				zap.String("conversation_id", conversationID),
				zap.Int("attempt", int(state)))

			resp, err := provider.Chat(ctx, providers.ChatRequest{
				Query:          query,
				ConversationID: conversationID,
				User:           chatID,
			})
			res.Attempts = int(state)

			if err == nil {
				if resp.ConversationID != "" {
					s.SetHandle(resp.ConversationID)
				}
				res.ConversationID = s.Handle()
				res.Text = resp.Answer
				if res.Text == "" {
					res.Text = c.Messages.DefaultReply
				}
				return nil
			}

			if state == firstAttempt && conversationID != "" && providers.IsInvalidConversation(err) {
				c.logger.Warn("conversation id rejected, retrying without it",
					zap.String("chat", chatID),
					zap.String("conversation_id", conversationID))
				s.ClearHandle()
				conversationID = ""
				state = retriedOnce
				continue
			}

			c.logger.Error("dify request failed",
				zap.String("chat", chatID),
				zap.Int("attempt", int(state)),
				zap.Error(err))
			return err
		}
	})
	return res, err
}

// ResetConversation forgets the chat's conversation id so the next message
// starts a new conversation.
func (c *Client) ResetConversation(ctx context.Context, chatID string) error {
	return c.Sessions.WithLock(ctx, chatID, func(s *session.Session) error {
		s.ClearHandle()
		return nil
	})
}
