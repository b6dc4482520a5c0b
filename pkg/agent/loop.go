package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/classifier"
	"github.com/HKUDS/wxdify/pkg/config"
	"go.uber.org/zap"
)

// Status values reported back to the webhook caller.
const (
	StatusProcessed = "processed"
	StatusIgnored   = "ignored"
	StatusError     = "error"
)

// Outcome is the result of handling one inbound event.
type Outcome struct {
	Status   string
	Decision classifier.Decision
	Reply    string
}

// Relay is the inbound processing engine: classify, ask the backend if
// needed, and quote-reply on the originating chat.
type Relay struct {
	Bus           *bus.MessageBus
	Client        *Client
	Classifier    *classifier.Classifier
	Channel       string
	BotID         string
	ResetKeywords []string
	ResetReply    string
	logger        *zap.Logger
}

// NewRelay creates a new Relay delivering replies on channel.
func NewRelay(messageBus *bus.MessageBus, client *Client, cfg *config.Config, channel string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		Bus:    messageBus,
		Client: client,
		Classifier: classifier.New(classifier.Options{
			BotID:             cfg.BotWxid,
			TriggerKeywords:   cfg.TriggerKeywords,
			EmptyMentionReply: cfg.Messages.EmptyMessageReply,
		}),
		Channel:       channel,
		BotID:         cfg.BotWxid,
		ResetKeywords: cfg.ResetKeywords,
		ResetReply:    cfg.Messages.ResetReply,
		logger:        logger,
	}
}

// Handle processes one inbound event. The returned error is a delivery
// failure; the Outcome is still filled in.
func (r *Relay) Handle(ctx context.Context, ev bus.InboundEvent) (Outcome, error) {
	logger := r.logger.With(
		zap.String("chat", ev.SourceChat),
		zap.Stringer("kind", ev.Kind),
		zap.String("msg_id", ev.MessageID))

	dec := r.Classifier.Classify(ev)
	out := Outcome{Decision: dec}
	logger.Info("classified", zap.Stringer("action", dec.Action), zap.String("reason", dec.Reason))

	switch dec.Action {
	case classifier.Ignore:
		out.Status = StatusIgnored
		return out, nil
	case classifier.DirectReply:
		out.Reply = dec.Text
	case classifier.Forward:
		if r.isResetCommand(dec.Text) {
			if err := r.Client.ResetConversation(ctx, ev.SourceChat); err != nil {
				out.Status = StatusError
				return out, fmt.Errorf("reset conversation: %w", err)
			}
			logger.Info("conversation reset by user")
			out.Reply = r.ResetReply
		} else {
			out.Reply = r.Client.Converse(ctx, ev.SourceChat, dec.Text)
		}
	}

	botID := r.BotID
	if botID == "" {
		botID = ev.BotID
	}

	err := r.Bus.Deliver(ctx, bus.OutboundMessage{
		Channel: r.Channel,
		ChatID:  ev.SourceChat,
		Content: out.Reply,
		ReplyTo: ev.MessageID,
		BotID:   botID,
	})
	if err != nil {
		logger.Error("reply delivery failed", zap.Error(err))
		out.Status = StatusError
		return out, fmt.Errorf("failed to send reply to %s: %w", ev.SourceChat, err)
	}

	out.Status = StatusProcessed
	return out, nil
}

func (r *Relay) isResetCommand(text string) bool {
	text = strings.TrimSpace(text)
	for _, k := range r.ResetKeywords {
		if k != "" && text == k {
			return true
		}
	}
	return false
}
