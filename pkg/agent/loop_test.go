package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/classifier"
	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/HKUDS/wxdify/pkg/providers"
	"github.com/HKUDS/wxdify/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type relayFixture struct {
	relay    *Relay
	provider *fakeProvider
	sessions *session.Manager
	sent     []bus.OutboundMessage
	sendErr  error
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BotWxid = "wxid_bot"
	cfg.TriggerKeywords = []string{"@AI"}
	cfg.Messages.EmptyMessageReply = "say something"
	cfg.Messages.ResetReply = "fresh start"

	f := &relayFixture{provider: &fakeProvider{}}
	var err error
	f.sessions, err = session.NewManager()
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	client := NewClient(providers.NewStaticRouter(f.provider), f.sessions, cfg.Messages, logger)

	b := bus.NewMessageBus()
	b.SubscribeOutbound("wechat", func(_ context.Context, msg bus.OutboundMessage) error {
		f.sent = append(f.sent, msg)
		return f.sendErr
	})
	f.relay = NewRelay(b, client, cfg, "wechat", logger)
	return f
}

func TestRelay_ForwardsAndQuotesReply(t *testing.T) {
	f := newRelayFixture(t)
	f.provider.script = []step{{resp: &providers.ChatResponse{Answer: "pong", ConversationID: "c1"}}}

	out, err := f.relay.Handle(context.Background(), bus.InboundEvent{
		Kind:        bus.ChatGroup,
		BotID:       "wxid_other_bot",
		SourceChat:  "123@chatroom",
		MessageID:   "m-1",
		Text:        "@Bot ping",
		Mentioned:   []string{"wxid_bot"},
		ContentKind: bus.ContentText,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, out.Status)
	assert.Equal(t, classifier.Forward, out.Decision.Action)

	require.Len(t, f.provider.calls(), 1)
	assert.Equal(t, "ping", f.provider.calls()[0].Query)
	assert.Equal(t, "123@chatroom", f.provider.calls()[0].User)

	require.Len(t, f.sent, 1)
	assert.Equal(t, bus.OutboundMessage{
		Channel: "wechat",
		ChatID:  "123@chatroom",
		Content: "pong",
		ReplyTo: "m-1",
		BotID:   "wxid_bot", // configured id wins over the callback's
	}, f.sent[0])
}

func TestRelay_DirectReplySkipsBackend(t *testing.T) {
	f := newRelayFixture(t)

	out, err := f.relay.Handle(context.Background(), bus.InboundEvent{
		Kind:        bus.ChatGroup,
		SourceChat:  "123@chatroom",
		Text:        "@Bot",
		Mentioned:   []string{"wxid_bot"},
		ContentKind: bus.ContentText,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, out.Status)
	assert.Empty(t, f.provider.calls())
	require.Len(t, f.sent, 1)
	assert.Equal(t, "say something", f.sent[0].Content)
}

func TestRelay_Ignored(t *testing.T) {
	f := newRelayFixture(t)

	out, err := f.relay.Handle(context.Background(), bus.InboundEvent{
		Kind:        bus.ChatGroup,
		SourceChat:  "123@chatroom",
		Text:        "just chatting",
		ContentKind: bus.ContentText,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, out.Status)
	assert.Empty(t, f.provider.calls())
	assert.Empty(t, f.sent)
}

func TestRelay_ResetKeywordClearsConversation(t *testing.T) {
	f := newRelayFixture(t)
	f.sessions.SetHandle("wxid_friend", "c1")

	out, err := f.relay.Handle(context.Background(), bus.InboundEvent{
		Kind:        bus.ChatPrivate,
		SourceChat:  "wxid_friend",
		Text:        " 新话题 ",
		ContentKind: bus.ContentText,
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh start", out.Reply)
	assert.Empty(t, f.provider.calls())

	_, ok := f.sessions.Handle("wxid_friend")
	assert.False(t, ok)
}

func TestRelay_DeliveryFailure(t *testing.T) {
	f := newRelayFixture(t)
	f.sendErr = errors.New("code 500")

	out, err := f.relay.Handle(context.Background(), bus.InboundEvent{
		Kind:        bus.ChatPrivate,
		SourceChat:  "wxid_friend",
		Text:        "hi",
		ContentKind: bus.ContentText,
	})
	require.Error(t, err)
	assert.Equal(t, StatusError, out.Status)
	assert.Equal(t, "ok", out.Reply)
}
