package channels

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HKUDS/wxdify/pkg/agent"
	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/HKUDS/wxdify/pkg/providers"
	"github.com/HKUDS/wxdify/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type handlerFunc func(ctx context.Context, ev bus.InboundEvent) (agent.Outcome, error)

func (f handlerFunc) Handle(ctx context.Context, ev bus.InboundEvent) (agent.Outcome, error) {
	return f(ctx, ev)
}

func newTestServer(t *testing.T, h InboundHandler) *Server {
	return NewServer(ServerOptions{
		Addr:          "127.0.0.1:0",
		BotConfigured: true,
		Handler:       h,
		Stats:         func() Stats { return Stats{Sessions: 3, Conversations: 1, Jobs: 2} },
		Logger:        zaptest.NewLogger(t),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

const groupCallback = `{"event":10008,"wxid":"wxid_bot","data":{"data":{
	"msg":"@Bot hi","msgType":1,"msgSource":0,"fromWxid":"1@chatroom","msgId":"9","atWxidList":["wxid_bot"]}}}`

func TestServer_Verification(t *testing.T) {
	srv := newTestServer(t, nil)
	code, body := do(t, srv.Handler(), http.MethodGet, "/wechat/callback", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["status"])
}

func TestServer_CallbackDispatch(t *testing.T) {
	var got bus.InboundEvent
	srv := newTestServer(t, handlerFunc(func(_ context.Context, ev bus.InboundEvent) (agent.Outcome, error) {
		got = ev
		return agent.Outcome{Status: agent.StatusProcessed}, nil
	}))

	code, body := do(t, srv.Handler(), http.MethodPost, "/wechat/callback", groupCallback)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, "1@chatroom", got.SourceChat)
	assert.Equal(t, "9", got.MessageID)
}

func TestServer_CallbackStatuses(t *testing.T) {
	srv := newTestServer(t, handlerFunc(func(context.Context, bus.InboundEvent) (agent.Outcome, error) {
		return agent.Outcome{Status: agent.StatusError}, errors.New("send failed")
	}))
	h := srv.Handler()

	code, body := do(t, h, http.MethodPost, "/wechat/callback", groupCallback)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "send failed", body["message"])

	code, body = do(t, h, http.MethodPost, "/wechat/callback", `{"event":10014,"data":{"data":{}}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ignored", body["status"])

	code, body = do(t, h, http.MethodPost, "/wechat/callback", `{`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "error", body["status"])

	code, _ = do(t, h, http.MethodPut, "/wechat/callback", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestServer_PanicBecomes500(t *testing.T) {
	srv := newTestServer(t, handlerFunc(func(context.Context, bus.InboundEvent) (agent.Outcome, error) {
		panic("boom")
	}))
	code, body := do(t, srv.Handler(), http.MethodPost, "/wechat/callback", groupCallback)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "boom", body["message"])
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, nil)
	code, body := do(t, srv.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "wxdify", body["service"])
	assert.Equal(t, true, body["config_loaded"])
	assert.Equal(t, true, body["bot_wxid_configured"])
	assert.EqualValues(t, 3, body["sessions"])
	assert.EqualValues(t, 1, body["conversations"])
	assert.EqualValues(t, 2, body["jobs"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestServer_StartStop(t *testing.T) {
	srv := newTestServer(t, nil)
	require.NoError(t, srv.Start())
	assert.Error(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/wechat/callback")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}

func TestServer_ReplyDeliveredAfterCallerHangsUp(t *testing.T) {
	dify := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(`{"answer":"slow answer","conversation_id":"c1"}`))
	}))
	defer dify.Close()

	sent := make(chan apiRequestEcho, 1)
	qianxun := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body apiRequestEcho
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		sent <- body
		_, _ = w.Write([]byte(`{"code":200}`))
	}))
	defer qianxun.Close()

	logger := zaptest.NewLogger(t)
	cfg := config.DefaultConfig()
	cfg.BotWxid = "wxid_bot"
	cfg.Dify.Default.APIURL = dify.URL
	cfg.Weixin.APIURL = qianxun.URL

	sessions, err := session.NewManager()
	require.NoError(t, err)
	b := bus.NewMessageBus()
	client := agent.NewClient(providers.NewRouter(cfg, logger), sessions, cfg.Messages, logger)
	relay := agent.NewRelay(b, client, cfg, "wechat", logger)

	srv := NewServer(ServerOptions{Addr: "127.0.0.1:0", Handler: relay, Logger: logger})
	ch := NewWeChatChannel(&cfg.Weixin, srv, logger)
	b.SubscribeOutbound(ch.Name(), ch.Send)
	require.NoError(t, ch.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ch.Stop(ctx)
	}()

	impatient := &http.Client{Timeout: 50 * time.Millisecond}
	_, err = impatient.Post("http://"+srv.Addr()+"/wechat/callback", "application/json", strings.NewReader(groupCallback))
	require.Error(t, err, "the caller gives up before dify answers")

	select {
	case body := <-sent:
		assert.Equal(t, "sendReferText", body.Type)
		assert.Equal(t, "slow answer", body.Data["msg"])
		assert.Equal(t, "1@chatroom", body.Data["wxid"])
	case <-time.After(2 * time.Second):
		t.Fatal("reply never reached the chat")
	}
}
