package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDifyProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["query"])
		assert.Equal(t, "blocking", body["response_mode"])
		assert.Equal(t, "conv-1", body["conversation_id"])
		assert.Equal(t, "wxid_a", body["user"])
		assert.Equal(t, map[string]interface{}{}, body["inputs"])

		_, _ = w.Write([]byte(`{"answer":"hi there","conversation_id":"conv-1","message_id":"m1"}`))
	}))
	defer srv.Close()

	p := NewDifyProvider(srv.URL, "app-key", time.Second)
	resp, err := p.Chat(context.Background(), ChatRequest{Query: "hello", ConversationID: "conv-1", User: "wxid_a"})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Answer)
	assert.Equal(t, "conv-1", resp.ConversationID)
}

func TestDifyProvider_NotFoundIsInvalidConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"Conversation Not Exists.","status":404}`))
	}))
	defer srv.Close()

	_, err := NewDifyProvider(srv.URL, "k", time.Second).Chat(context.Background(), ChatRequest{Query: "q", ConversationID: "stale"})
	require.Error(t, err)
	assert.True(t, IsInvalidConversation(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Contains(t, err.Error(), "Conversation Not Exists.")
}

func TestDifyProvider_OtherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewDifyProvider(srv.URL, "k", time.Second).Chat(context.Background(), ChatRequest{Query: "q"})
	require.Error(t, err)
	assert.False(t, IsInvalidConversation(err))
	assert.Contains(t, err.Error(), "502")
}

func TestDifyProvider_Timeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	_, err := NewDifyProvider(srv.URL, "k", 50*time.Millisecond).Chat(context.Background(), ChatRequest{Query: "q"})
	require.Error(t, err)
	assert.False(t, IsInvalidConversation(err))
}

func TestRouter_ProviderFor(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dify.Default = config.DifyRoute{APIURL: "http://default", APIKey: "d"}
	cfg.Dify.GroupMapping["g1@chatroom"] = config.DifyRoute{APIURL: "http://group", APIKey: "g"}

	r := NewRouter(cfg, nil)

	group := r.ProviderFor("g1@chatroom").(*DifyProvider)
	assert.Equal(t, "g", group.APIKey)

	other := r.ProviderFor("g2@chatroom").(*DifyProvider)
	assert.Equal(t, "d", other.APIKey)

	private := r.ProviderFor("wxid_x").(*DifyProvider)
	assert.Same(t, other, private, "providers are cached per route")
}
