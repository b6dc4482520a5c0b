package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HKUDS/wxdify/pkg/bus"
	"github.com/HKUDS/wxdify/pkg/config"
	"go.uber.org/zap"
)

// Callback event codes sent by the QianXun hook framework.
const (
	EventGroupMessage   = 10008
	EventPrivateMessage = 10009
)

const (
	msgTypeText    = 1
	msgSourceSelf  = 1
	apiSuccessCode = 200
)

// ErrUnknownEvent is returned by DecodeCallback for event codes the relay
// does not handle.
var ErrUnknownEvent = errors.New("unknown callback event")

// DeliveryError is a send the QianXun API did not accept.
type DeliveryError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *DeliveryError) Error() string {
	if e.HTTPStatus != 0 && (e.HTTPStatus < 200 || e.HTTPStatus > 299) {
		return fmt.Sprintf("wechat api http status %d: %s", e.HTTPStatus, e.Msg)
	}
	return fmt.Sprintf("wechat api code %d: %s", e.Code, e.Msg)
}

type callbackPayload struct {
	Event flexInt    `json:"event"`
	Wxid  flexString `json:"wxid"`
	Data  *struct {
		Type string `json:"type"`
		Data *struct {
			Msg           string       `json:"msg"`
			MsgType       flexInt      `json:"msgType"`
			MsgSource     flexInt      `json:"msgSource"`
			FromWxid      flexString   `json:"fromWxid"`
			FinalFromWxid flexString   `json:"finalFromWxid"`
			MsgID         flexString   `json:"msgId"`
			AtWxidList    []flexString `json:"atWxidList"`
			TimeStamp     flexString   `json:"timeStamp"`
		} `json:"data"`
	} `json:"data"`
}

// DecodeCallback turns a QianXun callback body into an InboundEvent.
func DecodeCallback(body []byte) (bus.InboundEvent, error) {
	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return bus.InboundEvent{}, fmt.Errorf("decode callback: %w", err)
	}

	var kind bus.ChatKind
	switch int(p.Event) {
	case EventGroupMessage:
		kind = bus.ChatGroup
	case EventPrivateMessage:
		kind = bus.ChatPrivate
	default:
		return bus.InboundEvent{}, fmt.Errorf("%w: %d", ErrUnknownEvent, int(p.Event))
	}

	if p.Data == nil || p.Data.Data == nil {
		return bus.InboundEvent{}, fmt.Errorf("decode callback: missing data.data")
	}
	d := p.Data.Data
	if d.FromWxid == "" {
		return bus.InboundEvent{}, fmt.Errorf("decode callback: missing fromWxid")
	}

	ev := bus.InboundEvent{
		Kind:        kind,
		BotID:       string(p.Wxid),
		SourceChat:  string(d.FromWxid),
		Sender:      string(d.FinalFromWxid),
		MessageID:   string(d.MsgID),
		Text:        d.Msg,
		SelfEcho:    int(d.MsgSource) == msgSourceSelf,
		ContentKind: bus.ContentOther,
		Timestamp:   time.Now(),
	}
	if int(d.MsgType) == msgTypeText {
		ev.ContentKind = bus.ContentText
	}
	for _, id := range d.AtWxidList {
		ev.Mentioned = append(ev.Mentioned, string(id))
	}
	return ev, nil
}

// WeChatChannel implements the WeChat channel on top of the QianXun HTTP
// API: callbacks arrive on Server, replies go out through Send.
type WeChatChannel struct {
	Config *config.WeixinConfig
	Server *Server
	client *http.Client
	logger *zap.Logger
}

// NewWeChatChannel creates a new WeChatChannel. server may be nil for a
// send-only channel.
func NewWeChatChannel(cfg *config.WeixinConfig, server *Server, logger *zap.Logger) *WeChatChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &WeChatChannel{
		Config: cfg,
		Server: server,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *WeChatChannel) Name() string {
	return "wechat"
}

func (c *WeChatChannel) Start() error {
	if c.Server == nil {
		return nil
	}
	return c.Server.Start()
}

func (c *WeChatChannel) Stop(ctx context.Context) error {
	if c.Server == nil {
		return nil
	}
	return c.Server.Stop(ctx)
}

type apiRequest struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type referTextData struct {
	MsgID string `json:"msgId"`
	Wxid  string `json:"wxid"`
	Msg   string `json:"msg"`
}

type textData struct {
	Wxid string `json:"wxid"`
	Msg  string `json:"msg"`
}

// Send delivers msg. With ReplyTo set it is sent as a quoted reply
// (sendReferText), otherwise as plain text (sendText). Success requires both
// a 2xx status and code 200 in the body.
func (c *WeChatChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.BotID == "" {
		return fmt.Errorf("wechat send to %s: bot wxid unknown", msg.ChatID)
	}

	req := apiRequest{Type: "sendText", Data: textData{Wxid: msg.ChatID, Msg: msg.Content}}
	if msg.ReplyTo != "" {
		req = apiRequest{Type: "sendReferText", Data: referTextData{MsgID: msg.ReplyTo, Wxid: msg.ChatID, Msg: msg.Content}}
	}

	jsonBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	endpoint, err := url.Parse(c.Config.APIURL)
	if err != nil {
		return fmt.Errorf("weixin.api_url: %w", err)
	}
	q := endpoint.Query()
	q.Set("wxid", msg.BotID)
	endpoint.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Info("sending wechat message",
		zap.String("type", req.Type),
		zap.String("to", msg.ChatID),
		zap.Int("len", len(msg.Content)))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{HTTPStatus: resp.StatusCode, Msg: strings.TrimSpace(string(bodyBytes))}
	}

	var result struct {
		Code flexInt `json:"code"`
		Msg  string  `json:"msg"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if int(result.Code) != apiSuccessCode {
		return &DeliveryError{HTTPStatus: resp.StatusCode, Code: int(result.Code), Msg: result.Msg}
	}
	return nil
}
