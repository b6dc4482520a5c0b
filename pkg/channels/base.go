package channels

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/HKUDS/wxdify/pkg/agent"
	"github.com/HKUDS/wxdify/pkg/bus"
)

// Channel is the interface for chat channels.
type Channel interface {
	Start() error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Name() string
}

// InboundHandler processes a decoded inbound event. *agent.Relay implements it.
type InboundHandler interface {
	Handle(ctx context.Context, ev bus.InboundEvent) (agent.Outcome, error)
}

// flexString accepts JSON strings and numbers; the hook framework is not
// consistent about which one it sends for ids.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts JSON numbers and numeric strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(s))
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}
