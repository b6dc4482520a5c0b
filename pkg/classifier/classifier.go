// Package classifier decides whether an inbound chat event is answered and
// what text goes to the backend.
package classifier

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/HKUDS/wxdify/pkg/bus"
)

// Action is what the relay should do with an event.
type Action int

const (
	Ignore Action = iota
	DirectReply
	Forward
)

func (a Action) String() string {
	switch a {
	case DirectReply:
		return "direct_reply"
	case Forward:
		return "forward"
	default:
		return "ignore"
	}
}

// Decision is the classifier's verdict. Text is the canned reply for
// DirectReply and the backend query for Forward.
type Decision struct {
	Action Action
	Text   string
	Reason string
}

// Options configures a Classifier.
type Options struct {
	// BotID is the bot's own wxid. When empty the event's BotID is used.
	BotID             string
	TriggerKeywords   []string
	EmptyMentionReply string
}

// Classifier applies the group/private reply rules. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	opts Options
}

// New creates a new Classifier.
func New(opts Options) *Classifier {
	keywords := make([]string, 0, len(opts.TriggerKeywords))
	for _, k := range opts.TriggerKeywords {
		if k != "" {
			keywords = append(keywords, k)
		}
	}
	opts.TriggerKeywords = keywords
	return &Classifier{opts: opts}
}

var (
	// WeChat ends an @name token with U+2005, which lets names contain spaces.
	mentionWithSeparator = regexp.MustCompile(`@[^@\x{2005}]*\x{2005}`)
	mentionPlain         = regexp.MustCompile(`@[\p{Han}A-Za-z0-9_.]+[\s\x{2005}]*`)
)

// StripMentions removes @name tokens and trims the result. A plain @token
// only counts as a mention at the start of the text or after whitespace, so
// addresses like a@example.com survive.
func StripMentions(text string) string {
	text = mentionWithSeparator.ReplaceAllString(text, "")
	text = stripPlainMentions(text)
	return strings.TrimSpace(text)
}

func stripPlainMentions(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range mentionPlain.FindAllStringIndex(text, -1) {
		if loc[0] > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:loc[0]])
			if !unicode.IsSpace(prev) {
				continue
			}
		}
		b.WriteString(text[last:loc[0]])
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// Classify decides how to handle ev.
func (c *Classifier) Classify(ev bus.InboundEvent) Decision {
	isQuote := IsQuoteWrapper(ev.Text)

	if ev.ContentKind != bus.ContentText && !isQuote {
		return Decision{Action: Ignore, Reason: "non_text"}
	}
	if ev.SelfEcho {
		return Decision{Action: Ignore, Reason: "self_echo"}
	}

	if ev.Kind == bus.ChatPrivate {
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return Decision{Action: Ignore, Reason: "empty_private"}
		}
		return Decision{Action: Forward, Text: text, Reason: "private"}
	}

	reason, triggered := c.groupTrigger(ev)
	if !triggered {
		return Decision{Action: Ignore, Reason: "not_addressed"}
	}

	var text string
	if combined, ok := c.unwrapQuote(ev.Text, isQuote); ok {
		text = combined
		reason += "+quote"
	} else {
		text = StripMentions(ev.Text)
	}

	if strings.TrimSpace(text) == "" {
		return Decision{Action: DirectReply, Text: c.opts.EmptyMentionReply, Reason: reason + "+empty"}
	}
	return Decision{Action: Forward, Text: text, Reason: reason}
}

func (c *Classifier) groupTrigger(ev bus.InboundEvent) (string, bool) {
	botID := c.opts.BotID
	if botID == "" {
		botID = ev.BotID
	}
	if ev.Mentions(botID) {
		return "mention", true
	}
	for _, k := range c.opts.TriggerKeywords {
		if strings.Contains(ev.Text, k) {
			return "keyword", true
		}
	}
	return "", false
}

func (c *Classifier) unwrapQuote(text string, isQuote bool) (string, bool) {
	if !isQuote {
		return "", false
	}
	return ParseQuote(text)
}
