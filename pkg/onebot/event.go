// Package onebot models the OneBot v11 frames exchanged with the backend:
// inbound events, outbound action calls and their echoed responses.
package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindNotice  Kind = "notice"
	KindRequest Kind = "request"
	KindMeta    Kind = "meta_event"
	KindUnknown Kind = "unknown"
)

type RawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	NoticeType    string          `json:"notice_type"`
	RequestType   string          `json:"request_type"`
	MetaEventType string          `json:"meta_event_type"`
	SubType       string          `json:"sub_type"`
	MessageID     json.RawMessage `json:"message_id"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	SelfID        json.RawMessage `json:"self_id"`
	Time          json.RawMessage `json:"time"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	Echo          string          `json:"echo"`
	Status        BotStatus       `json:"status"`
}

// BotStatus is either the "status" string of an action response or the
// status object carried by heartbeat meta events.
type BotStatus struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
	Text   string
}

func (s *BotStatus) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*s = BotStatus{}
		return nil
	}

	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = BotStatus{Text: strings.TrimSpace(text)}
		return nil
	}

	var obj struct {
		Online bool `json:"online"`
		Good   bool `json:"good"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = BotStatus{Online: obj.Online, Good: obj.Good}
	return nil
}

type Sender struct {
	UserID   int64  `json:"-"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

// DisplayName prefers the group card over the nickname.
func (s Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// Event is an immutable, normalized inbound event.
type Event struct {
	Kind        Kind
	PostType    string
	MessageType string
	// DetailType is notice_type, request_type or meta_event_type depending on Kind.
	DetailType string
	SubType    string
	MessageID  string
	UserID     int64
	GroupID    int64
	SelfID     int64
	Time       int64
	RawMessage string
	Text       string
	Mentioned  bool
	Sender     Sender
	Segments   []Segment
	Status     BotStatus
	Raw        json.RawMessage
}

func (e *Event) IsMessage() bool { return e.Kind == KindMessage }

func (e *Event) IsGroup() bool { return e.MessageType == "group" || (e.MessageType == "" && e.GroupID != 0) }

// ContextID names the conversation an event belongs to: "group:<id>" or
// "private:<id>".
func (e *Event) ContextID() string {
	if e.IsGroup() {
		return "group:" + strconv.FormatInt(e.GroupID, 10)
	}
	return "private:" + strconv.FormatInt(e.UserID, 10)
}

// Content is the trimmed raw message, falling back to the parsed text.
func (e *Event) Content() string {
	if s := strings.TrimSpace(e.RawMessage); s != "" {
		return s
	}
	return strings.TrimSpace(e.Text)
}

func classify(postType string) Kind {
	switch postType {
	case "message", "message_sent":
		return KindMessage
	case "notice":
		return KindNotice
	case "request":
		return KindRequest
	case "meta_event":
		return KindMeta
	default:
		return KindUnknown
	}
}

// ParseEvent decodes and normalizes one inbound event frame.
func ParseEvent(data []byte) (*Event, error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return NormalizeEvent(&raw, data)
}

func NormalizeEvent(raw *RawEvent, payload []byte) (*Event, error) {
	evt := &Event{
		Kind:        classify(raw.PostType),
		PostType:    raw.PostType,
		MessageType: raw.MessageType,
		SubType:     raw.SubType,
		RawMessage:  raw.RawMessage,
		Status:      raw.Status,
		Raw:         append(json.RawMessage(nil), payload...),
	}

	switch evt.Kind {
	case KindNotice:
		evt.DetailType = raw.NoticeType
	case KindRequest:
		evt.DetailType = raw.RequestType
	case KindMeta:
		evt.DetailType = raw.MetaEventType
	}

	userID, err := parseJSONInt64(raw.UserID)
	if err != nil && evt.Kind == KindMessage {
		return nil, fmt.Errorf("parse user_id: %w (raw: %s)", err, string(raw.UserID))
	}
	evt.UserID = userID
	evt.GroupID, _ = parseJSONInt64(raw.GroupID)
	evt.SelfID, _ = parseJSONInt64(raw.SelfID)
	evt.Time, _ = parseJSONInt64(raw.Time)
	evt.MessageID = parseJSONString(raw.MessageID)

	if len(raw.Sender) > 0 {
		var sender struct {
			UserID   json.RawMessage `json:"user_id"`
			Nickname string          `json:"nickname"`
			Card     string          `json:"card"`
			Role     string          `json:"role"`
		}
		if err := json.Unmarshal(raw.Sender, &sender); err == nil {
			evt.Sender = Sender{Nickname: sender.Nickname, Card: sender.Card, Role: sender.Role}
			evt.Sender.UserID, _ = parseJSONInt64(sender.UserID)
		}
	}
	if evt.Sender.UserID == 0 {
		evt.Sender.UserID = evt.UserID
	}

	if evt.Kind == KindMessage {
		parsed := ParseMessage(raw.Message, raw.RawMessage, evt.SelfID)
		evt.Text = parsed.Text
		evt.Mentioned = parsed.Mentioned
		evt.Segments = parsed.Segments
		if evt.Text == "" {
			evt.Text = strings.TrimSpace(raw.RawMessage)
		}
	}

	return evt, nil
}

func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("cannot parse as int64: %s", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}
