package onebot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Segment struct {
	Type     string
	Text     string
	AtQQ     string
	IsSelf   bool
	ImageURL string
	ReplyID  string
	Raw      string
}

type ParsedMessage struct {
	Text       string
	Mentioned  bool
	HasUnknown bool
	Segments   []Segment
}

var cqPattern = regexp.MustCompile(`\[CQ:([a-zA-Z0-9_]+)(?:,([^\]]*))?\]`)

// ParseMessage understands both message formats a backend may post: the
// array-of-segments form and the CQ-code string form. rawMessage is used
// when message is absent.
func ParseMessage(raw json.RawMessage, rawMessage string, selfID int64) ParsedMessage {
	if len(raw) == 0 || string(raw) == "null" {
		if strings.TrimSpace(rawMessage) == "" {
			return ParsedMessage{}
		}
		return parseCQMessage(rawMessage, rawMessage, selfID)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseCQMessage(s, rawMessage, selfID)
	}

	var segments []struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		trimmed := strings.TrimSpace(rawMessage)
		if trimmed == "" {
			return ParsedMessage{}
		}
		return ParsedMessage{
			Text:     trimmed,
			Segments: []Segment{{Type: "text", Text: trimmed}},
		}
	}

	var text strings.Builder
	result := ParsedMessage{Segments: make([]Segment, 0, len(segments))}
	selfIDStr := strconv.FormatInt(selfID, 10)

	for _, seg := range segments {
		switch seg.Type {
		case "text":
			t, _ := seg.Data["text"].(string)
			text.WriteString(t)
			result.Segments = append(result.Segments, Segment{Type: "text", Text: t})
		case "at":
			qq := dataString(seg.Data["qq"])
			isSelf := selfID > 0 && (qq == selfIDStr || qq == "all")
			if isSelf {
				result.Mentioned = true
			}
			result.Segments = append(result.Segments, Segment{Type: "at", AtQQ: qq, IsSelf: isSelf})
		case "image":
			result.Segments = append(result.Segments, Segment{Type: "image", ImageURL: dataString(seg.Data["url"])})
		case "reply":
			result.Segments = append(result.Segments, Segment{Type: "reply", ReplyID: dataString(seg.Data["id"])})
		default:
			result.HasUnknown = true
			segRaw := ""
			if b, err := json.Marshal(seg); err == nil {
				segRaw = string(b)
			}
			result.Segments = append(result.Segments, Segment{Type: "unknown", Raw: segRaw})
		}
	}

	result.Text = strings.TrimSpace(text.String())
	trimmedRaw := strings.TrimSpace(rawMessage)
	if result.HasUnknown && trimmedRaw != "" && trimmedRaw != result.Text {
		result.Segments = append(result.Segments, Segment{Type: "raw_message", Raw: trimmedRaw})
	}
	return result
}

func dataString(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func parseCQMessage(content string, rawMessage string, selfID int64) ParsedMessage {
	matches := cqPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return ParsedMessage{
			Text:     strings.TrimSpace(content),
			Segments: []Segment{{Type: "text", Text: content}},
		}
	}

	selfIDStr := strconv.FormatInt(selfID, 10)
	result := ParsedMessage{Segments: make([]Segment, 0, len(matches)+1)}
	var text strings.Builder
	cursor := 0

	for _, m := range matches {
		if m[0] > cursor {
			part := content[cursor:m[0]]
			result.Segments = append(result.Segments, Segment{Type: "text", Text: part})
			text.WriteString(part)
		}

		segType := content[m[2]:m[3]]
		paramsRaw := ""
		if m[4] >= 0 && m[5] >= 0 {
			paramsRaw = content[m[4]:m[5]]
		}
		params := parseCQParams(paramsRaw)

		switch segType {
		case "at":
			qq := params["qq"]
			isSelf := selfID > 0 && (qq == selfIDStr || qq == "all")
			if isSelf {
				result.Mentioned = true
			}
			result.Segments = append(result.Segments, Segment{Type: "at", AtQQ: qq, IsSelf: isSelf})
		case "image":
			result.Segments = append(result.Segments, Segment{Type: "image", ImageURL: params["url"]})
		case "reply":
			result.Segments = append(result.Segments, Segment{Type: "reply", ReplyID: params["id"]})
		default:
			result.HasUnknown = true
			result.Segments = append(result.Segments, Segment{Type: "unknown", Raw: content[m[0]:m[1]]})
		}
		cursor = m[1]
	}

	if cursor < len(content) {
		part := content[cursor:]
		result.Segments = append(result.Segments, Segment{Type: "text", Text: part})
		text.WriteString(part)
	}

	result.Text = strings.TrimSpace(text.String())
	trimmedRaw := strings.TrimSpace(rawMessage)
	if trimmedRaw == "" {
		trimmedRaw = strings.TrimSpace(content)
	}
	if result.HasUnknown && trimmedRaw != result.Text {
		result.Segments = append(result.Segments, Segment{Type: "raw_message", Raw: trimmedRaw})
	}
	return result
}

func parseCQParams(params string) map[string]string {
	result := make(map[string]string)
	for _, item := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		result[key] = unescapeCQ(strings.TrimSpace(value))
	}
	return result
}

var cqUnescaper = strings.NewReplacer("&#44;", ",", "&#91;", "[", "&#93;", "]", "&amp;", "&")

func unescapeCQ(s string) string {
	return cqUnescaper.Replace(s)
}

// EscapeCQ escapes text so a backend does not interpret it as CQ codes.
func EscapeCQ(s string) string {
	return strings.NewReplacer("&", "&amp;", "[", "&#91;", "]", "&#93;").Replace(s)
}
