package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/plugins"
	"github.com/qbot-dev/qbot/pkg/store"
	"github.com/qbot-dev/qbot/pkg/utils"
)

// History records every conversation turn and owns the commands that reset
// a conversation: /reset, /clear and /character.
type History struct {
	plugins.Base
	store HistoryStore
	limit int
}

func NewHistory(s HistoryStore, limit int) *History {
	if limit <= 0 {
		limit = 10
	}
	return &History{store: s, limit: limit}
}

func (h *History) Info() plugins.Descriptor {
	return plugins.Descriptor{
		ID:          HistoryID,
		Name:        "History",
		Version:     "1.0.0",
		Description: "Conversation history and session reset",
		Priority:    90,
	}
}

func (h *History) Commands() []plugins.CommandInfo {
	return []plugins.CommandInfo{
		{Name: "reset", Usage: "/reset", Description: "重置当前会话"},
		{Name: "clear", Usage: "/clear", Description: "清除聊天记录"},
		{Name: "character", Usage: "/character [角色]", Description: "查看或切换角色"},
		{Name: "history", Usage: "/history", Description: "查看最近的聊天记录"},
	}
}

// OnMessage stores the incoming message and never replies.
func (h *History) OnMessage(ctx context.Context, evt *onebot.Event) (string, error) {
	content := evt.Content()
	if !evt.IsMessage() || content == "" {
		return "", nil
	}
	_, err := h.store.InsertMessage(ctx, store.Message{
		ContextID: evt.ContextID(),
		UserID:    evt.UserID,
		Role:      store.RoleUser,
		Content:   content,
	})
	return "", err
}

// OnSend stores the bot's reply alongside the message that caused it.
func (h *History) OnSend(ctx context.Context, evt *onebot.Event, reply string) {
	if evt == nil || !evt.IsMessage() {
		return
	}
	h.store.InsertMessage(ctx, store.Message{
		ContextID: evt.ContextID(),
		UserID:    evt.SelfID,
		Role:      store.RoleAssistant,
		Content:   reply,
	})
}

func (h *History) OnCommand(ctx context.Context, cmd plugins.Command) (string, error) {
	if cmd.Event == nil {
		return "", nil
	}
	contextID := cmd.Event.ContextID()

	switch cmd.Name {
	case "reset":
		if _, err := h.store.ClearContext(ctx, contextID); err != nil {
			return "", err
		}
		return "当前会话已重置。", nil
	case "clear":
		n, err := h.store.ClearContext(ctx, contextID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("已清除 %d 条聊天记录。", n), nil
	case "character":
		name := strings.TrimSpace(cmd.Args)
		if name == "" {
			current, err := h.store.Character(ctx, contextID)
			if err != nil {
				return "", err
			}
			if current == "" {
				return "当前使用默认角色。", nil
			}
			return "当前角色：" + current, nil
		}
		if err := h.store.SetCharacter(ctx, contextID, name); err != nil {
			return "", err
		}
		if _, err := h.store.ClearContext(ctx, contextID); err != nil {
			return "", err
		}
		return "已切换角色：" + name, nil
	case "history":
		return h.render(ctx, contextID)
	}
	return "", nil
}

func (h *History) render(ctx context.Context, contextID string) (string, error) {
	recent, err := h.store.GetRecent(ctx, contextID, h.limit)
	if err != nil {
		return "", err
	}
	if len(recent) == 0 {
		return "暂无聊天记录。", nil
	}

	var b strings.Builder
	b.WriteString("最近的聊天记录：")
	for _, m := range recent {
		who := "用户"
		if m.Role == store.RoleAssistant {
			who = "机器人"
		}
		fmt.Fprintf(&b, "\n[%s] %s: %s", m.CreatedAt.Format("01-02 15:04"), who, utils.Truncate(m.Content, 80))
	}
	return b.String(), nil
}
