package builtin

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbot-dev/qbot/pkg/filter"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/plugins"
	"github.com/qbot-dev/qbot/pkg/state"
	"github.com/qbot-dev/qbot/pkg/store"
)

const (
	adminID = int64(1001)
	userID  = int64(2002)
	selfID  = int64(42)
)

type fixture struct {
	manager *plugins.Manager
	deps    *Deps
	store   *store.Store
}

func setup(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "qbot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	words, err := filter.NewWordFilter(filepath.Join(t.TempDir(), "blocked_words.yaml"))
	require.NoError(t, err)

	deps := &Deps{
		Window:       state.NewWindow(true),
		Filter:       words,
		History:      s,
		Admins:       plugins.NewAdminSet([]int64{adminID}),
		HistoryLimit: 5,
		Status:       func() string { return "ok" },
	}

	reg := plugins.NewRegistry()
	require.NoError(t, Register(reg, deps))
	m := plugins.NewManager(reg, s)
	deps.Plugins = m
	require.Equal(t, 3, m.LoadAll(context.Background(), nil))

	return &fixture{manager: m, deps: deps, store: s}
}

func message(user int64, text string) *onebot.Event {
	return &onebot.Event{
		Kind:        onebot.KindMessage,
		MessageType: "private",
		UserID:      user,
		SelfID:      selfID,
		RawMessage:  text,
	}
}

func (f *fixture) command(t *testing.T, user int64, text string) (string, string) {
	t.Helper()
	cmd, ok := plugins.ParseCommand(text)
	require.True(t, ok, text)
	cmd.Event = message(user, text)
	return f.manager.HandleCommand(context.Background(), cmd)
}

func TestControl_SleepAndWake(t *testing.T) {
	f := setup(t)

	reply, from := f.command(t, adminID, "/sleep")
	assert.Equal(t, "机器人已进入睡眠状态", reply)
	assert.Equal(t, ControlID, from)
	assert.False(t, f.deps.Window.Active())

	reply, _ = f.command(t, adminID, "/shutdown")
	assert.Equal(t, "机器人已经处于睡眠状态", reply)

	reply, _ = f.command(t, adminID, "/restart")
	assert.Equal(t, "机器人已唤醒", reply)
	assert.True(t, f.deps.Window.Active())

	reply, _ = f.command(t, adminID, "/wake")
	assert.Equal(t, "机器人已经处于活跃状态", reply)
}

func TestControl_DeniesNonAdmin(t *testing.T) {
	f := setup(t)

	reply, from := f.command(t, userID, "/sleep")
	assert.Equal(t, plugins.DefaultDenyMessage, reply)
	assert.Equal(t, ControlID, from)
	assert.True(t, f.deps.Window.Active())

	reply, _ = f.command(t, userID, "/disable ping")
	assert.Equal(t, plugins.DefaultDenyMessage, reply)
	assert.True(t, f.manager.IsEnabled(PingID))
}

func TestControl_PluginCommands(t *testing.T) {
	f := setup(t)

	reply, _ := f.command(t, adminID, "/disable_plugin ping")
	assert.Equal(t, "插件 ping 已禁用", reply)
	assert.False(t, f.manager.IsEnabled(PingID))

	reply, _ = f.command(t, adminID, "/list_plugins")
	assert.Equal(t, "已启用的插件: control, history\n已禁用的插件: ping", reply)

	reply, _ = f.command(t, adminID, "/enable ping")
	assert.Equal(t, "插件 ping 已启用", reply)
	assert.True(t, f.manager.IsEnabled(PingID))

	reply, _ = f.command(t, adminID, "/enable nope")
	assert.Equal(t, "无法启用插件 nope", reply)

	reply, _ = f.command(t, adminID, "/disable control")
	assert.Equal(t, "不能禁用控制插件", reply)
	assert.True(t, f.manager.IsEnabled(ControlID))

	reply, _ = f.command(t, adminID, "/reload history")
	assert.Equal(t, "插件 history 已重新加载", reply)
	assert.True(t, f.manager.IsEnabled(HistoryID))

	reply, _ = f.command(t, adminID, "/enable")
	assert.Equal(t, "使用方法：/enable <插件>", reply)
}

func TestControl_BlockWord(t *testing.T) {
	f := setup(t)

	reply, _ := f.command(t, adminID, "/block_word add 坏词")
	assert.Equal(t, "已添加屏蔽词：坏词", reply)
	word, ok := f.deps.Filter.Contains("这是坏词吗")
	assert.True(t, ok)
	assert.Equal(t, "坏词", word)

	reply, _ = f.command(t, adminID, "/block_word remove 坏词")
	assert.Equal(t, "已移除屏蔽词：坏词", reply)
	_, ok = f.deps.Filter.Contains("这是坏词吗")
	assert.False(t, ok)

	reply, _ = f.command(t, adminID, "/unblock 坏词")
	assert.Equal(t, "屏蔽词不存在：坏词", reply)

	reply, _ = f.command(t, adminID, "/block_word drop 坏词")
	assert.Equal(t, "无效的操作。请使用 'add' 或 'remove'。", reply)

	reply, _ = f.command(t, adminID, "/block_word")
	assert.Equal(t, "使用方法：/block_word add/remove 词语", reply)
}

func TestControl_Status(t *testing.T) {
	f := setup(t)
	reply, _ := f.command(t, adminID, "/status")
	assert.Equal(t, "ok", reply)
}

func TestHistory_RecordsAndResets(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	evt := message(userID, "你好")

	reply, _ := f.manager.HandleMessage(ctx, evt)
	assert.Empty(t, reply)
	f.manager.NotifySend(ctx, evt, "你好呀")

	recent, err := f.store.GetRecent(ctx, evt.ContextID(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, store.RoleUser, recent[0].Role)
	assert.Equal(t, store.RoleAssistant, recent[1].Role)
	assert.Equal(t, "你好呀", recent[1].Content)

	reply, from := f.command(t, userID, "/history")
	assert.Equal(t, HistoryID, from)
	assert.Contains(t, reply, "用户: 你好")
	assert.Contains(t, reply, "机器人: 你好呀")

	reply, _ = f.command(t, userID, "/reset")
	assert.Equal(t, "当前会话已重置。", reply)
	recent, err = f.store.GetRecent(ctx, evt.ContextID(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	reply, _ = f.command(t, userID, "/history")
	assert.Equal(t, "暂无聊天记录。", reply)
}

func TestHistory_Character(t *testing.T) {
	f := setup(t)

	reply, _ := f.command(t, userID, "/character")
	assert.Equal(t, "当前使用默认角色。", reply)

	reply, _ = f.command(t, userID, "/character 猫娘")
	assert.Equal(t, "已切换角色：猫娘", reply)

	reply, _ = f.command(t, userID, "#character")
	assert.Equal(t, "当前角色：猫娘", reply)
}

func TestHistory_DisabledStopsRecording(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.manager.Disable(ctx, HistoryID))

	evt := message(userID, "hello")
	f.manager.HandleMessage(ctx, evt)
	f.manager.NotifySend(ctx, evt, "hi")

	total, err := f.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestPing(t *testing.T) {
	f := setup(t)

	reply, from := f.command(t, userID, "/ping")
	assert.Equal(t, "pong", reply)
	assert.Equal(t, PingID, from)

	help, _ := f.command(t, userID, "/help")
	assert.True(t, strings.HasPrefix(help, "可用命令："))
	assert.Contains(t, help, "/reset")
	assert.NotContains(t, help, "/sleep")

	help, _ = f.command(t, adminID, "/help")
	assert.Contains(t, help, "/sleep")
}

func TestRegister_WithoutHistoryStore(t *testing.T) {
	reg := plugins.NewRegistry()
	require.NoError(t, Register(reg, &Deps{Window: state.NewWindow(true)}))
	assert.Equal(t, []string{ControlID, PingID}, reg.IDs())
}
