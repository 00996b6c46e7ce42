package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/middleware"
	"github.com/qbot-dev/qbot/pkg/plugins"
)

// Control lets administrators put the bot to sleep, wake it, manage plugins
// and edit the blocked-word list.
type Control struct {
	plugins.Base
	deps   *Deps
	handle middleware.Func[plugins.Command, string]
}

var controlAliases = map[string]string{
	"sleep":          "sleep",
	"shutdown":       "sleep",
	"restart":        "restart",
	"wake":           "restart",
	"plugins":        "plugins",
	"list_plugins":   "plugins",
	"enable":         "enable",
	"enable_plugin":  "enable",
	"disable":        "disable",
	"disable_plugin": "disable",
	"reload":         "reload",
	"reload_plugin":  "reload",
	"status":         "status",
	"block":          "block",
	"unblock":        "unblock",
	"block_word":     "block_word",
}

func NewControl(deps *Deps) *Control {
	c := &Control{deps: deps}
	c.handle = middleware.Chain(c.dispatch, plugins.AdminOnly(deps.Admins, deps.DenyMessage))
	return c
}

func (c *Control) Info() plugins.Descriptor {
	return plugins.Descriptor{
		ID:          ControlID,
		Name:        "Control",
		Version:     "1.0.0",
		Description: "Sleep, wake, plugin and blocked-word administration",
		Priority:    100,
	}
}

func (c *Control) Commands() []plugins.CommandInfo {
	return []plugins.CommandInfo{
		{Name: "sleep", Usage: "/sleep", Description: "进入睡眠状态", AdminOnly: true},
		{Name: "restart", Usage: "/restart", Description: "唤醒机器人", AdminOnly: true},
		{Name: "plugins", Usage: "/plugins", Description: "列出插件", AdminOnly: true},
		{Name: "enable", Usage: "/enable <插件>", Description: "启用插件", AdminOnly: true},
		{Name: "disable", Usage: "/disable <插件>", Description: "禁用插件", AdminOnly: true},
		{Name: "reload", Usage: "/reload <插件>", Description: "重新加载插件", AdminOnly: true},
		{Name: "status", Usage: "/status", Description: "运行状态", AdminOnly: true},
		{Name: "block", Usage: "/block <词语>", Description: "添加屏蔽词", AdminOnly: true},
		{Name: "unblock", Usage: "/unblock <词语>", Description: "移除屏蔽词", AdminOnly: true},
	}
}

func (c *Control) OnCommand(ctx context.Context, cmd plugins.Command) (string, error) {
	if _, ok := controlAliases[cmd.Name]; !ok {
		return "", nil
	}
	return c.handle(ctx, cmd)
}

func (c *Control) dispatch(ctx context.Context, cmd plugins.Command) (string, error) {
	switch controlAliases[cmd.Name] {
	case "sleep":
		if c.deps.Window.EnterSleep() {
			return "机器人已进入睡眠状态", nil
		}
		return "机器人已经处于睡眠状态", nil
	case "restart":
		if c.deps.Window.Wake() {
			return "机器人已唤醒", nil
		}
		return "机器人已经处于活跃状态", nil
	case "plugins":
		return c.listPlugins(), nil
	case "enable":
		return c.pluginAction(ctx, cmd, "启用", c.admin().Enable)
	case "disable":
		if strings.TrimSpace(cmd.Args) == ControlID {
			return "不能禁用控制插件", nil
		}
		return c.pluginAction(ctx, cmd, "禁用", c.admin().Disable)
	case "reload":
		return c.pluginAction(ctx, cmd, "重新加载", c.admin().Reload)
	case "status":
		if c.deps.Status == nil {
			return "暂无状态信息", nil
		}
		return c.deps.Status(), nil
	case "block":
		return c.blockWord(strings.TrimSpace(cmd.Args), true)
	case "unblock":
		return c.blockWord(strings.TrimSpace(cmd.Args), false)
	case "block_word":
		action, word, _ := strings.Cut(strings.TrimSpace(cmd.Args), " ")
		word = strings.TrimSpace(word)
		if word == "" {
			return "使用方法：/block_word add/remove 词语", nil
		}
		switch action {
		case "add":
			return c.blockWord(word, true)
		case "remove":
			return c.blockWord(word, false)
		default:
			return "无效的操作。请使用 'add' 或 'remove'。", nil
		}
	}
	return "", nil
}

func (c *Control) admin() PluginAdmin {
	if c.deps.Plugins == nil {
		return unavailableAdmin{}
	}
	return c.deps.Plugins
}

func (c *Control) pluginAction(ctx context.Context, cmd plugins.Command, verb string, action func(context.Context, string) error) (string, error) {
	id := strings.TrimSpace(cmd.Args)
	if id == "" {
		return fmt.Sprintf("使用方法：/%s <插件>", cmd.Name), nil
	}
	if err := action(ctx, id); err != nil {
		logger.WarnCF("control", "Plugin command failed", map[string]interface{}{
			"command": cmd.Name,
			"plugin":  id,
			"error":   err.Error(),
		})
		return fmt.Sprintf("无法%s插件 %s", verb, id), nil
	}
	return fmt.Sprintf("插件 %s 已%s", id, verb), nil
}

func (c *Control) listPlugins() string {
	admin := c.admin()
	var enabled, disabled []string
	loaded := make(map[string]bool)
	for _, d := range admin.List() {
		loaded[d.ID] = true
		if d.Enabled {
			enabled = append(enabled, d.ID)
		} else {
			disabled = append(disabled, d.ID)
		}
	}
	for _, id := range admin.Available() {
		if !loaded[id] {
			disabled = append(disabled, id)
		}
	}
	return fmt.Sprintf("已启用的插件: %s\n已禁用的插件: %s", strings.Join(enabled, ", "), strings.Join(disabled, ", "))
}

func (c *Control) blockWord(word string, add bool) (string, error) {
	if c.deps.Filter == nil {
		return "屏蔽词功能未启用", nil
	}
	if word == "" {
		if add {
			return "使用方法：/block 词语", nil
		}
		return "使用方法：/unblock 词语", nil
	}

	if add {
		if _, err := c.deps.Filter.Add(word); err != nil {
			return "", fmt.Errorf("add blocked word: %w", err)
		}
		return "已添加屏蔽词：" + word, nil
	}
	removed, err := c.deps.Filter.Remove(word)
	if err != nil {
		return "", fmt.Errorf("remove blocked word: %w", err)
	}
	if !removed {
		return "屏蔽词不存在：" + word, nil
	}
	return "已移除屏蔽词：" + word, nil
}

type unavailableAdmin struct{}

func (unavailableAdmin) Enable(context.Context, string) error {
	return fmt.Errorf("plugin manager unavailable")
}

func (unavailableAdmin) Disable(context.Context, string) error {
	return fmt.Errorf("plugin manager unavailable")
}

func (unavailableAdmin) Reload(context.Context, string) error {
	return fmt.Errorf("plugin manager unavailable")
}

func (unavailableAdmin) List() []plugins.Descriptor      { return nil }
func (unavailableAdmin) Available() []string             { return nil }
func (unavailableAdmin) Commands() []plugins.CommandInfo { return nil }
