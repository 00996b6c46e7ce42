package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/qbot-dev/qbot/pkg/plugins"
)

// Ping answers /ping and lists the available commands on /help.
type Ping struct {
	plugins.Base
	deps *Deps
}

func NewPing(deps *Deps) *Ping {
	return &Ping{deps: deps}
}

func (p *Ping) Info() plugins.Descriptor {
	return plugins.Descriptor{
		ID:          PingID,
		Name:        "Ping",
		Version:     "1.0.0",
		Description: "Liveness check and command help",
		Priority:    0,
	}
}

func (p *Ping) Commands() []plugins.CommandInfo {
	return []plugins.CommandInfo{
		{Name: "ping", Usage: "/ping", Description: "检查机器人是否在线"},
		{Name: "help", Usage: "/help", Description: "显示可用命令"},
	}
}

func (p *Ping) OnCommand(ctx context.Context, cmd plugins.Command) (string, error) {
	switch cmd.Name {
	case "ping":
		return "pong", nil
	case "help":
		return p.help(cmd), nil
	}
	return "", nil
}

func (p *Ping) help(cmd plugins.Command) string {
	var infos []plugins.CommandInfo
	if p.deps != nil && p.deps.Plugins != nil {
		infos = p.deps.Plugins.Commands()
	} else {
		infos = p.Commands()
	}

	isAdmin := false
	if p.deps != nil && cmd.Event != nil {
		isAdmin = p.deps.Admins.Contains(cmd.Event.UserID)
	}

	var b strings.Builder
	b.WriteString("可用命令：")
	for _, info := range infos {
		if info.AdminOnly && !isAdmin {
			continue
		}
		fmt.Fprintf(&b, "\n%s  %s", info.Usage, info.Description)
	}
	return b.String()
}
