// Package builtin holds the plugins that ship with the bot: runtime
// control, chat history and ping.
package builtin

import (
	"context"
	"fmt"

	"github.com/qbot-dev/qbot/pkg/filter"
	"github.com/qbot-dev/qbot/pkg/plugins"
	"github.com/qbot-dev/qbot/pkg/state"
	"github.com/qbot-dev/qbot/pkg/store"
)

// PluginAdmin is the part of plugins.Manager the control plugin drives.
type PluginAdmin interface {
	Enable(ctx context.Context, id string) error
	Disable(ctx context.Context, id string) error
	Reload(ctx context.Context, id string) error
	List() []plugins.Descriptor
	Available() []string
	Commands() []plugins.CommandInfo
}

type HistoryStore interface {
	InsertMessage(ctx context.Context, msg store.Message) (int64, error)
	GetRecent(ctx context.Context, contextID string, limit int) ([]store.Message, error)
	ClearContext(ctx context.Context, contextID string) (int64, error)
	SetCharacter(ctx context.Context, contextID, name string) error
	Character(ctx context.Context, contextID string) (string, error)
}

// Deps are shared by the builtin plugins. Plugins may be filled in after
// Register, as long as it is set before the manager loads them.
type Deps struct {
	Window       *state.Window
	Plugins      PluginAdmin
	Filter       *filter.WordFilter
	History      HistoryStore
	Admins       plugins.AdminSet
	DenyMessage  string
	HistoryLimit int
	// Status renders the runtime summary for /status.
	Status func() string
}

const (
	ControlID = "control"
	HistoryID = "history"
	PingID    = "ping"
)

// Register adds the builtin plugins to reg in discovery order. The history
// plugin is skipped when no store is configured.
func Register(reg *plugins.Registry, deps *Deps) error {
	if err := reg.Register(ControlID, func() (plugins.Plugin, error) {
		if deps.Window == nil {
			return nil, fmt.Errorf("control plugin needs the active window")
		}
		return NewControl(deps), nil
	}); err != nil {
		return err
	}

	if deps.History != nil {
		if err := reg.Register(HistoryID, func() (plugins.Plugin, error) {
			return NewHistory(deps.History, deps.HistoryLimit), nil
		}); err != nil {
			return err
		}
	}

	return reg.Register(PingID, func() (plugins.Plugin, error) {
		return NewPing(deps), nil
	})
}
