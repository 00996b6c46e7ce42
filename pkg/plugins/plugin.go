// Package plugins loads bot plugins, tracks which ones are enabled and
// dispatches messages and commands to them in priority order.
package plugins

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/qbot-dev/qbot/pkg/onebot"
)

type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Depends     []string `json:"depends,omitempty"`
	Enabled     bool     `json:"enabled"`
}

type Command struct {
	Name  string
	Args  string
	Event *onebot.Event
}

// Fields splits the command arguments on whitespace.
func (c Command) Fields() []string {
	return strings.Fields(c.Args)
}

type CommandInfo struct {
	Name        string `json:"name"`
	Usage       string `json:"usage"`
	Description string `json:"description"`
	AdminOnly   bool   `json:"admin_only"`
}

// Plugin is implemented by every bot plugin. OnMessage and OnCommand return
// an empty reply to let the next plugin in line have a go.
type Plugin interface {
	Info() Descriptor
	OnLoad(ctx context.Context) error
	OnUnload(ctx context.Context) error
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	OnMessage(ctx context.Context, evt *onebot.Event) (string, error)
	OnCommand(ctx context.Context, cmd Command) (string, error)
	Commands() []CommandInfo
}

// SendObserver is implemented by plugins that want to see outbound replies.
type SendObserver interface {
	OnSend(ctx context.Context, evt *onebot.Event, reply string)
}

// Base provides no-op hooks. Embed it and implement Info plus whatever hooks
// the plugin needs.
type Base struct{}

func (Base) OnLoad(ctx context.Context) error    { return nil }
func (Base) OnUnload(ctx context.Context) error  { return nil }
func (Base) OnEnable(ctx context.Context) error  { return nil }
func (Base) OnDisable(ctx context.Context) error { return nil }

func (Base) OnMessage(ctx context.Context, evt *onebot.Event) (string, error) {
	return "", nil
}

func (Base) OnCommand(ctx context.Context, cmd Command) (string, error) {
	return "", nil
}

func (Base) Commands() []CommandInfo { return nil }

// PluginError wraps a failure raised by one plugin hook.
type PluginError struct {
	PluginID string
	Hook     string
	Err      error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.PluginID, e.Hook, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

const commandPrefixes = "/!#"

// ParseCommand splits "/name args" into a Command. The name is lower-cased.
// Text without a command prefix, or with nothing after it, is not a command.
func ParseCommand(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || !strings.ContainsRune(commandPrefixes, rune(text[0])) {
		return Command{}, false
	}

	name, args := text[1:], ""
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		name, args = name[:i], name[i:]
	}
	if name == "" {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}
