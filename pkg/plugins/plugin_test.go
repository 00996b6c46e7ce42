package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbot-dev/qbot/pkg/middleware"
	"github.com/qbot-dev/qbot/pkg/onebot"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in       string
		ok       bool
		name     string
		args     string
		argCount int
	}{
		{"/ping", true, "ping", "", 0},
		{"  !Enable  history ", true, "enable", "history", 1},
		{"#character 猫娘 可爱", true, "character", "猫娘 可爱", 2},
		{"/reload\tping", true, "reload", "ping", 1},
		{"hello", false, "", "", 0},
		{"/", false, "", "", 0},
		{"/ ping", false, "", "", 0},
	}
	for _, tt := range tests {
		cmd, ok := ParseCommand(tt.in)
		require.Equal(t, tt.ok, ok, "ParseCommand(%q)", tt.in)
		assert.Equal(t, tt.name, cmd.Name, "name of %q", tt.in)
		assert.Equal(t, tt.args, cmd.Args, "args of %q", tt.in)
		assert.Len(t, cmd.Fields(), tt.argCount, "fields of %q", tt.in)
	}
}

func TestAdminOnly(t *testing.T) {
	handler := middleware.Chain(func(ctx context.Context, cmd Command) (string, error) {
		return "done", nil
	}, AdminOnly(NewAdminSet([]int64{100}), ""))

	admin := Command{Name: "sleep", Event: &onebot.Event{UserID: 100}}
	reply, err := handler(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, "done", reply)

	other := Command{Name: "sleep", Event: &onebot.Event{UserID: 7}}
	reply, err = handler(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, DefaultDenyMessage, reply)

	reply, _ = handler(context.Background(), Command{Name: "sleep"})
	assert.Equal(t, DefaultDenyMessage, reply)
}

func TestPluginError_Unwraps(t *testing.T) {
	cause := context.DeadlineExceeded
	err := &PluginError{PluginID: "p", Hook: "on_message", Err: cause}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "plugin p: on_message: context deadline exceeded", err.Error())
}
