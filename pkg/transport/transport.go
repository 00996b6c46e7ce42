// Package transport carries OneBot traffic between the bot and its backend.
// Every mode shares one contract: inbound events go to an EventHandler, and
// outbound action calls return the response data or a typed error.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/qbot-dev/qbot/pkg/config"
)

// EventHandler receives every inbound event frame, in arrival order.
type EventHandler func(ctx context.Context, frame []byte)

type Transport interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error)
	Connected() bool
	Close() error
}

// New builds the transport selected by cfg.OneBot.Mode.
func New(cfg *config.Config, onEvent EventHandler) (Transport, error) {
	timeout := cfg.CallTimeout()
	ob := cfg.OneBot

	switch ob.Mode {
	case config.ModeWSReverse, "":
		return NewReverseWS(cfg.ListenAddr(), ob.AccessToken, timeout, onEvent), nil
	case config.ModeWS:
		return NewForwardWS(ob.WSUrl, ob.AccessToken, ob.ReconnectInterval, timeout, onEvent), nil
	case config.ModeHTTP:
		return NewHTTP(cfg.ListenAddr(), ob.APIUrl, ob.AccessToken, timeout, onEvent), nil
	default:
		return nil, fmt.Errorf("unsupported onebot mode %q", ob.Mode)
	}
}
