package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// wsLink is the connection state shared by the WebSocket transports: the
// single active connection, serialized writes, and the receive loop that
// splits echoed responses from events.
type wsLink struct {
	corr    *Correlator
	onEvent EventHandler

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func newWSLink(timeout time.Duration, onEvent EventHandler) *wsLink {
	return &wsLink{
		corr:    NewCorrelator(timeout),
		onEvent: onEvent,
	}
}

func (l *wsLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *wsLink) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	if !l.Connected() {
		return nil, ErrNotConnected
	}
	return l.corr.Call(ctx, action, params, l.write)
}

// PendingCalls reports how many calls are waiting for a response.
func (l *wsLink) PendingCalls() int {
	return l.corr.Pending()
}

// attach installs conn as the active connection and returns the one it
// replaced, if any. Calls pending on the replaced connection are failed.
func (l *wsLink) attach(conn *websocket.Conn) *websocket.Conn {
	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()

	if old != nil {
		l.corr.Shutdown()
	}
	return old
}

// detach clears the active connection if it is still conn. Pending calls are
// failed because their responses can no longer arrive.
func (l *wsLink) detach(conn *websocket.Conn) bool {
	l.mu.Lock()
	if l.conn != conn || conn == nil {
		l.mu.Unlock()
		return false
	}
	l.conn = nil
	l.mu.Unlock()

	l.corr.Shutdown()
	return true
}

func (l *wsLink) write(payload []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		logger.ErrorCF("onebot", "Failed to write frame", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// closeActive sends a close frame on the active connection and drops it.
func (l *wsLink) closeActive() bool {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return false
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(time.Second))
	l.detach(conn)
	conn.Close()
	return true
}

// readLoop runs until conn fails or ctx is cancelled. Events are handed to
// onEvent synchronously so arrival order is preserved.
func (l *wsLink) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		if l.detach(conn) {
			logger.InfoC("onebot", "WebSocket disconnected")
		}
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.ErrorCF("onebot", "WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}

		l.dispatch(ctx, message)
	}
}

func (l *wsLink) dispatch(ctx context.Context, message []byte) {
	if !gjson.ValidBytes(message) {
		logger.WarnCF("onebot", "Dropping malformed frame", map[string]interface{}{
			"length":  len(message),
			"payload": utils.Truncate(string(message), 200),
		})
		return
	}

	if echo := gjson.GetBytes(message, "echo"); echo.Exists() && echo.String() != "" {
		var resp onebot.Response
		if err := json.Unmarshal(message, &resp); err != nil {
			// status may be an object on some backends; keep the echo at least
			resp = onebot.Response{Echo: echo.String()}
		}
		if resp.Echo == "" {
			resp.Echo = echo.String()
		}
		l.corr.Resolve(&resp)
		return
	}

	logger.DebugCF("onebot", "Event frame received", map[string]interface{}{
		"post_type": gjson.GetBytes(message, "post_type").String(),
		"length":    len(message),
	})

	if l.onEvent != nil {
		l.onEvent(ctx, message)
	}
}

func (l *wsLink) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			active := l.conn == conn
			l.mu.Unlock()
			if !active {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.DebugCF("onebot", "Ping failed", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		}
	}
}
