package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qbot-dev/qbot/pkg/logger"
)

// ForwardWS dials the backend's WebSocket endpoint and keeps reconnecting
// while the transport is open.
type ForwardWS struct {
	*wsLink

	url               string
	accessToken       string
	reconnectInterval time.Duration

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func NewForwardWS(url, accessToken string, reconnectSeconds int, timeout time.Duration, onEvent EventHandler) *ForwardWS {
	var interval time.Duration
	if reconnectSeconds > 0 {
		interval = time.Duration(reconnectSeconds) * time.Second
		if interval < 5*time.Second {
			interval = 5 * time.Second
		}
	}
	return &ForwardWS{
		wsLink:            newWSLink(timeout, onEvent),
		url:               url,
		accessToken:       accessToken,
		reconnectInterval: interval,
	}
}

func (c *ForwardWS) Start(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("OneBot ws_url not configured")
	}

	logger.InfoCF("onebot", "Starting forward WebSocket transport", map[string]interface{}{
		"ws_url": c.url,
	})

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.connect(); err != nil {
		if c.reconnectInterval == 0 {
			return fmt.Errorf("failed to connect to OneBot and reconnect is disabled: %w", err)
		}
		logger.WarnCF("onebot", "Initial connection failed, will retry in background", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if c.reconnectInterval > 0 {
		go c.reconnectLoop()
	}
	return nil
}

func (c *ForwardWS) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.url, header)
	if err != nil {
		return err
	}

	c.attach(conn)
	logger.InfoC("onebot", "WebSocket connected")

	go c.pingLoop(c.ctx, conn)
	go c.readLoop(c.ctx, conn)
	return nil
}

func (c *ForwardWS) reconnectLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.reconnectInterval):
			if c.Connected() {
				continue
			}
			logger.InfoC("onebot", "Attempting to reconnect...")
			if err := c.connect(); err != nil {
				logger.ErrorCF("onebot", "Reconnect failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (c *ForwardWS) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logger.WarnC("onebot", "Forward WebSocket transport already closed")
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.closeActive() {
		logger.InfoC("onebot", "WebSocket connection closed")
	}
	c.corr.Shutdown()
	return nil
}
