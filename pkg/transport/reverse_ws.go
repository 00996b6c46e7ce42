package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qbot-dev/qbot/pkg/logger"
)

// ReverseWS is the server side of a reverse WebSocket: the backend dials in
// and the bot keeps exactly one connection at a time.
type ReverseWS struct {
	*wsLink

	addr        string
	accessToken string
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	closed   bool
}

func NewReverseWS(addr, accessToken string, timeout time.Duration, onEvent EventHandler) *ReverseWS {
	return &ReverseWS{
		wsLink:      newWSLink(timeout, onEvent),
		addr:        addr,
		accessToken: accessToken,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// backends are not browsers and send no meaningful Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listening address. A bind failure is returned so the
// caller can treat it as a startup failure.
func (s *ReverseWS) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("reverse websocket server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	s.server = &http.Server{
		Handler:           http.HandlerFunc(s.handleWS),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("onebot", "Reverse WebSocket server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("onebot", "Reverse WebSocket server listening", map[string]interface{}{
		"addr": ln.Addr().String(),
	})
	return nil
}

// Addr reports the bound address, useful when listening on port 0.
func (s *ReverseWS) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *ReverseWS) handleWS(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimSuffix(r.URL.Path, "/") {
	case "", "/ws", "/onebot/v11", "/onebot/v11/ws":
	default:
		http.NotFound(w, r)
		return
	}

	if !authorized(r, s.accessToken) {
		logger.WarnCF("onebot", "Rejected connection with bad access token", map[string]interface{}{
			"remote": r.RemoteAddr,
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	ctx, closed := s.ctx, s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("onebot", "WebSocket upgrade failed", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err.Error(),
		})
		return
	}

	if old := s.attach(conn); old != nil {
		logger.WarnCF("onebot", "New backend connection replaces the active one", map[string]interface{}{
			"old_remote": old.RemoteAddr().String(),
			"new_remote": r.RemoteAddr,
		})
		old.Close()
	}

	logger.InfoCF("onebot", "WebSocket connected", map[string]interface{}{
		"remote":  r.RemoteAddr,
		"self_id": r.Header.Get("X-Self-ID"),
		"role":    r.Header.Get("X-Client-Role"),
	})

	go s.pingLoop(ctx, conn)
	s.readLoop(ctx, conn)
}

// Close drops the active connection and stops the listener. A second call
// only logs a warning.
func (s *ReverseWS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		logger.WarnC("onebot", "Reverse WebSocket transport already closed")
		return nil
	}
	s.closed = true
	server, cancel := s.server, s.cancel
	s.mu.Unlock()

	if s.closeActive() {
		logger.InfoC("onebot", "WebSocket connection closed")
	}
	s.corr.Shutdown()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := server.Shutdown(ctx); err != nil {
			return server.Close()
		}
	}
	return nil
}

func authorized(r *http.Request, token string) bool {
	if token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		auth = strings.TrimSpace(auth)
		for _, prefix := range []string{"Bearer ", "Token "} {
			if strings.HasPrefix(auth, prefix) {
				return strings.TrimSpace(auth[len(prefix):]) == token
			}
		}
		return auth == token
	}
	return r.URL.Query().Get("access_token") == token
}
