package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
)

const maxEventBody = 4 << 20

// HTTP is the connectionless mode: events arrive as POST requests and each
// action is its own HTTP request, so no echo correlation is needed.
type HTTP struct {
	addr        string
	accessToken string
	onEvent     EventHandler
	client      *resty.Client

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	closed   bool
}

func NewHTTP(addr, apiURL, accessToken string, timeout time.Duration, onEvent EventHandler) *HTTP {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if accessToken != "" {
		client.SetAuthToken(accessToken)
	}

	return &HTTP{
		addr:        addr,
		accessToken: accessToken,
		onEvent:     onEvent,
		client:      client,
	}
}

func (h *HTTP) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("http transport already started")
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.listener = ln
	h.server = &http.Server{
		Handler:           http.HandlerFunc(h.handleEvent),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.started = true

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("onebot", "HTTP event server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	logger.InfoCF("onebot", "HTTP event server listening", map[string]interface{}{
		"addr":    ln.Addr().String(),
		"api_url": h.client.BaseURL,
	})
	return nil
}

func (h *HTTP) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

func (h *HTTP) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !authorized(r, h.accessToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		logger.WarnCF("onebot", "Dropping malformed event body", map[string]interface{}{
			"remote": r.RemoteAddr,
			"length": len(body),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()

	if h.onEvent != nil {
		h.onEvent(ctx, body)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Call posts params to {api_url}/{action}.
func (h *HTTP) Call(ctx context.Context, action string, params interface{}) (json.RawMessage, error) {
	if !h.Connected() {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	var result onebot.Response
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&result).
		SetError(&result).
		Post("/" + action)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: action=%s", ErrTimeout, action)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if result.Failed() {
		return nil, &RemoteError{Action: action, RetCode: result.Code(), Message: result.ErrorMessage()}
	}
	if resp.IsError() {
		return nil, &RemoteError{Action: action, RetCode: int64(resp.StatusCode()), Message: resp.Status()}
	}
	return result.Data, nil
}

// Connected is true between Start and Close; HTTP keeps no session.
func (h *HTTP) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.closed
}

func (h *HTTP) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		logger.WarnC("onebot", "HTTP transport already closed")
		return nil
	}
	h.closed = true
	server, cancel := h.server, h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		return server.Shutdown(ctx)
	}
	return nil
}
