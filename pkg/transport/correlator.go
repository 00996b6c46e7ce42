package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
)

const DefaultCallTimeout = 10 * time.Second

// WriteFunc sends one encoded frame to the backend.
type WriteFunc func(payload []byte) error

// Correlator matches responses to outbound calls over one multiplexed
// connection. Each call gets a fresh echo token and a parked result channel.
type Correlator struct {
	timeout  time.Duration
	newToken func() string

	mu      sync.Mutex
	pending map[string]chan *onebot.Response
}

func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Correlator{
		timeout:  timeout,
		newToken: uuid.NewString,
		pending:  make(map[string]chan *onebot.Response),
	}
}

func (c *Correlator) Timeout() time.Duration {
	return c.timeout
}

// Call sends {action, params, echo} through write and waits for the matching
// response, the call timeout, ctx cancellation or Shutdown. The pending entry
// is always removed before Call returns.
func (c *Correlator) Call(ctx context.Context, action string, params interface{}, write WriteFunc) (json.RawMessage, error) {
	if params == nil {
		params = map[string]interface{}{}
	}

	token := c.newToken()
	waiter := make(chan *onebot.Response, 1)

	c.mu.Lock()
	if _, exists := c.pending[token]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("onebot: duplicate echo token %q", token)
	}
	c.pending[token] = waiter
	c.mu.Unlock()

	defer c.forget(token, waiter)

	payload, err := json.Marshal(onebot.Request{
		Action: action,
		Params: params,
		Echo:   token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OneBot request: %w", err)
	}

	if err := write(payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-waiter:
		if !ok || resp == nil {
			return nil, ErrNotConnected
		}
		if resp.Failed() {
			return nil, &RemoteError{
				Action:  action,
				RetCode: resp.Code(),
				Message: resp.ErrorMessage(),
			}
		}
		return resp.Data, nil
	case <-timer.C:
		logger.WarnCF("onebot", "API call timed out", map[string]interface{}{
			"action":  action,
			"echo":    token,
			"timeout": c.timeout.String(),
		})
		return nil, fmt.Errorf("%w: action=%s", ErrTimeout, action)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve hands resp to the caller waiting on resp.Echo. Unknown or stale
// tokens are discarded and reported as false.
func (c *Correlator) Resolve(resp *onebot.Response) bool {
	c.mu.Lock()
	waiter, ok := c.pending[resp.Echo]
	if ok {
		delete(c.pending, resp.Echo)
	}
	c.mu.Unlock()

	if !ok {
		logger.DebugCF("onebot", "Discarding response for unknown echo", map[string]interface{}{
			"echo":   resp.Echo,
			"status": resp.Status,
		})
		return false
	}

	waiter <- resp
	return true
}

// Shutdown fails every pending call with ErrNotConnected.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for token, waiter := range c.pending {
		close(waiter)
		delete(c.pending, token)
	}
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) forget(token string, waiter chan *onebot.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.pending[token]; ok && current == waiter {
		delete(c.pending, token)
	}
}
