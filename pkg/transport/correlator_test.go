package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/qbot-dev/qbot/pkg/onebot"
)

// fakePeer records written requests so tests can answer them out of band.
type fakePeer struct {
	mu   sync.Mutex
	reqs []onebot.Request
	sent chan onebot.Request
}

func newFakePeer() *fakePeer {
	return &fakePeer{sent: make(chan onebot.Request, 64)}
}

func (p *fakePeer) write(payload []byte) error {
	var req onebot.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	p.sent <- req
	return nil
}

func (p *fakePeer) next(t *testing.T) onebot.Request {
	t.Helper()
	select {
	case req := <-p.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound request")
		return onebot.Request{}
	}
}

func TestCorrelator_ConcurrentCallsGetTheirOwnResponses(t *testing.T) {
	c := NewCorrelator(2 * time.Second)
	peer := newFakePeer()

	const n = 20
	type outcome struct {
		idx  int
		data string
		err  error
	}
	results := make(chan outcome, n)

	for i := 0; i < n; i++ {
		go func(idx int) {
			data, err := c.Call(context.Background(), "get_msg", map[string]interface{}{"idx": idx}, peer.write)
			results <- outcome{idx: idx, data: string(data), err: err}
		}(i)
	}

	reqs := make([]onebot.Request, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, peer.next(t))
	}

	seen := make(map[string]bool)
	for _, req := range reqs {
		if req.Echo == "" || seen[req.Echo] {
			t.Fatalf("echo tokens must be unique and non-empty, got %q", req.Echo)
		}
		seen[req.Echo] = true
	}

	// answer in reverse arrival order, echoing the idx param back as data
	for i := len(reqs) - 1; i >= 0; i-- {
		params := reqs[i].Params.(map[string]interface{})
		idx := int(params["idx"].(float64))
		ok := c.Resolve(&onebot.Response{
			Echo:   reqs[i].Echo,
			Status: "ok",
			Data:   json.RawMessage(fmt.Sprintf(`{"idx":%d}`, idx)),
		})
		if !ok {
			t.Fatalf("Resolve(%s) = false", reqs[i].Echo)
		}
	}

	for i := 0; i < n; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("call %d failed: %v", res.idx, res.err)
		}
		if want := fmt.Sprintf(`{"idx":%d}`, res.idx); res.data != want {
			t.Fatalf("call %d got %s, want %s", res.idx, res.data, want)
		}
	}

	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d after all calls resolved", c.Pending())
	}
}

func TestCorrelator_TimeoutIsolation(t *testing.T) {
	c := NewCorrelator(100 * time.Millisecond)
	peer := newFakePeer()

	start := time.Now()
	_, err := c.Call(context.Background(), "slow_action", nil, peer.write)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("timed out too early: %v", elapsed)
	}
	stale := peer.next(t)
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, timed out entry should be removed", c.Pending())
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "fast_action", nil, peer.write)
		done <- err
	}()
	req := peer.next(t)

	// a late answer for the timed out token must not leak into the new call
	if c.Resolve(&onebot.Response{Echo: stale.Echo, Status: "ok"}) {
		t.Fatal("stale token should not resolve")
	}
	if req.Echo == stale.Echo {
		t.Fatal("tokens must not be reused")
	}
	c.Resolve(&onebot.Response{Echo: req.Echo, Status: "ok"})

	if err := <-done; err != nil {
		t.Fatalf("second call failed: %v", err)
	}
}

func TestCorrelator_FailedStatusBecomesRemoteError(t *testing.T) {
	c := NewCorrelator(time.Second)
	peer := newFakePeer()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "send_group_msg", nil, peer.write)
		done <- err
	}()
	req := peer.next(t)
	c.Resolve(&onebot.Response{
		Echo:    req.Echo,
		Status:  "failed",
		RetCode: json.RawMessage("100"),
		Wording: "bot muted",
	})

	err := <-done
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if remote.RetCode != 100 || remote.Message != "bot muted" || remote.Action != "send_group_msg" {
		t.Fatalf("remote error = %+v", remote)
	}
}

func TestCorrelator_WriteFailureCleansUp(t *testing.T) {
	c := NewCorrelator(time.Second)
	_, err := c.Call(context.Background(), "x", nil, func([]byte) error { return ErrNotConnected })
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d", c.Pending())
	}
}

func TestCorrelator_ShutdownFailsPending(t *testing.T) {
	c := NewCorrelator(5 * time.Second)
	peer := newFakePeer()

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "x", nil, peer.write)
		done <- err
	}()
	peer.next(t)
	c.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not released by Shutdown")
	}
}

func TestCorrelator_ContextCancel(t *testing.T) {
	c := NewCorrelator(5 * time.Second)
	peer := newFakePeer()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "x", nil, peer.write)
		done <- err
	}()
	peer.next(t)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d", c.Pending())
	}
}
