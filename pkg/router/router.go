// Package router triages inbound frames before they reach the worker pool.
package router

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/queue"
	"github.com/qbot-dev/qbot/pkg/state"
	"github.com/qbot-dev/qbot/pkg/utils"
)

type Decision int

const (
	DecisionInvalid Decision = iota
	DecisionHandled
	DecisionSleeping
	DecisionPriority
	DecisionBlocked
	DecisionQueued
	DecisionRejected
)

func (d Decision) String() string {
	switch d {
	case DecisionInvalid:
		return "invalid"
	case DecisionHandled:
		return "handled"
	case DecisionSleeping:
		return "sleeping"
	case DecisionPriority:
		return "priority"
	case DecisionBlocked:
		return "blocked"
	case DecisionQueued:
		return "queued"
	case DecisionRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var priorityCommand = regexp.MustCompile(`^[!/#](reset|character|clear)(?:\s+(.+))?`)

// IsPriorityCommand reports whether content is a reset, clear or character
// command.
func IsPriorityCommand(content string) bool {
	return priorityCommand.MatchString(content)
}

type Stats struct {
	Queued   uint64 `json:"queued"`
	Priority uint64 `json:"priority"`
	Dropped  uint64 `json:"dropped"`
	Rejected uint64 `json:"rejected"`
	Invalid  uint64 `json:"invalid"`
	Meta     uint64 `json:"meta"`
}

type Router struct {
	queue       *queue.PriorityQueue
	window      *state.Window
	wakeCommand string

	mu      sync.RWMutex
	blocked map[int64]struct{}

	queued   atomic.Uint64
	priority atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	invalid  atomic.Uint64
	meta     atomic.Uint64
}

func New(q *queue.PriorityQueue, window *state.Window, wakeCommand string, blocked []int64) *Router {
	r := &Router{
		queue:       q,
		window:      window,
		wakeCommand: strings.ToLower(strings.TrimSpace(wakeCommand)),
	}
	r.SetBlocked(blocked)
	return r
}

// SetBlocked replaces the block-list.
func (r *Router) SetBlocked(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.blocked = set
	r.mu.Unlock()
}

func (r *Router) IsBlocked(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.blocked[userID]
	return ok
}

// Route classifies one inbound frame and either consumes it, drops it or
// hands it to the queue. It never blocks.
func (r *Router) Route(ctx context.Context, frame []byte) Decision {
	evt, err := onebot.ParseEvent(frame)
	if err != nil {
		r.invalid.Add(1)
		logger.WarnCF("router", "Dropping unparseable event", map[string]interface{}{
			"error": err.Error(),
			"frame": utils.Truncate(string(frame), 200),
		})
		return DecisionInvalid
	}
	return r.RouteEvent(ctx, evt)
}

// RouteEvent is Route for an already parsed event.
func (r *Router) RouteEvent(ctx context.Context, evt *onebot.Event) Decision {
	if evt.Kind == onebot.KindMeta {
		r.meta.Add(1)
		r.logMeta(evt)
		return DecisionHandled
	}

	content := evt.Content()

	if !r.window.Active() && !r.isWake(evt, content) {
		r.dropped.Add(1)
		logger.DebugCF("router", "Dropping event while asleep", map[string]interface{}{
			"kind":    string(evt.Kind),
			"user_id": evt.UserID,
		})
		return DecisionSleeping
	}

	if evt.IsMessage() && IsPriorityCommand(content) {
		if _, err := r.queue.PriorityRequeue(evt); err != nil {
			r.rejected.Add(1)
			logger.ErrorCF("router", "Priority requeue failed", map[string]interface{}{
				"error": err.Error(),
			})
			return DecisionRejected
		}
		r.priority.Add(1)
		logger.InfoCF("router", "Priority command moved to queue head", map[string]interface{}{
			"context": evt.ContextID(),
			"command": utils.Truncate(content, 40),
		})
		return DecisionPriority
	}

	if evt.IsMessage() && evt.UserID != 0 && r.IsBlocked(evt.UserID) {
		r.dropped.Add(1)
		logger.InfoCF("router", "Dropping message from blocked user", map[string]interface{}{
			"user_id": evt.UserID,
		})
		return DecisionBlocked
	}

	if err := r.queue.Enqueue(evt); err != nil {
		r.rejected.Add(1)
		fields := map[string]interface{}{
			"kind":    string(evt.Kind),
			"user_id": evt.UserID,
			"error":   err.Error(),
		}
		if errors.Is(err, queue.ErrQueueFull) {
			fields["capacity"] = r.queue.Capacity()
		}
		logger.WarnCF("router", "Event rejected by queue", fields)
		return DecisionRejected
	}
	r.queued.Add(1)
	return DecisionQueued
}

func (r *Router) isWake(evt *onebot.Event, content string) bool {
	if !evt.IsMessage() || r.wakeCommand == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(content), r.wakeCommand)
}

func (r *Router) logMeta(evt *onebot.Event) {
	switch evt.DetailType {
	case "heartbeat":
		logger.DebugCF("router", "Heartbeat", map[string]interface{}{
			"online": evt.Status.Online,
			"good":   evt.Status.Good,
		})
	case "lifecycle":
		logger.InfoCF("router", "Backend lifecycle event", map[string]interface{}{
			"sub_type": evt.SubType,
			"self_id":  evt.SelfID,
		})
	default:
		logger.DebugCF("router", "Meta event", map[string]interface{}{
			"type": evt.DetailType,
		})
	}
}

func (r *Router) Stats() Stats {
	return Stats{
		Queued:   r.queued.Load(),
		Priority: r.priority.Load(),
		Dropped:  r.dropped.Load(),
		Rejected: r.rejected.Load(),
		Invalid:  r.invalid.Load(),
		Meta:     r.meta.Load(),
	}
}
