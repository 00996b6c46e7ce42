// Package bot assembles the runtime: transport, router, queue, workers,
// plugins and scheduler, and the reply pipeline that connects them.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qbot-dev/qbot/pkg/config"
	"github.com/qbot-dev/qbot/pkg/filter"
	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/middleware"
	"github.com/qbot-dev/qbot/pkg/onebot"
	"github.com/qbot-dev/qbot/pkg/plugins"
	"github.com/qbot-dev/qbot/pkg/plugins/builtin"
	"github.com/qbot-dev/qbot/pkg/queue"
	"github.com/qbot-dev/qbot/pkg/router"
	"github.com/qbot-dev/qbot/pkg/scheduler"
	"github.com/qbot-dev/qbot/pkg/state"
	"github.com/qbot-dev/qbot/pkg/store"
	"github.com/qbot-dev/qbot/pkg/transport"
	"github.com/qbot-dev/qbot/pkg/worker"
)

// Handler produces a reply for events no plugin answered. An empty reply
// sends nothing.
type Handler interface {
	HandleEvent(ctx context.Context, evt *onebot.Event) (string, error)
}

type HandlerFunc func(ctx context.Context, evt *onebot.Event) (string, error)

func (f HandlerFunc) HandleEvent(ctx context.Context, evt *onebot.Event) (string, error) {
	return f(ctx, evt)
}

// TransportFactory builds the transport that feeds onEvent.
type TransportFactory func(cfg *config.Config, onEvent transport.EventHandler) (transport.Transport, error)

type Option func(*options)

type options struct {
	transport TransportFactory
	handler   Handler
	plugins   []registration
	now       func() time.Time
}

type registration struct {
	id      string
	factory plugins.Factory
}

// WithTransport replaces the transport selected by the config.
func WithTransport(f TransportFactory) Option {
	return func(o *options) { o.transport = f }
}

// WithHandler sets the fallback for events no plugin answers.
func WithHandler(h Handler) Option {
	return func(o *options) { o.handler = h }
}

// WithPlugin registers an extra plugin after the builtin ones.
func WithPlugin(id string, factory plugins.Factory) Option {
	return func(o *options) { o.plugins = append(o.plugins, registration{id: id, factory: factory}) }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type outbound struct {
	Action string
	Params interface{}
}

type Bot struct {
	cfg       *config.Config
	store     *store.Store
	filter    *filter.WordFilter
	window    *state.Window
	queue     *queue.PriorityQueue
	router    *router.Router
	pool      *worker.Pool
	registry  *plugins.Registry
	plugins   *plugins.Manager
	transport transport.Transport
	scheduler *scheduler.Scheduler
	handler   Handler
	send      middleware.Func[outbound, json.RawMessage]

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group

	replies  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (_ *Bot, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{transport: defaultTransport, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bot{cfg: cfg, handler: o.handler}

	if path := cfg.DatabasePath(); path != "" {
		if b.store, err = store.Open(path); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				b.store.Close()
			}
		}()
	}

	if b.filter, err = filter.NewWordFilter(cfg.Bot.BlockedWordFile); err != nil {
		return nil, err
	}

	sc := cfg.Schedule
	b.window = state.NewWindow(scheduler.InitialActive(o.now(), sc.SleepTime, sc.WakeTime))
	b.queue = queue.New(cfg.Core.QueueCapacity)
	b.router = router.New(b.queue, b.window, cfg.Bot.WakeCommand, cfg.BlockedUsers())
	b.pool = worker.NewPool()

	if err = b.setupPlugins(o.plugins); err != nil {
		return nil, err
	}

	if b.transport, err = o.transport(cfg, b.onFrame); err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	b.send = b.sendChain()

	b.scheduler = scheduler.New(cfg.TickInterval())
	if err = b.scheduler.AddSleepWindow(b.window, sc.SleepTime, sc.WakeTime); err != nil {
		return nil, err
	}
	if err = b.addHousekeeping(); err != nil {
		return nil, err
	}

	return b, nil
}

func defaultTransport(cfg *config.Config, onEvent transport.EventHandler) (transport.Transport, error) {
	return transport.New(cfg, onEvent)
}

func (b *Bot) setupPlugins(extra []registration) error {
	deps := &builtin.Deps{
		Window:      b.window,
		Filter:      b.filter,
		Admins:      plugins.NewAdminSet(b.cfg.AdminIDs()),
		DenyMessage: plugins.DefaultDenyMessage,
		Status:      b.Status,
	}
	var states plugins.StateStore
	if b.store != nil {
		deps.History = b.store
		states = b.store
	}

	b.registry = plugins.NewRegistry()
	if err := builtin.Register(b.registry, deps); err != nil {
		return fmt.Errorf("register builtin plugins: %w", err)
	}
	for _, r := range extra {
		if err := b.registry.Register(r.id, r.factory); err != nil {
			return fmt.Errorf("register plugin %s: %w", r.id, err)
		}
	}

	b.plugins = plugins.NewManager(b.registry, states)
	deps.Plugins = b.plugins
	return nil
}

// sendChain rate limits outbound calls and retries transport failures.
// Failures the backend reports itself are not retried.
func (b *Bot) sendChain() middleware.Func[outbound, json.RawMessage] {
	period := time.Duration(b.cfg.Bot.SendRatePeriod) * time.Second
	if period <= 0 {
		period = time.Second
	}
	return middleware.Chain(b.call,
		middleware.RateLimit[outbound, json.RawMessage](b.cfg.Bot.SendRateCalls, period),
		middleware.Retry[outbound, json.RawMessage]("send", middleware.RetryPolicy{
			MaxAttempts: b.cfg.Bot.SendRetries,
			Delay:       500 * time.Millisecond,
			Retryable: func(err error) bool {
				var remote *transport.RemoteError
				return !errors.As(err, &remote)
			},
		}),
	)
}

func (b *Bot) call(ctx context.Context, req outbound) (json.RawMessage, error) {
	return b.transport.Call(ctx, req.Action, req.Params)
}

func (b *Bot) onFrame(ctx context.Context, frame []byte) {
	b.router.Route(ctx, frame)
}

// Start loads the plugins, starts the workers, the transport and the
// scheduler, then begins pumping queued events to the workers. A failure
// leaves the caller to Stop what was started.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return errors.New("bot already stopped")
	}
	if b.started {
		return nil
	}

	workers := b.cfg.Core.Workers
	if err := b.pool.Start(workers); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	b.plugins.LoadAll(ctx, b.cfg.EnabledPlugins())

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true
	b.startedAt = time.Now()

	if err := b.transport.Start(runCtx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := b.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	b.group, runCtx = errgroup.WithContext(runCtx)
	b.group.Go(func() error { return b.pump(runCtx) })

	logger.InfoCF("bot", "Bot started", map[string]interface{}{
		"mode":    b.cfg.OneBot.Mode,
		"workers": workers,
		"queue":   b.queue.Capacity(),
		"active":  b.window.Active(),
		"plugins": len(b.plugins.List()),
	})
	return nil
}

// pump moves events from the queue to the worker pool until ctx ends.
func (b *Bot) pump(ctx context.Context) error {
	for {
		item, err := b.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}

		evt := item.Event
		task := worker.Task{
			Name: "event:" + evt.ContextID(),
			Run: func(ctx context.Context) error {
				return b.HandleEvent(ctx, evt)
			},
		}
		if err := b.pool.Submit(ctx, task); err != nil {
			b.dropped.Add(1)
			logger.WarnCF("bot", "Event dropped before a worker took it", map[string]interface{}{
				"context": evt.ContextID(),
				"error":   err.Error(),
			})
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// Stop shuts down within the configured shutdown timeout.
func (b *Bot) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout())
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown stops intake, drains the workers, closes the transport, discards
// whatever is still queued, unloads the plugins and closes the store. Work
// still running when ctx ends is cancelled and the error is reported.
func (b *Bot) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel, group := b.cancel, b.group
	b.mu.Unlock()

	logger.InfoC("bot", "Shutting down")
	var errs []error

	if cancel != nil {
		cancel()
	}
	if err := b.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if group != nil {
		if err := group.Wait(); err != nil {
			errs = append(errs, fmt.Errorf("event pump: %w", err))
		}
	}

	if err := b.pool.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}

	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	if n := b.queue.Clear(); n > 0 {
		logger.WarnCF("bot", "Discarded queued events", map[string]interface{}{
			"count": n,
		})
	}
	b.queue.Close()

	b.plugins.UnloadAll(context.WithoutCancel(ctx))

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.WarnCF("bot", "Shutdown finished with errors", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.InfoC("bot", "Shutdown complete")
	}
	return err
}

func (b *Bot) Window() *state.Window {
	return b.window
}

func (b *Bot) Plugins() *plugins.Manager {
	return b.plugins
}

func (b *Bot) Router() *router.Router {
	return b.router
}

func (b *Bot) Scheduler() *scheduler.Scheduler {
	return b.scheduler
}

// Status renders a short runtime summary.
func (b *Bot) Status() string {
	b.mu.Lock()
	startedAt := b.startedAt
	b.mu.Unlock()

	active := "睡眠"
	if b.window.Active() {
		active = "活跃"
	}
	connected := "未连接"
	if b.transport != nil && b.transport.Connected() {
		connected = "已连接"
	}

	enabled := 0
	list := b.plugins.List()
	for _, d := range list {
		if d.Enabled {
			enabled++
		}
	}

	ws := b.pool.Stats()
	lines := []string{
		"状态: " + active,
		"连接: " + connected,
		fmt.Sprintf("队列: %d/%d", b.queue.Len(), b.queue.Capacity()),
		fmt.Sprintf("工作线程: %s %d (已完成 %d, 失败 %d)", ws.State, ws.Workers, ws.Completed, ws.Failed),
		fmt.Sprintf("插件: %d/%d 已启用", enabled, len(list)),
		fmt.Sprintf("回复: %d, 失败: %d", b.replies.Load(), b.failures.Load()),
	}
	if !startedAt.IsZero() {
		lines = append(lines, "运行时间: "+time.Since(startedAt).Truncate(time.Second).String())
	}
	return strings.Join(lines, "\n")
}
