// Package worker runs handler tasks on a fixed number of goroutines.
package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/qbot-dev/qbot/pkg/logger"
)

var ErrNotRunning = errors.New("worker: pool not running")

type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is one unit of work. A returned error or a panic is logged by the
// worker, which then moves on to the next task.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Stats struct {
	State     string `json:"state"`
	Workers   int    `json:"workers"`
	Pending   int    `json:"pending"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Pool is a fixed-size worker pool draining an unbounded FIFO of tasks.
type Pool struct {
	mu      sync.Mutex
	state   State
	workers int
	tasks   *list.List
	// outstanding counts queued plus running tasks
	outstanding int
	wake        *sync.Cond
	idle        *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks the workers of the current run only
	wg *sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
}

func NewPool() *Pool {
	p := &Pool{tasks: list.New()}
	p.wake = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start spawns n workers. The pool must be stopped.
func (p *Pool) Start(n int) error {
	if n <= 0 {
		return fmt.Errorf("worker: pool size must be positive, got %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Stopped {
		return fmt.Errorf("worker: cannot start pool in state %s", p.state)
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg = &sync.WaitGroup{}
	p.workers = n
	p.state = Running
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(p.ctx, i, p.wg)
	}

	logger.InfoCF("worker", "Worker pool started", map[string]interface{}{
		"workers": n,
	})
	return nil
}

// AddTask queues task without waiting for it to run.
func (p *Pool) AddTask(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Running {
		return ErrNotRunning
	}
	p.push(task)
	return nil
}

// Submit queues task once fewer than twice the worker count are
// outstanding. It waits for room in the queue, never for completion.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.state == Running && p.outstanding >= p.workers*2 {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.idle.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.state != Running {
		return ErrNotRunning
	}
	p.push(task)
	return nil
}

func (p *Pool) push(task Task) {
	p.tasks.PushBack(task)
	p.outstanding++
	p.wake.Signal()
}

func (p *Pool) loop(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		p.mu.Lock()
		for p.tasks.Len() == 0 && ctx.Err() == nil {
			p.wake.Wait()
		}
		if p.tasks.Len() == 0 || ctx != p.ctx {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove(p.tasks.Front()).(Task)
		p.mu.Unlock()

		p.execute(ctx, id, task)

		p.mu.Lock()
		p.outstanding--
		p.idle.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Pool) execute(ctx context.Context, id int, task Task) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				logger.ErrorCF("worker", "Task panicked", map[string]interface{}{
					"worker": id,
					"task":   task.Name,
					"panic":  fmt.Sprint(r),
					"stack":  string(debug.Stack()),
				})
			}
		}()
		if task.Run == nil {
			return nil
		}
		return task.Run(ctx)
	}()

	if err != nil {
		p.failed.Add(1)
		logger.ErrorCF("worker", "Task failed", map[string]interface{}{
			"worker": id,
			"task":   task.Name,
			"error":  err.Error(),
		})
		return
	}
	p.completed.Add(1)
}

// Stop rejects new tasks, waits for queued and running tasks to finish, then
// stops the workers. If ctx ends first the queued tasks are discarded, the
// running ones are cancelled and left behind, and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return nil
	}
	p.state = Stopping
	p.idle.Broadcast()
	pending := p.outstanding
	p.mu.Unlock()

	logger.InfoCF("worker", "Worker pool draining", map[string]interface{}{
		"pending": pending,
	})

	drained := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.outstanding > 0 && p.ctx.Err() == nil {
			p.idle.Wait()
		}
		p.mu.Unlock()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		p.mu.Lock()
		discarded := p.tasks.Len()
		p.tasks.Init()
		p.outstanding -= discarded
		p.mu.Unlock()
		logger.WarnCF("worker", "Worker pool stop deadline reached", map[string]interface{}{
			"discarded": discarded,
		})
	}

	p.mu.Lock()
	p.cancel()
	p.wake.Broadcast()
	p.idle.Broadcast()
	wg := p.wg
	p.mu.Unlock()
	<-drained

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
		p.mu.Lock()
		running := p.outstanding
		p.mu.Unlock()
		logger.WarnCF("worker", "Worker pool abandoned running tasks", map[string]interface{}{
			"running": running,
		})
	}

	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()

	logger.InfoCF("worker", "Worker pool stopped", map[string]interface{}{
		"completed": p.completed.Load(),
		"failed":    p.failed.Load(),
	})
	return err
}

func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:     p.state.String(),
		Workers:   p.workers,
		Pending:   p.outstanding,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
