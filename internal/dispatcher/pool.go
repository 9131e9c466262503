// Package dispatcher runs page tasks in isolated workers. Pool runs them on a
// bounded set of goroutines; ProcessDispatcher runs each in a child process.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

const (
	defaultSize       = 4
	defaultQueueDepth = 64
)

// Handler processes one page task.
type Handler interface {
	Process(ctx context.Context, task crawler.PageTask) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task crawler.PageTask) error

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, task crawler.PageTask) error {
	return f(ctx, task)
}

// Config controls a Pool.
type Config struct {
	Size int
}

// Pool runs dispatched page tasks on a fixed number of worker goroutines fed
// by a bounded queue. A task that panics or fails becomes a failed outcome and
// never takes the pool down.
type Pool struct {
	queue   crawler.Queue
	size    int
	logger  *zap.Logger
	visited *visitedSet

	mu      sync.RWMutex
	handler Handler
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type workerKey struct{}

// New builds a Pool over queue.
func New(queue crawler.Queue, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:   queue,
		size:    cfg.Size,
		logger:  logger,
		visited: newVisitedSet(),
	}
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("dispatcher: nil handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("dispatcher: already running")
	}
	p.handler = handler
	p.runCtx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("worker pool stopped", zap.Int("pages_dispatched", p.visited.len()))
}

// MarkVisited records url as already crawled so later dispatches skip it.
func (p *Pool) MarkVisited(url string) {
	p.visited.add(url)
}

// Dispatch runs task on a worker and waits for its outcome. An empty URL
// resolves immediately. A URL already dispatched in this run is skipped.
// The error is non-nil only when the task could not be run at all.
func (p *Pool) Dispatch(ctx context.Context, task crawler.PageTask) (crawler.WorkerOutcome, error) {
	if task.URL == "" {
		return crawler.WorkerOutcome{}, nil
	}
	p.mu.RLock()
	running, runCtx := p.running, p.runCtx
	p.mu.RUnlock()
	if !running {
		return crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitFailure, Err: crawler.ErrPoolNotRunning},
			crawler.ErrPoolNotRunning
	}
	if !p.visited.add(task.URL) {
		p.logger.Debug("page already dispatched", zap.String("url", task.URL))
		return crawler.WorkerOutcome{URL: task.URL, Skipped: true}, nil
	}

	done := make(chan crawler.WorkerOutcome, 1)
	item := crawler.QueueItem{Task: task, Submitted: time.Now().UnixNano(), Done: done}

	if inWorker(ctx) {
		// Nested dispatch: never block on a full queue while holding a worker.
		if !p.queue.TryEnqueue(item) {
			return p.run(ctx, task), nil
		}
	} else if err := p.queue.Enqueue(ctx, item); err != nil {
		// Never queued, so it must stay dispatchable.
		p.visited.remove(task.URL)
		out := crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitFailure, Err: err}
		return out, fmt.Errorf("dispatch %s: %w", task.URL, err)
	}
	return p.await(ctx, runCtx, task.URL, done)
}

// await waits for done, running other queued tasks meanwhile so that a
// worker blocked on a nested dispatch still makes progress.
func (p *Pool) await(
	ctx, runCtx context.Context,
	url string,
	done <-chan crawler.WorkerOutcome,
) (crawler.WorkerOutcome, error) {
	ready := p.queue.Ready()
	for {
		select {
		case out := <-done:
			return out, nil
		case item, ok := <-ready:
			if !ok {
				ready = nil
				continue
			}
			p.execute(withWorker(runCtx), item)
		case <-ctx.Done():
			out := crawler.WorkerOutcome{URL: url, ExitStatus: crawler.ExitFailure, Err: ctx.Err()}
			return out, fmt.Errorf("await %s: %w", url, ctx.Err())
		case <-runCtx.Done():
			out := crawler.WorkerOutcome{URL: url, ExitStatus: crawler.ExitFailure, Err: crawler.ErrPoolNotRunning}
			return out, fmt.Errorf("await %s: %w", url, crawler.ErrPoolNotRunning)
		}
	}
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	ctx := withWorker(p.runCtx)
	logger := p.logger.With(zap.Int("worker", id))
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug("worker exiting", zap.Error(err))
			}
			return
		}
		p.execute(ctx, item)
	}
}

func (p *Pool) execute(ctx context.Context, item crawler.QueueItem) {
	out := p.run(ctx, item.Task)
	if item.Done != nil {
		item.Done <- out
	}
}

// run processes task, converting failures and panics into an outcome.
func (p *Pool) run(ctx context.Context, task crawler.PageTask) (out crawler.WorkerOutcome) {
	logger := p.logger.With(zap.String("url", task.URL), zap.String("kind", string(task.Kind)))
	start := time.Now()
	metrics.IncActiveWorkers()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker panicked", zap.Any("panic", r), zap.Stack("stack"))
			out = crawler.WorkerOutcome{
				URL:        task.URL,
				ExitStatus: crawler.ExitFailure,
				Err:        fmt.Errorf("%w: %v", crawler.ErrWorkerPanic, r),
			}
		}
		out.Duration = time.Since(start)
		metrics.DecActiveWorkers()
		metrics.ObserveWorker(out.ExitStatus)
		if out.ExitStatus != crawler.ExitSuccess {
			logger.Warn("worker finished with failure",
				zap.Int("exit_status", out.ExitStatus), zap.Duration("duration", out.Duration), zap.Error(out.Err))
			return
		}
		logger.Debug("worker finished", zap.Duration("duration", out.Duration))
	}()

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()

	if err := handler.Process(ctx, task); err != nil {
		return crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitFailure, Err: err}
	}
	return crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitSuccess}
}

func withWorker(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerKey{}, true)
}

func inWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerKey{}).(bool)
	return v
}
