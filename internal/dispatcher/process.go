package dispatcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/metrics"
)

// ProcessConfig controls a ProcessDispatcher.
type ProcessConfig struct {
	// Executable is the worker binary. Empty means the running executable.
	Executable string
	// Args precede the page URL on the worker command line.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
}

// DefaultWorkerArgs runs one page in the child.
var DefaultWorkerArgs = []string{"crawl", "--single"}

// ProcessDispatcher runs every page task in its own child process. Only a
// non-zero exit status is a failure; output on stderr is forwarded, not judged.
type ProcessDispatcher struct {
	exe     string
	args    []string
	env     []string
	logger  *zap.Logger
	visited *visitedSet
}

// NewProcessDispatcher builds a ProcessDispatcher.
func NewProcessDispatcher(cfg ProcessConfig, logger *zap.Logger) (*ProcessDispatcher, error) {
	exe := cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		exe = self
	}
	args := cfg.Args
	if len(args) == 0 {
		args = DefaultWorkerArgs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessDispatcher{
		exe:     exe,
		args:    append([]string(nil), args...),
		env:     append([]string(nil), cfg.Env...),
		logger:  logger,
		visited: newVisitedSet(),
	}, nil
}

// MarkVisited records url as already crawled so later dispatches skip it.
func (d *ProcessDispatcher) MarkVisited(url string) {
	d.visited.add(url)
}

// Dispatch starts a child for task and waits for it to exit. The error is
// non-nil only when the child could not be started.
func (d *ProcessDispatcher) Dispatch(ctx context.Context, task crawler.PageTask) (crawler.WorkerOutcome, error) {
	if task.URL == "" {
		return crawler.WorkerOutcome{}, nil
	}
	if !d.visited.add(task.URL) {
		d.logger.Debug("page already dispatched", zap.String("url", task.URL))
		return crawler.WorkerOutcome{URL: task.URL, Skipped: true}, nil
	}

	logger := d.logger.With(zap.String("url", task.URL), zap.String("kind", string(task.Kind)))
	args := append(append([]string(nil), d.args...), task.URL)
	cmd := exec.CommandContext(ctx, d.exe, args...)
	cmd.Env = append(os.Environ(), d.env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return d.startFailed(task.URL, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return d.startFailed(task.URL, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return d.startFailed(task.URL, err)
	}
	logger.Debug("worker process started", zap.Int("pid", cmd.Process.Pid))
	metrics.IncActiveWorkers()

	var forwarders sync.WaitGroup
	forwarders.Add(2)
	go forward(&forwarders, stdout, logger.With(zap.String("stream", "stdout")))
	go forward(&forwarders, stderr, logger.With(zap.String("stream", "stderr")))
	forwarders.Wait()
	waitErr := cmd.Wait()
	metrics.DecActiveWorkers()

	out := crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitSuccess, Duration: time.Since(start)}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		out.ExitStatus = exitErr.ExitCode()
		if out.ExitStatus <= 0 {
			// Killed by a signal.
			out.ExitStatus = crawler.ExitFailure
		}
		out.Err = fmt.Errorf("%w: %s", crawler.ErrWorkerFailed, exitErr)
	default:
		out.ExitStatus = crawler.ExitFailure
		out.Err = fmt.Errorf("%w: %w", crawler.ErrWorkerFailed, waitErr)
	}
	metrics.ObserveWorker(out.ExitStatus)

	if out.Err != nil {
		logger.Warn("worker process failed",
			zap.Int("exit_status", out.ExitStatus), zap.Duration("duration", out.Duration), zap.Error(out.Err))
	} else {
		logger.Debug("worker process finished", zap.Duration("duration", out.Duration))
	}
	return out, nil
}

func (d *ProcessDispatcher) startFailed(url string, err error) (crawler.WorkerOutcome, error) {
	err = fmt.Errorf("start worker for %s: %w", url, err)
	d.logger.Error("worker process not started", zap.String("url", url), zap.Error(err))
	return crawler.WorkerOutcome{URL: url, ExitStatus: crawler.ExitFailure, Err: err}, err
}

// forward logs each line the child writes.
func forward(wg *sync.WaitGroup, r io.Reader, logger *zap.Logger) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("worker output truncated", zap.Error(err))
		_, _ = io.Copy(io.Discard, r)
	}
}
