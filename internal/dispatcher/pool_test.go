package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
	"github.com/JakeFAU/gallery-crawler/internal/queue/memory"
)

func startPool(t *testing.T, size, depth int, handler Handler) *Pool {
	t.Helper()
	p := New(memory.NewQueue(depth), Config{Size: size}, zap.NewNop())
	require.NoError(t, p.Start(context.Background(), handler))
	t.Cleanup(p.Stop)
	return p
}

func TestPoolDispatchSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := startPool(t, 2, 4, HandlerFunc(func(_ context.Context, task crawler.PageTask) error {
		calls.Add(1)
		return nil
	}))

	out, err := p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/1.html", Kind: crawler.TaskKindListing})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitSuccess, out.ExitStatus)
	require.NoError(t, out.Err)
	require.Equal(t, int32(1), calls.Load())
}

func TestPoolDispatchEmptyURL(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := startPool(t, 1, 1, HandlerFunc(func(context.Context, crawler.PageTask) error {
		calls.Add(1)
		return nil
	}))

	out, err := p.Dispatch(context.Background(), crawler.PageTask{})
	require.NoError(t, err)
	require.Equal(t, crawler.WorkerOutcome{}, out)
	require.Zero(t, calls.Load())
}

func TestPoolDispatchFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("fetch failed")
	p := startPool(t, 1, 1, HandlerFunc(func(context.Context, crawler.PageTask) error {
		return boom
	}))

	out, err := p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/bad.html"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)
	require.ErrorIs(t, out.Err, boom)
}

func TestPoolIsolatesPanics(t *testing.T) {
	t.Parallel()

	p := startPool(t, 1, 1, HandlerFunc(func(_ context.Context, task crawler.PageTask) error {
		if task.URL == "http://site.test/a/panic.html" {
			panic("bad page")
		}
		return nil
	}))

	out, err := p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/panic.html"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)
	require.ErrorIs(t, out.Err, crawler.ErrWorkerPanic)

	out, err = p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/fine.html"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitSuccess, out.ExitStatus)
}

func TestPoolSkipsVisitedURLs(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := startPool(t, 1, 1, HandlerFunc(func(context.Context, crawler.PageTask) error {
		calls.Add(1)
		return nil
	}))
	p.MarkVisited("http://site.test/a/list_1_1.html")

	out, err := p.Dispatch(context.Background(), crawler.PageTask{URL: "http://SITE.test/a/list_1_1.html#top"})
	require.NoError(t, err)
	require.True(t, out.Skipped)

	_, err = p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_2.html"})
	require.NoError(t, err)
	out, err = p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_2.html"})
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.Equal(t, int32(1), calls.Load())
}

func TestPoolNestedDispatchDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []string
		p    *Pool
	)
	handler := HandlerFunc(func(ctx context.Context, task crawler.PageTask) error {
		mu.Lock()
		seen = append(seen, task.URL)
		mu.Unlock()
		if strings.Count(task.URL, "/") >= 2 {
			return nil
		}
		for i := 0; i < 3; i++ {
			child := crawler.PageTask{URL: fmt.Sprintf("%s/%d", task.URL, i), Parent: task.URL, Kind: crawler.TaskKindAlbum}
			if _, err := p.Dispatch(ctx, child); err != nil {
				return err
			}
		}
		return nil
	})
	p = startPool(t, 1, 1, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.Dispatch(ctx, crawler.PageTask{URL: "n"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitSuccess, out.ExitStatus)

	mu.Lock()
	defer mu.Unlock()
	// 1 root + 3 children + 9 grandchildren.
	require.Len(t, seen, 13)
}

func TestPoolNotRunning(t *testing.T) {
	t.Parallel()

	p := New(memory.NewQueue(1), Config{}, nil)
	out, err := p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/"})
	require.ErrorIs(t, err, crawler.ErrPoolNotRunning)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)

	require.NoError(t, p.Start(context.Background(), HandlerFunc(func(context.Context, crawler.PageTask) error { return nil })))
	require.Error(t, p.Start(context.Background(), HandlerFunc(func(context.Context, crawler.PageTask) error { return nil })))
	p.Stop()
	p.Stop()

	_, err = p.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/late"})
	require.ErrorIs(t, err, crawler.ErrPoolNotRunning)
}

func TestPoolDispatchHonorsCallerContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := startPool(t, 1, 1, HandlerFunc(func(ctx context.Context, _ crawler.PageTask) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := p.Dispatch(ctx, crawler.PageTask{URL: "http://site.test/slow"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)
}

func TestPoolFailedEnqueueLeavesURLDispatchable(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	p := New(q, Config{Size: 1}, zap.NewNop())
	require.NoError(t, p.Start(context.Background(), HandlerFunc(func(context.Context, crawler.PageTask) error {
		return nil
	})))
	t.Cleanup(p.Stop)
	q.Close()

	task := crawler.PageTask{URL: "http://site.test/a/list_1_2.html", Kind: crawler.TaskKindPagination}
	out, err := p.Dispatch(context.Background(), task)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)
	require.Zero(t, p.visited.len())

	out, err = p.Dispatch(context.Background(), task)
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
	require.False(t, out.Skipped)
}
