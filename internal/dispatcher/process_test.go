package dispatcher

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// TestHelperProcess is the worker binary for the process dispatcher tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	url := os.Args[len(os.Args)-1]
	switch {
	case strings.HasSuffix(url, "/exit-3"):
		fmt.Fprintln(os.Stderr, "giving up")
		os.Exit(3)
	case strings.HasSuffix(url, "/noisy"):
		fmt.Fprintln(os.Stdout, "fetched "+url)
		fmt.Fprintln(os.Stderr, "warning: deprecated charset")
		os.Exit(0)
	default:
		fmt.Fprintln(os.Stdout, "ok "+url)
		os.Exit(0)
	}
}

func helperDispatcher(t *testing.T, logger *zap.Logger) *ProcessDispatcher {
	t.Helper()
	d, err := NewProcessDispatcher(ProcessConfig{
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env:        []string{"GO_WANT_HELPER_PROCESS=1"},
	}, logger)
	require.NoError(t, err)
	return d
}

func TestProcessDispatcherSuccess(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	d := helperDispatcher(t, zap.New(core))

	out, err := d.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/1.html"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitSuccess, out.ExitStatus)
	require.NoError(t, out.Err)
	require.Equal(t, 1, logs.FilterMessage("ok http://site.test/a/1.html").Len())
}

func TestProcessDispatcherStderrIsNotFailure(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	d := helperDispatcher(t, zap.New(core))

	out, err := d.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/noisy"})
	require.NoError(t, err)
	require.Equal(t, crawler.ExitSuccess, out.ExitStatus)
	require.NoError(t, out.Err)

	stderrLines := logs.FilterField(zap.String("stream", "stderr")).All()
	require.Len(t, stderrLines, 1)
	require.Equal(t, "warning: deprecated charset", stderrLines[0].Message)
}

func TestProcessDispatcherNonZeroExit(t *testing.T) {
	t.Parallel()

	d := helperDispatcher(t, zap.NewNop())

	out, err := d.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/exit-3"})
	require.NoError(t, err)
	require.Equal(t, 3, out.ExitStatus)
	require.ErrorIs(t, out.Err, crawler.ErrWorkerFailed)
}

func TestProcessDispatcherSkipsEmptyAndVisited(t *testing.T) {
	t.Parallel()

	d := helperDispatcher(t, zap.NewNop())
	out, err := d.Dispatch(context.Background(), crawler.PageTask{})
	require.NoError(t, err)
	require.Equal(t, crawler.WorkerOutcome{}, out)

	d.MarkVisited("http://site.test/a/list_1_1.html")
	out, err = d.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_1.html"})
	require.NoError(t, err)
	require.True(t, out.Skipped)
}

func TestProcessDispatcherStartFailure(t *testing.T) {
	t.Parallel()

	d, err := NewProcessDispatcher(ProcessConfig{Executable: "/nonexistent/gallery-crawler"}, nil)
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), crawler.PageTask{URL: "http://site.test/a/1.html"})
	require.Error(t, err)
	require.Equal(t, crawler.ExitFailure, out.ExitStatus)
}

func TestNewProcessDispatcherDefaults(t *testing.T) {
	t.Parallel()

	d, err := NewProcessDispatcher(ProcessConfig{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, d.exe)
	require.Equal(t, DefaultWorkerArgs, d.args)
}
