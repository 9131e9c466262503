package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, url string) (crawler.FetchedPage, error) {
	if f.err != nil {
		return crawler.FetchedPage{}, f.err
	}
	return crawler.FetchedPage{URL: url, StatusCode: 200}, nil
}

type fakeAdapter struct {
	extraction crawler.Extraction
}

func (a fakeAdapter) Extract(crawler.FetchedPage) crawler.Extraction {
	return a.extraction
}

func (a fakeAdapter) Normalize(link string) string {
	return "http://site.test/a/" + link
}

type fakeSubmitter struct {
	ev *events
}

func (s fakeSubmitter) Submit(task crawler.ImageTask) bool {
	s.ev.add("image " + task.URL)
	return true
}

type fakeDispatcher struct {
	ev       *events
	failURLs map[string]error
	tasks    []crawler.PageTask
}

func (d *fakeDispatcher) Dispatch(_ context.Context, task crawler.PageTask) (crawler.WorkerOutcome, error) {
	d.ev.add(string(task.Kind) + " " + task.URL)
	d.tasks = append(d.tasks, task)
	if err, ok := d.failURLs[task.URL]; ok {
		if err != nil {
			return crawler.WorkerOutcome{}, err
		}
		return crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitFailure, Err: crawler.ErrWorkerFailed}, nil
	}
	return crawler.WorkerOutcome{URL: task.URL, ExitStatus: crawler.ExitSuccess}, nil
}

func firstPageExtraction() crawler.Extraction {
	return crawler.Extraction{
		Images:          []string{"http://img.test/1.jpg", "http://img.test/2.jpg", "http://img.test/3.jpg"},
		Albums:          []string{"http://site.test/a/100.html", "http://site.test/a/101.html"},
		PaginationLinks: []string{"list_1_2.html", "list_1_3.html", "list_1_4.html"},
		CurrentPage:     1,
		HasCurrentPage:  true,
	}
}

func TestProcessFirstPageOrdering(t *testing.T) {
	t.Parallel()

	ev := &events{}
	d := &fakeDispatcher{ev: ev}
	o := New(fakeFetcher{}, fakeAdapter{extraction: firstPageExtraction()}, fakeSubmitter{ev: ev}, d, zap.NewNop())

	err := o.Process(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_1.html", Kind: crawler.TaskKindListing})
	require.NoError(t, err)

	require.Equal(t, []string{
		"image http://img.test/1.jpg",
		"image http://img.test/2.jpg",
		"image http://img.test/3.jpg",
		"album http://site.test/a/100.html",
		"album http://site.test/a/101.html",
		"pagination http://site.test/a/list_1_2.html",
		"pagination http://site.test/a/list_1_3.html",
		"pagination http://site.test/a/list_1_4.html",
	}, ev.all())
	for _, task := range d.tasks {
		require.Equal(t, "http://site.test/a/list_1_1.html", task.Parent)
	}

	progress := o.Progress()
	require.Equal(t, int64(1), progress.PagesSucceeded)
	require.Equal(t, int64(3), progress.ImagesQueued)
	require.Equal(t, int64(2), progress.AlbumsFound)
	require.Equal(t, int64(3), progress.PagesFollowed)
}

func TestProcessLaterPageSkipsPagination(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		current int
		has     bool
	}{
		{name: "page two", current: 2, has: true},
		{name: "no marker", current: 0, has: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ext := firstPageExtraction()
			ext.CurrentPage, ext.HasCurrentPage = tc.current, tc.has
			ev := &events{}
			d := &fakeDispatcher{ev: ev}
			o := New(fakeFetcher{}, fakeAdapter{extraction: ext}, fakeSubmitter{ev: ev}, d, nil)

			require.NoError(t, o.Process(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_2.html"}))
			require.Len(t, d.tasks, 2)
			for _, task := range d.tasks {
				require.Equal(t, crawler.TaskKindAlbum, task.Kind)
			}
		})
	}
}

func TestProcessFetchFailure(t *testing.T) {
	t.Parallel()

	fetchErr := &crawler.NetworkError{URL: "http://site.test/a/gone.html", StatusCode: 404, Err: errors.New("Not Found")}
	ev := &events{}
	d := &fakeDispatcher{ev: ev}
	o := New(fakeFetcher{err: fetchErr}, fakeAdapter{extraction: firstPageExtraction()}, fakeSubmitter{ev: ev}, d, nil)

	err := o.Process(context.Background(), crawler.PageTask{URL: "http://site.test/a/gone.html"})
	require.ErrorIs(t, err, crawler.ErrNetwork)
	require.Empty(t, ev.all())
	require.Equal(t, int64(1), o.Progress().PagesFailed)
}

func TestProcessContinuesPastDispatchFailures(t *testing.T) {
	t.Parallel()

	ev := &events{}
	d := &fakeDispatcher{ev: ev, failURLs: map[string]error{
		"http://site.test/a/100.html":      nil,
		"http://site.test/a/list_1_2.html": errors.New("queue closed"),
	}}
	o := New(fakeFetcher{}, fakeAdapter{extraction: firstPageExtraction()}, fakeSubmitter{ev: ev}, d, nil)

	require.NoError(t, o.Process(context.Background(), crawler.PageTask{URL: "http://site.test/a/list_1_1.html"}))
	require.Len(t, d.tasks, 5)
	require.Equal(t, int64(2), o.Progress().DispatchFailed)
}

func TestProcessStopsDispatchingWhenCanceled(t *testing.T) {
	t.Parallel()

	ev := &events{}
	d := &fakeDispatcher{ev: ev}
	o := New(fakeFetcher{}, fakeAdapter{extraction: firstPageExtraction()}, fakeSubmitter{ev: ev}, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := o.Process(ctx, crawler.PageTask{URL: "http://site.test/a/list_1_1.html"})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, d.tasks)
}
