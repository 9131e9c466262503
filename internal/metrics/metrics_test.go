package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, crawlerPagesTotal)
	require.NotNil(t, crawlerImagesTotal)
	require.NotNil(t, crawlerDownloadsInFlight)
	require.NotNil(t, crawlerWorkersTotal)
}

func TestObserveDownload(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerImagesTotal.WithLabelValues(DownloadDuplicate))
	bytesBefore := testutil.ToFloat64(crawlerImageBytesTotal)

	ObserveDownload(DownloadDuplicate, 0)
	ObserveDownload(DownloadStored, 512)

	require.Equal(t, before+1, testutil.ToFloat64(crawlerImagesTotal.WithLabelValues(DownloadDuplicate)))
	require.Equal(t, bytesBefore+512, testutil.ToFloat64(crawlerImageBytesTotal))
}

func TestObservePageAndWorkers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("gallery.test", "album", "200"))
	ObservePage("http://gallery.test/a/1.html", "album", 200, 30*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("gallery.test", "album", "200")))

	failedBefore := testutil.ToFloat64(crawlerWorkersTotal.WithLabelValues("1"))
	ObserveWorker(1)
	require.Equal(t, failedBefore+1, testutil.ToFloat64(crawlerWorkersTotal.WithLabelValues("1")))

	active := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	require.Equal(t, active+1, testutil.ToFloat64(crawlerActiveWorkers))
	DecActiveWorkers()
	require.Equal(t, active, testutil.ToFloat64(crawlerActiveWorkers))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
