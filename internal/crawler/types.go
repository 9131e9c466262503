package crawler

import (
	"time"

	"github.com/PuerkitoBio/goquery"
)

// TaskKind records how a page task was discovered.
type TaskKind string

// Page task kinds.
const (
	TaskKindListing    TaskKind = "listing"
	TaskKindAlbum      TaskKind = "album"
	TaskKindPagination TaskKind = "pagination"
)

// Worker exit statuses. Process-isolated workers report the child's own exit code instead.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// StatusTimedOut is the download status reported when the hard deadline fires.
const StatusTimedOut = -1

// PageTask is a URL to crawl as a listing or album page.
type PageTask struct {
	URL    string
	Parent string
	Kind   TaskKind
}

// FetchedPage is the parsed representation of one fetched page. It is owned by
// the orchestrator invocation that fetched it.
type FetchedPage struct {
	URL        string
	StatusCode int
	Doc        *goquery.Document
	Duration   time.Duration
}

// Extraction is everything the page adapter pulls out of a fetched page.
type Extraction struct {
	Images          []string
	Albums          []string
	PaginationLinks []string
	// CurrentPage is only meaningful when HasCurrentPage is true.
	CurrentPage    int
	HasCurrentPage bool
}

// IsFirstPage reports whether the page is the first page of its listing.
func (e Extraction) IsFirstPage() bool {
	return e.HasCurrentPage && e.CurrentPage == 1
}

// ImageTask is one image reference found on a page.
type ImageTask struct {
	URL  string
	Page string
}

// ImageResponse is the raw result of an image GET.
type ImageResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// StoredImage describes one content-addressed image in the store.
type StoredImage struct {
	Hash      string
	Ext       string
	Key       string
	URI       string
	SourceURL string
	Size      int64
	StoredAt  time.Time
}

// DownloadOutcome is the result of a single image download. Failures are
// reported here rather than as errors.
type DownloadOutcome struct {
	URL        string
	StatusCode int
	Stored     *StoredImage
	Duplicate  bool
	Err        error
	Duration   time.Duration
}

// OK reports whether the image ended up in the store, either written now or already present.
func (o DownloadOutcome) OK() bool {
	return o.Err == nil && (o.Stored != nil || o.Duplicate)
}

// WorkerOutcome is the terminal status of one dispatched page worker. It is
// consumed for logging and metrics only.
type WorkerOutcome struct {
	URL        string
	ExitStatus int
	Err        error
	Skipped    bool
	Duration   time.Duration
}

// QueueItem wraps a page task waiting for a worker.
type QueueItem struct {
	Task      PageTask
	Submitted int64
	// Done receives exactly one outcome. It must be buffered.
	Done chan<- WorkerOutcome
}
