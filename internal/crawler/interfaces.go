package crawler

import (
	"context"
	"time"
)

// PageFetcher retrieves a page and parses it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (FetchedPage, error)
}

// PageAdapter extracts links from a fetched page for one fixed site schema.
type PageAdapter interface {
	Extract(page FetchedPage) Extraction
	Normalize(link string) string
}

// ImageFetcher retrieves raw image bytes without any text decoding.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (ImageResponse, error)
}

// ContentStore persists content under a key. Put must never overwrite an
// existing key and returns ErrAlreadyExists instead.
type ContentStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// ImageCatalog records stored images for later lookup.
type ImageCatalog interface {
	RecordImage(ctx context.Context, image StoredImage) error
}

// RateLimiter paces outbound requests.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// ImageSubmitter accepts fire-and-forget image downloads.
type ImageSubmitter interface {
	Submit(task ImageTask) bool
}

// Dispatcher runs a page task in an isolated worker and waits for it to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, task PageTask) (WorkerOutcome, error)
}

// Queue provides enqueue/dequeue semantics for page tasks.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	TryEnqueue(item QueueItem) bool
	Dequeue(ctx context.Context) (QueueItem, error)
	// Ready exposes the receive side so waiting callers can help drain the queue.
	Ready() <-chan QueueItem
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
