package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipeline components.
var (
	// ErrNetwork marks a page fetch that failed at the transport or returned a non-success status.
	ErrNetwork = errors.New("network error")
	// ErrAlreadyExists is returned by content stores when a key has already been written.
	ErrAlreadyExists = errors.New("object already exists")
	// ErrBodyTooLarge marks a response whose body exceeds the configured cap.
	ErrBodyTooLarge = errors.New("response body too large")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrPoolNotRunning is returned when dispatching to a stopped worker pool.
	ErrPoolNotRunning = errors.New("worker pool is not running")
	// ErrWorkerFailed marks a worker that terminated unsuccessfully.
	ErrWorkerFailed = errors.New("worker failed")
	// ErrWorkerPanic marks a worker that panicked while processing its task.
	ErrWorkerPanic = errors.New("worker panicked")
)

// NetworkError is returned by page fetches that fail at the transport or get a
// non-success status. It matches ErrNetwork with errors.Is.
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error fetching %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

// Unwrap exposes both ErrNetwork and the underlying cause.
func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}
