package dispatcher

import (
	"sync"

	"github.com/JakeFAU/gallery-crawler/internal/crawler"
)

// visitedSet remembers every page URL dispatched during a run.
type visitedSet struct {
	mu   sync.Mutex
	urls map[string]struct{}
}

func newVisitedSet() *visitedSet {
	return &visitedSet{urls: make(map[string]struct{})}
}

func visitedKey(url string) string {
	key, err := crawler.NormalizeURL(url)
	if err != nil {
		return url
	}
	return key
}

// add records url and reports whether it was new.
func (v *visitedSet) add(url string) bool {
	key := visitedKey(url)
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.urls[key]; ok {
		return false
	}
	v.urls[key] = struct{}{}
	return true
}

// remove forgets url so a later dispatch can run it.
func (v *visitedSet) remove(url string) {
	key := visitedKey(url)
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.urls, key)
}

func (v *visitedSet) len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.urls)
}
