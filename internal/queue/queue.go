package queue

import (
	"errors"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/shop-scraper/internal/models"
)

var (
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

const (
	PriorityListing = 0
	PriorityProduct = 10
)

// Entry is a URL waiting to be fetched. Product entries outrank listing
// entries.
type Entry struct {
	ID         string
	URL        string
	Label      models.Label
	Priority   int
	EnqueuedAt time.Time
}

// NewEntry assigns an ID and a priority derived from label.
func NewEntry(rawURL string, label models.Label) *Entry {
	priority := PriorityListing
	if label == models.LabelProduct {
		priority = PriorityProduct
	}
	return &Entry{
		ID:       uuid.NewString(),
		URL:      rawURL,
		Label:    label,
		Priority: priority,
	}
}

// Frontier holds pending crawl entries. Each URL is accepted at most once for
// the lifetime of the frontier, so a consumed entry can never come back.
type Frontier interface {
	Push(entry *Entry) (bool, error)
	PushBatch(entries []*Entry) (int, error)
	Pop() (*Entry, error)
	Size() int
	Seen(rawURL string) bool
	Close() error
}

// InMemoryFrontier is a Frontier ordered by priority, FIFO within a
// priority, and safe for concurrent use.
type InMemoryFrontier struct {
	mu      sync.Mutex
	entries []*Entry
	seen    map[string]struct{}
	closed  bool
}

// NewInMemoryFrontier returns an open, empty frontier.
func NewInMemoryFrontier() *InMemoryFrontier {
	return &InMemoryFrontier{
		entries: make([]*Entry, 0),
		seen:    make(map[string]struct{}),
	}
}

// Push adds the entry unless its URL was already seen. It reports whether the
// entry was accepted.
func (f *InMemoryFrontier) Push(entry *Entry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, ErrQueueClosed
	}

	return f.pushLocked(entry), nil
}

// PushBatch pushes entries in order and returns how many were accepted.
func (f *InMemoryFrontier) PushBatch(entries []*Entry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrQueueClosed
	}

	added := 0
	for _, entry := range entries {
		if f.pushLocked(entry) {
			added++
		}
	}

	return added, nil
}

func (f *InMemoryFrontier) pushLocked(entry *Entry) bool {
	key := seenKey(entry.URL)
	if _, ok := f.seen[key]; ok {
		return false
	}
	f.seen[key] = struct{}{}

	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	f.entries = append(f.entries, entry)
	f.sortByPriority()
	return true
}

// Pop never blocks. A closed frontier reports ErrQueueClosed even if entries
// remain, which is how a drained crawl stops admitting fetches.
func (f *InMemoryFrontier) Pop() (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrQueueClosed
	}

	if len(f.entries) == 0 {
		return nil, ErrQueueEmpty
	}

	entry := f.entries[0]
	f.entries[0] = nil
	f.entries = f.entries[1:]

	return entry, nil
}

// Size counts entries waiting to be popped.
func (f *InMemoryFrontier) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Seen reports whether rawURL was ever accepted, ignoring its fragment.
func (f *InMemoryFrontier) Seen(rawURL string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[seenKey(rawURL)]
	return ok
}

// Close stops the frontier. Pending entries are dropped and later pushes and
// pops fail with ErrQueueClosed.
func (f *InMemoryFrontier) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *InMemoryFrontier) sortByPriority() {
	sort.SliceStable(f.entries, func(i, j int) bool {
		return f.entries[i].Priority > f.entries[j].Priority
	})
}

func seenKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
