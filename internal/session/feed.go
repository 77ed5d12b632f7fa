package session

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/connection"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/seen"
)

const (
	ChangeLedgerAppended    = "ledger-appended"
	ChangeLedgerCleared     = "ledger-cleared"
	ChangeSeenUpdated       = "seen-updated"
	ChangeConnectionChanged = "connection-changed"

	defaultFeedBuffer = 32
)

// Change is a notification for UI subscribers. Only the field matching Type is set.
type Change struct {
	Type      string                  `json:"type"`
	Record    *messages.MessageRecord `json:"record,omitempty"`
	Mark      *seen.Mark              `json:"mark,omitempty"`
	Status    *connection.Status      `json:"status,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// ChangeFeed fans changes out to subscribers. Slow subscribers miss changes
// instead of blocking the publisher.
type ChangeFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Change
	nextID      int64
	bufferSize  int
}

// NewChangeFeed constructs a feed whose subscriber streams hold bufferSize changes.
func NewChangeFeed(bufferSize int) *ChangeFeed {
	if bufferSize <= 0 {
		bufferSize = defaultFeedBuffer
	}
	return &ChangeFeed{
		subscribers: make(map[int64]chan Change),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream that lives until ctx is done or cleanup is called.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan Change, func()) {
	stream := make(chan Change, f.bufferSize)
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.subscribers[id] = stream
	f.mu.Unlock()

	cleanup := func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers change to every subscriber with room in its buffer.
func (f *ChangeFeed) Publish(change Change) {
	if change.Type == "" {
		return
	}
	f.mu.RLock()
	streams := make([]chan Change, 0, len(f.subscribers))
	for _, stream := range f.subscribers {
		streams = append(streams, stream)
	}
	f.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- change:
		default:
		}
	}
}

// Subscribers returns the number of registered streams.
func (f *ChangeFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
