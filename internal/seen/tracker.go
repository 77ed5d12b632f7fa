package seen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrInvalidMark indicates that a seen-mark is missing its message or viewer.
	ErrInvalidMark = errors.New("seen: invalid mark")
	// ErrUnknownMessage indicates that a local mark references a message not in the ledger.
	ErrUnknownMessage = errors.New("seen: unknown message")
)

// Mark acknowledges that a viewer has observed a message.
type Mark struct {
	MessageID      string    `json:"messageId"`
	ViewerIdentity string    `json:"viewerIdentity"`
	SeenAt         time.Time `json:"seenAt"`
}

// Validate reports whether the mark identifies both a message and a viewer.
func (m Mark) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("%w: missing message id", ErrInvalidMark)
	}
	if strings.TrimSpace(m.ViewerIdentity) == "" {
		return fmt.Errorf("%w: missing viewer", ErrInvalidMark)
	}
	return nil
}

// Index maps a message identifier to the viewers that saw it and when.
type Index map[string]map[string]time.Time

// Emitter publishes local seen-marks to other clients.
type Emitter interface {
	EmitSeen(ctx context.Context, mark Mark) error
}

// AuthorLookup resolves the author of a message.
type AuthorLookup interface {
	Lookup(id string) (messages.MessageRecord, bool)
}

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	Emitter Emitter
	Authors AuthorLookup
	Store   store.Store
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Tracker reconciles seen-marks from this client and from remote viewers.
// It performs no debouncing; redundant calls leave the index unchanged.
type Tracker struct {
	mu      sync.Mutex
	index   Index
	emitter Emitter
	authors AuthorLookup
	store   store.Store
	clock   func() time.Time
	logger  *zap.Logger
}

// NewTracker constructs a tracker with an empty index.
func NewTracker(cfg TrackerConfig) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		index:   make(Index),
		emitter: cfg.Emitter,
		authors: cfg.Authors,
		store:   cfg.Store,
		clock:   clock,
		logger:  logger,
	}
}

// Load restores the persisted index. A missing or corrupt entry leaves the index empty.
func (t *Tracker) Load(ctx context.Context) {
	if t.store == nil {
		return
	}
	var persisted Index
	found, err := store.Load(ctx, t.store, store.KeySeen, &persisted)
	if err != nil {
		t.logger.Warn("seen index unreadable", zap.Error(err))
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index = make(Index)
	if !found {
		return
	}
	for messageID, viewers := range persisted {
		for viewer, seenAt := range viewers {
			if t.isAuthorLocked(messageID, viewer) {
				continue
			}
			t.setLocked(messageID, viewer, seenAt)
		}
	}
}

// MarkSeenLocally records that viewer saw messageID and emits the mark outward.
// It reports whether a new mark was produced. Marks for the viewer's own messages
// and repeated marks are suppressed. When emission fails the index is left unchanged
// so that the next visibility or focus signal retries.
func (t *Tracker) MarkSeenLocally(ctx context.Context, messageID, viewer string) (bool, error) {
	mark := Mark{MessageID: messageID, ViewerIdentity: viewer}
	if err := mark.Validate(); err != nil {
		return false, err
	}
	if t.authors != nil {
		record, ok := t.authors.Lookup(messageID)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		}
		if record.Sender == viewer {
			return false, nil
		}
	}

	t.mu.Lock()
	_, already := t.index[messageID][viewer]
	t.mu.Unlock()
	if already {
		return false, nil
	}

	mark.SeenAt = t.clock().UTC()
	if t.emitter != nil {
		if err := t.emitter.EmitSeen(ctx, mark); err != nil {
			return false, err
		}
	}

	t.mu.Lock()
	t.setLocked(mark.MessageID, mark.ViewerIdentity, mark.SeenAt)
	t.mu.Unlock()
	t.persist(ctx)
	return true, nil
}

// MarkAllSeen marks every record not authored by viewer. It is used when the window
// regains focus and returns the number of marks emitted. Emission errors stop the scan.
func (t *Tracker) MarkAllSeen(ctx context.Context, records []messages.MessageRecord, viewer string) (int, error) {
	emitted := 0
	for _, record := range records {
		if record.Sender == viewer {
			continue
		}
		marked, err := t.MarkSeenLocally(ctx, record.ID, viewer)
		if err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				continue
			}
			return emitted, err
		}
		if marked {
			emitted++
		}
	}
	return emitted, nil
}

// RecordRemoteSeen merges an inbound mark. Later timestamps win for the same
// (message, viewer) pair; applying the same mark twice is a no-op. It reports
// whether the index changed.
func (t *Tracker) RecordRemoteSeen(ctx context.Context, mark Mark) (bool, error) {
	if err := mark.Validate(); err != nil {
		return false, err
	}
	seenAt := mark.SeenAt.UTC()
	if seenAt.IsZero() {
		seenAt = t.clock().UTC()
	}

	t.mu.Lock()
	if t.isAuthorLocked(mark.MessageID, mark.ViewerIdentity) {
		t.mu.Unlock()
		return false, nil
	}
	current, exists := t.index[mark.MessageID][mark.ViewerIdentity]
	if exists && !seenAt.After(current) {
		t.mu.Unlock()
		return false, nil
	}
	t.setLocked(mark.MessageID, mark.ViewerIdentity, seenAt)
	t.mu.Unlock()

	t.persist(ctx)
	return true, nil
}

// HasSeen reports whether viewer has a mark for messageID.
func (t *Tracker) HasSeen(messageID, viewer string) bool {
	_, ok := t.SeenAt(messageID, viewer)
	return ok
}

// SeenAt returns the recorded time of viewer's mark for messageID.
func (t *Tracker) SeenAt(messageID, viewer string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seenAt, ok := t.index[messageID][viewer]
	return seenAt, ok
}

// ForgetAuthor drops the author's own mark on messageID. A remote mark can
// arrive before the message it refers to, when the author is not yet known.
// It reports whether the index changed.
func (t *Tracker) ForgetAuthor(ctx context.Context, messageID, author string) bool {
	t.mu.Lock()
	viewers, ok := t.index[messageID]
	if ok {
		_, ok = viewers[author]
	}
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(viewers, author)
	if len(viewers) == 0 {
		delete(t.index, messageID)
	}
	t.mu.Unlock()

	t.persist(ctx)
	return true
}

// Snapshot returns a deep copy of the index.
func (t *Tracker) Snapshot() Index {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Clear drops every mark. It accompanies a ledger clear. When the persisted
// entry cannot be removed an empty index is written instead.
func (t *Tracker) Clear(ctx context.Context) error {
	t.mu.Lock()
	t.index = make(Index)
	t.mu.Unlock()
	if t.store == nil {
		return nil
	}
	err := t.store.Remove(ctx, store.KeySeen)
	if err == nil {
		return nil
	}
	t.logger.Warn("seen index removal failed", zap.Error(err))
	if _, saveErr := store.Save(ctx, t.store, store.KeySeen, Index{}); saveErr != nil {
		t.logger.Error("seen index write failed", zap.Error(saveErr))
		return fmt.Errorf("seen: clear persisted index: %w", saveErr)
	}
	return nil
}

func (t *Tracker) isAuthorLocked(messageID, viewer string) bool {
	if t.authors == nil {
		return false
	}
	record, ok := t.authors.Lookup(messageID)
	return ok && record.Sender == viewer
}

func (t *Tracker) setLocked(messageID, viewer string, seenAt time.Time) {
	viewers, ok := t.index[messageID]
	if !ok {
		viewers = make(map[string]time.Time)
		t.index[messageID] = viewers
	}
	viewers[viewer] = seenAt
}

func (t *Tracker) copyLocked() Index {
	copied := make(Index, len(t.index))
	for messageID, viewers := range t.index {
		inner := make(map[string]time.Time, len(viewers))
		for viewer, seenAt := range viewers {
			inner[viewer] = seenAt
		}
		copied[messageID] = inner
	}
	return copied
}

func (t *Tracker) persist(ctx context.Context) {
	if t.store == nil {
		return
	}
	t.mu.Lock()
	snapshot := t.copyLocked()
	t.mu.Unlock()
	if _, err := store.Save(ctx, t.store, store.KeySeen, snapshot); err != nil {
		t.logger.Error("seen index write failed", zap.Error(err))
	}
}
