package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/connection"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/seen"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("session: store is required")
	errMissingTransport = errors.New("session: transport is required")

	// ErrUnknownMessage indicates that an operation referenced a message the ledger does not hold.
	ErrUnknownMessage = errors.New("session: unknown message")
)

// Config describes the collaborators of a Session.
type Config struct {
	Store             store.Store
	Transport         connection.Transport
	IdentityProvider  connection.IdentityProvider
	Authorizer        connection.Authorizer
	Alerter           notify.Alerter
	PermissionGranted bool
	IDProvider        messages.IDProvider
	Clock             func() time.Time
	FeedBuffer        int
	Logger            *zap.Logger
}

// OutgoingDraft is what the UI submits for sending.
type OutgoingDraft struct {
	Text  string `json:"text"`
	Image string `json:"image"`
}

// Snapshot is the state a UI needs to render from scratch.
type Snapshot struct {
	Connection           connection.Status        `json:"connection"`
	Messages             []messages.MessageRecord `json:"messages"`
	Seen                 seen.Index               `json:"seen"`
	Reply                *messages.ReplyContext   `json:"reply,omitempty"`
	NotificationsOptedIn bool                     `json:"notificationsOptedIn"`
	WindowHidden         bool                     `json:"windowHidden"`
	WindowFocused        bool                     `json:"windowFocused"`
}

// Session is the application root. It owns every component and processes
// inbound events and user actions one at a time.
type Session struct {
	store      store.Store
	ledger     *messages.Ledger
	tracker    *seen.Tracker
	annotator  *messages.Annotator
	dispatcher *notify.Dispatcher
	manager    *connection.Manager
	feed       *ChangeFeed
	idProvider messages.IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	permissionGranted bool

	mu      sync.Mutex
	optedIn bool
	hidden  bool
	focused bool
}

// New wires the components. Nothing touches the store or network until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = messages.NewUUIDProvider()
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = notify.NopAlerter{}
	}

	ledger, err := messages.NewLedger(messages.LedgerConfig{
		Store:  cfg.Store,
		Logger: logger.Named("ledger"),
	})
	if err != nil {
		return nil, err
	}
	manager, err := connection.NewManager(connection.ManagerConfig{
		Transport:        cfg.Transport,
		Store:            cfg.Store,
		IdentityProvider: cfg.IdentityProvider,
		Authorizer:       cfg.Authorizer,
		Logger:           logger.Named("connection"),
	})
	if err != nil {
		return nil, err
	}
	tracker := seen.NewTracker(seen.TrackerConfig{
		Emitter: manager,
		Authors: ledger,
		Store:   cfg.Store,
		Clock:   clock,
		Logger:  logger.Named("seen"),
	})
	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Alerter: alerter,
		Logger:  logger.Named("notify"),
	})

	s := &Session{
		store:             cfg.Store,
		ledger:            ledger,
		tracker:           tracker,
		annotator:         messages.NewAnnotator(),
		dispatcher:        dispatcher,
		manager:           manager,
		feed:              NewChangeFeed(cfg.FeedBuffer),
		idProvider:        idProvider,
		clock:             clock,
		logger:            logger,
		permissionGranted: cfg.PermissionGranted,
		focused:           true,
	}
	manager.Subscribe(connection.Handlers{
		MessageArrived: s.handleMessageArrived,
		SeenMarked:     s.handleSeenMarked,
		LedgerCleared:  s.handleLedgerCleared,
		StatusChanged:  s.handleStatusChanged,
	})
	return s, nil
}

// Start restores persisted state and opens the channel.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	records := s.ledger.LoadFromStore(ctx)
	s.tracker.Load(ctx)
	var optedIn bool
	if _, err := store.Load(ctx, s.store, store.KeyNotificationsOptIn, &optedIn); err != nil {
		s.logger.Warn("notification preference unreadable", zap.Error(err))
	}
	s.optedIn = optedIn
	s.mu.Unlock()

	s.logger.Info("session restored", zap.Int("messages", len(records)), zap.Bool("notifications_opted_in", optedIn))
	s.manager.Open(ctx)
}

// Done is closed when the channel loop has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.manager.Done()
}

// Subscribe streams change notifications until ctx is done.
func (s *Session) Subscribe(ctx context.Context) (<-chan Change, func()) {
	return s.feed.Subscribe(ctx)
}

// Send emits a new message built from draft and the active reply, if any.
// The record reaches the ledger only when the channel echoes it back.
func (s *Session) Send(ctx context.Context, draft OutgoingDraft) (messages.MessageRecord, error) {
	identity := s.manager.Identity()
	if identity == "" {
		return messages.MessageRecord{}, connection.ErrUnauthenticated
	}

	s.mu.Lock()
	var reply *messages.ReplyContext
	if active, ok := s.annotator.Active(); ok {
		reply = &active
	}
	record := s.annotator.Attach(messages.Draft{
		Sender: identity,
		Text:   strings.TrimSpace(draft.Text),
		Image:  draft.Image,
		SentAt: messages.FormatSentAt(s.clock()),
	}, reply)
	s.mu.Unlock()

	id, err := s.idProvider.NewID()
	if err != nil {
		return messages.MessageRecord{}, fmt.Errorf("session: assign message id: %w", err)
	}
	record.ID = id
	if err := record.Validate(); err != nil {
		return messages.MessageRecord{}, err
	}
	if err := s.manager.Send(ctx, record); err != nil {
		return messages.MessageRecord{}, err
	}

	if reply != nil {
		s.mu.Lock()
		if active, ok := s.annotator.Active(); ok && active.MessageID == reply.MessageID {
			s.annotator.CancelReply()
		}
		s.mu.Unlock()
	}
	return record, nil
}

// BeginReply selects the ledger message id as the quoted message.
func (s *Session) BeginReply(messageID string) (messages.ReplyContext, error) {
	record, ok := s.ledger.Lookup(messageID)
	if !ok {
		return messages.ReplyContext{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.annotator.BeginReply(record), nil
}

// CancelReply drops the active reply selection.
func (s *Session) CancelReply() {
	s.mu.Lock()
	s.annotator.CancelReply()
	s.mu.Unlock()
}

// MessageVisible handles the UI signal that a message is on screen.
func (s *Session) MessageVisible(ctx context.Context, messageID string) error {
	identity := s.manager.Identity()
	if identity == "" {
		return connection.ErrUnauthenticated
	}

	s.mu.Lock()
	marked, err := s.tracker.MarkSeenLocally(ctx, messageID, identity)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, seen.ErrUnknownMessage) {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
		}
		return err
	}
	if marked {
		s.publishSeen(messageID, identity)
	}
	return nil
}

// SetPresence records window visibility and focus. Regaining focus marks
// every message from others as seen.
func (s *Session) SetPresence(ctx context.Context, hidden, focused bool) (int, error) {
	s.mu.Lock()
	regained := focused && !s.focused
	s.hidden = hidden
	s.focused = focused
	s.mu.Unlock()
	if !regained {
		return 0, nil
	}
	return s.rescan(ctx)
}

// Clear empties the ledger and the seen index locally.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	err := s.clearLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.feed.Publish(Change{Type: ChangeLedgerCleared, Timestamp: s.clock().UTC()})
	return nil
}

// SetNotificationsOptIn stores the user's notification preference.
func (s *Session) SetNotificationsOptIn(ctx context.Context, optedIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optedIn = optedIn
	if _, err := store.Save(ctx, s.store, store.KeyNotificationsOptIn, optedIn); err != nil {
		s.logger.Error("notification preference write failed", zap.Error(err))
		return err
	}
	return nil
}

// RetryIdentity re-establishes the identity after an identity fault.
func (s *Session) RetryIdentity(ctx context.Context, identity string) error {
	return s.manager.RetryIdentity(ctx, identity)
}

// ResetIdentity forgets the stored identity and asks for a new one.
func (s *Session) ResetIdentity(ctx context.Context) error {
	return s.manager.ResetSession(ctx)
}

// Status returns the connection status.
func (s *Session) Status() connection.Status {
	return s.manager.Status()
}

// Snapshot returns the current state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := Snapshot{
		Connection:           s.manager.Status(),
		Messages:             s.ledger.Records(),
		Seen:                 s.tracker.Snapshot(),
		NotificationsOptedIn: s.optedIn,
		WindowHidden:         s.hidden,
		WindowFocused:        s.focused,
	}
	if active, ok := s.annotator.Active(); ok {
		snapshot.Reply = &active
	}
	return snapshot
}

func (s *Session) handleMessageArrived(record messages.MessageRecord) {
	identity := s.manager.Identity()

	ctx := context.Background()
	s.mu.Lock()
	err := s.ledger.Append(ctx, record)
	if err == nil || errors.Is(err, messages.ErrPersistence) {
		s.tracker.ForgetAuthor(ctx, record.ID, record.Sender)
	}
	alertContext := notify.Context{
		IsOwnMessage:      identity != "" && record.Sender == identity,
		IsWindowHidden:    s.hidden,
		UserOptedIn:       s.optedIn,
		PermissionGranted: s.permissionGranted,
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, messages.ErrPersistence) {
		s.logger.Warn("inbound message rejected", zap.String("message_id", record.ID), zap.Error(err))
		return
	}

	appended := record
	s.feed.Publish(Change{Type: ChangeLedgerAppended, Record: &appended, Timestamp: s.clock().UTC()})
	decision := s.dispatcher.OnMessageArrived(record, alertContext)
	s.logger.Debug("message arrived", zap.String("message_id", record.ID), zap.Stringer("alert", decision))
}

func (s *Session) handleSeenMarked(mark seen.Mark) {
	s.mu.Lock()
	changed, err := s.tracker.RecordRemoteSeen(context.Background(), mark)
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("inbound seen-mark rejected", zap.Error(err))
		return
	}
	if changed {
		published := mark
		s.feed.Publish(Change{Type: ChangeSeenUpdated, Mark: &published, Timestamp: s.clock().UTC()})
	}
}

func (s *Session) handleLedgerCleared() {
	if err := s.Clear(context.Background()); err != nil {
		s.logger.Error("remote clear failed", zap.Error(err))
	}
}

func (s *Session) handleStatusChanged(status connection.Status) {
	published := status
	s.feed.Publish(Change{Type: ChangeConnectionChanged, Status: &published, Timestamp: s.clock().UTC()})
}

func (s *Session) clearLocked(ctx context.Context) error {
	if err := s.ledger.Clear(ctx); err != nil {
		return err
	}
	if err := s.tracker.Clear(ctx); err != nil {
		s.logger.Error("seen index clear failed", zap.Error(err))
	}
	s.annotator.CancelReply()
	return nil
}

func (s *Session) rescan(ctx context.Context) (int, error) {
	identity := s.manager.Identity()
	if identity == "" {
		return 0, nil
	}
	s.mu.Lock()
	records := s.ledger.Records()
	before := s.tracker.Snapshot()
	emitted, err := s.tracker.MarkAllSeen(ctx, records, identity)
	s.mu.Unlock()

	for _, record := range records {
		if _, ok := before[record.ID][identity]; ok {
			continue
		}
		s.publishSeen(record.ID, identity)
	}
	if err != nil {
		s.logger.Warn("focus rescan interrupted", zap.Int("emitted", emitted), zap.Error(err))
	}
	return emitted, err
}

func (s *Session) publishSeen(messageID, viewer string) {
	seenAt, ok := s.tracker.SeenAt(messageID, viewer)
	if !ok {
		return
	}
	mark := seen.Mark{MessageID: messageID, ViewerIdentity: viewer, SeenAt: seenAt}
	s.feed.Publish(Change{Type: ChangeSeenUpdated, Mark: &mark, Timestamp: s.clock().UTC()})
}
