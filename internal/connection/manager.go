package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/seen"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
)

var errMissingTransport = errors.New("connection: transport is required")

// IdentityProvider asks the caller for an identity when none is stored.
type IdentityProvider func(ctx context.Context) (string, error)

// Handlers are the subscription callbacks of a Manager. Nil callbacks are skipped.
// All callbacks run on the transport goroutine, one at a time.
type Handlers struct {
	Connected      func(identity string)
	Disconnected   func(reason error)
	MessageArrived func(record messages.MessageRecord)
	SeenMarked     func(mark seen.Mark)
	LedgerCleared  func()
	StatusChanged  func(status Status)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Transport        Transport
	Store            store.Store
	IdentityProvider IdentityProvider
	Authorizer       Authorizer
	Logger           *zap.Logger
}

type identitySource int

const (
	identityFromSession identitySource = iota
	identityFromStore
	identityFromProvider
)

// Manager owns one logical connection to the channel. It re-announces the
// session identity after every successful (re)connection and never touches
// the ledger or seen index itself.
type Manager struct {
	transport  Transport
	store      store.Store
	provider   IdentityProvider
	authorizer Authorizer
	logger     *zap.Logger

	mu            sync.Mutex
	opened        bool
	runCtx        context.Context
	done          chan struct{}
	state         State
	identity      string
	authenticated bool
	announced     bool
	identityErr   error
	lastErr       error
	handlers      []Handlers
}

// NewManager constructs a disconnected Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = AllowList(nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport:  cfg.Transport,
		store:      cfg.Store,
		provider:   cfg.IdentityProvider,
		authorizer: authorizer,
		logger:     logger,
		state:      StateDisconnected,
		runCtx:     context.Background(),
	}, nil
}

// Subscribe registers callbacks for connection events.
func (m *Manager) Subscribe(handlers Handlers) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handlers)
	m.mu.Unlock()
}

// Open starts the transport in the background. Calling it again is a no-op.
func (m *Manager) Open(ctx context.Context) {
	m.mu.Lock()
	if m.opened {
		m.mu.Unlock()
		return
	}
	m.opened = true
	m.runCtx = ctx
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := m.transport.Run(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("transport stopped", zap.Error(err))
		}
	}()
}

// Done is closed once the transport loop has exited. It is nil before Open.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Identity returns the established identity, or an empty string.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.authenticated {
		return ""
	}
	return m.identity
}

// Send emits an outgoing message.
func (m *Manager) Send(ctx context.Context, record messages.MessageRecord) error {
	return m.emit(ctx, EventMessageSend, record)
}

// EmitSeen emits a local seen-mark.
func (m *Manager) EmitSeen(ctx context.Context, mark seen.Mark) error {
	return m.emit(ctx, EventSeenMark, mark)
}

// RetryIdentity is the manual recovery path after an identity fault. A non-blank
// identity replaces the session identity; a blank one re-runs resolution.
func (m *Manager) RetryIdentity(ctx context.Context, identity string) error {
	m.mu.Lock()
	m.identityErr = nil
	m.identity = strings.TrimSpace(identity)
	m.authenticated = false
	m.announced = false
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected {
		m.notifyStatus()
		return nil
	}
	return m.authenticate(ctx, identityFromSession)
}

// ResetSession forgets the stored identity and re-establishes one.
func (m *Manager) ResetSession(ctx context.Context) error {
	if m.store != nil {
		if err := m.store.Remove(ctx, store.KeyIdentity); err != nil {
			m.logger.Error("identity removal failed", zap.Error(err))
		}
	}
	return m.RetryIdentity(ctx, "")
}

func (m *Manager) TransportConnecting() {
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()
	m.notifyStatus()
}

func (m *Manager) TransportConnected() {
	m.mu.Lock()
	m.state = StateConnected
	m.lastErr = nil
	m.announced = false
	ctx := m.runCtx
	m.mu.Unlock()
	m.logger.Info("channel connected")
	m.notifyStatus()

	if err := m.authenticate(ctx, identityFromSession); err != nil {
		m.logger.Warn("session not authenticated", zap.Error(err))
	}
}

func (m *Manager) TransportDisconnected(reason error) {
	m.mu.Lock()
	if reason == nil || errors.Is(reason, context.Canceled) {
		m.state = StateDisconnected
	} else {
		m.state = StateErrored
		m.lastErr = reason
	}
	m.announced = false
	handlers := m.copyHandlersLocked()
	m.mu.Unlock()

	if reason != nil {
		m.logger.Warn("channel disconnected", zap.Error(reason))
	}
	m.notifyStatus()
	for _, h := range handlers {
		if h.Disconnected != nil {
			h.Disconnected(reason)
		}
	}
}

func (m *Manager) TransportFrame(envelope Envelope) {
	m.mu.Lock()
	ready := m.state == StateConnected && m.authenticated
	handlers := m.copyHandlersLocked()
	m.mu.Unlock()
	if !ready {
		m.logger.Debug("dropping frame for unauthenticated session", zap.String("event", envelope.Event))
		return
	}

	switch envelope.Event {
	case EventMessageArrived:
		var record messages.MessageRecord
		if err := json.Unmarshal(envelope.Data, &record); err != nil {
			m.logger.Warn("dropping undecodable message", zap.Error(err))
			return
		}
		for _, h := range handlers {
			if h.MessageArrived != nil {
				h.MessageArrived(record)
			}
		}
	case EventSeenMark:
		var mark seen.Mark
		if err := json.Unmarshal(envelope.Data, &mark); err != nil {
			m.logger.Warn("dropping undecodable seen-mark", zap.Error(err))
			return
		}
		for _, h := range handlers {
			if h.SeenMarked != nil {
				h.SeenMarked(mark)
			}
		}
	case EventLedgerCleared:
		for _, h := range handlers {
			if h.LedgerCleared != nil {
				h.LedgerCleared()
			}
		}
	default:
		m.logger.Debug("ignoring channel event", zap.String("event", envelope.Event))
	}
}

// authenticate resolves and validates the identity, then announces it once for
// the current connection. Identity faults are terminal until RetryIdentity.
func (m *Manager) authenticate(ctx context.Context, source identitySource) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.identityErr != nil {
		err := m.identityErr
		m.mu.Unlock()
		return err
	}
	identity := m.identity
	m.mu.Unlock()

	if identity == "" {
		var err error
		identity, source, err = m.resolveIdentity(ctx)
		if err != nil {
			m.failIdentity(err)
			return err
		}
	}

	if !m.authorizer(identity) {
		err := fmt.Errorf("%w: %s", ErrIdentityRejected, identity)
		if source == identityFromStore && m.store != nil {
			if removeErr := m.store.Remove(ctx, store.KeyIdentity); removeErr != nil {
				m.logger.Error("identity removal failed", zap.Error(removeErr))
			}
		}
		m.failIdentity(err)
		return err
	}

	m.mu.Lock()
	m.identity = identity
	m.authenticated = true
	alreadyAnnounced := m.announced
	m.announced = true
	handlers := m.copyHandlersLocked()
	m.mu.Unlock()

	if source != identityFromStore && m.store != nil {
		if _, err := store.Save(ctx, m.store, store.KeyIdentity, identity); err != nil {
			m.logger.Error("identity write failed", zap.Error(err))
		}
	}
	if alreadyAnnounced {
		return nil
	}

	envelope, err := NewEnvelope(EventIdentityAnnounce, AnnouncePayload{Identity: identity})
	if err == nil {
		err = m.transport.Send(ctx, envelope)
	}
	if err != nil {
		m.mu.Lock()
		m.announced = false
		m.mu.Unlock()
		m.logger.Warn("identity announce failed", zap.Error(err))
		return err
	}

	m.logger.Info("identity announced", zap.String("identity", identity))
	m.notifyStatus()
	for _, h := range handlers {
		if h.Connected != nil {
			h.Connected(identity)
		}
	}
	return nil
}

func (m *Manager) resolveIdentity(ctx context.Context) (string, identitySource, error) {
	if m.store != nil {
		var stored string
		found, err := store.Load(ctx, m.store, store.KeyIdentity, &stored)
		if err != nil {
			m.logger.Warn("stored identity unreadable", zap.Error(err))
		}
		if found && strings.TrimSpace(stored) != "" {
			return strings.TrimSpace(stored), identityFromStore, nil
		}
	}
	if m.provider == nil {
		return "", identityFromProvider, ErrIdentityUnavailable
	}
	identity, err := m.provider(ctx)
	if err != nil {
		return "", identityFromProvider, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", identityFromProvider, ErrIdentityUnavailable
	}
	return identity, identityFromProvider, nil
}

func (m *Manager) failIdentity(err error) {
	m.mu.Lock()
	m.identityErr = err
	m.identity = ""
	m.authenticated = false
	m.mu.Unlock()
	m.logger.Error("identity fault", zap.Error(err))
	m.notifyStatus()
}

func (m *Manager) emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	connected := m.state == StateConnected
	ready := m.authenticated && m.announced
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if !ready {
		return ErrUnauthenticated
	}
	envelope, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, envelope)
}

func (m *Manager) notifyStatus() {
	m.mu.Lock()
	status := m.statusLocked()
	handlers := m.copyHandlersLocked()
	m.mu.Unlock()
	for _, h := range handlers {
		if h.StatusChanged != nil {
			h.StatusChanged(status)
		}
	}
}

func (m *Manager) statusLocked() Status {
	status := Status{
		State:         m.state,
		Authenticated: m.authenticated,
	}
	if m.authenticated {
		status.Identity = m.identity
	}
	switch {
	case m.identityErr != nil:
		status.LastError = m.identityErr.Error()
	case m.lastErr != nil:
		status.LastError = m.lastErr.Error()
	}
	return status
}

func (m *Manager) copyHandlersLocked() []Handlers {
	copied := make([]Handlers, len(m.handlers))
	copy(copied, m.handlers)
	return copied
}
