package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/connection"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

type loopbackTransport struct {
	mu        sync.Mutex
	sink      connection.Sink
	ready     chan struct{}
	connected bool
	sent      []connection.Envelope
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{ready: make(chan struct{})}
}

func (l *loopbackTransport) Run(ctx context.Context, sink connection.Sink) error {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
	close(l.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (l *loopbackTransport) Send(_ context.Context, envelope connection.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return connection.ErrNotConnected
	}
	l.sent = append(l.sent, envelope)
	return nil
}

func (l *loopbackTransport) waitSink(t *testing.T) connection.Sink {
	t.Helper()
	select {
	case <-l.ready:
	case <-time.After(time.Second):
		t.Fatal("transport was not started")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}

func (l *loopbackTransport) connect(t *testing.T) {
	t.Helper()
	sink := l.waitSink(t)
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	sink.TransportConnected()
}

func (l *loopbackTransport) deliver(t *testing.T, event, payload string) {
	t.Helper()
	l.waitSink(t).TransportFrame(connection.Envelope{Event: event, Data: json.RawMessage(payload)})
}

func (l *loopbackTransport) sentEvents(event string) []connection.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matching []connection.Envelope
	for _, envelope := range l.sent {
		if envelope.Event == event {
			matching = append(matching, envelope)
		}
	}
	return matching
}

type firedAlert struct {
	kind  notify.Kind
	title string
	body  string
}

type recordingAlerter struct {
	mu    sync.Mutex
	fired []firedAlert
}

func (a *recordingAlerter) SupportsSilentAlert() bool { return true }
func (a *recordingAlerter) SupportsSoundAlert() bool  { return true }

func (a *recordingAlerter) Fire(kind notify.Kind, title, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fired = append(a.fired, firedAlert{kind: kind, title: title, body: body})
	return nil
}

func (a *recordingAlerter) alerts() []firedAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make([]firedAlert, len(a.fired))
	copy(copied, a.fired)
	return copied
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("out-%d", s.next), nil
}

type harness struct {
	session   *Session
	transport *loopbackTransport
	store     *store.MemoryStore
	alerter   *recordingAlerter
}

func mustStartedSession(t *testing.T, identity string, mutate func(*Config)) harness {
	t.Helper()
	transport := newLoopbackTransport()
	memory := store.NewMemoryStore()
	alerter := &recordingAlerter{}
	cfg := Config{
		Store:     memory,
		Transport: transport,
		IdentityProvider: func(context.Context) (string, error) {
			return identity, nil
		},
		Alerter:           alerter,
		PermissionGranted: true,
		IDProvider:        &sequenceIDs{},
		Clock:             func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	transport.connect(t)
	return harness{session: s, transport: transport, store: memory, alerter: alerter}
}

func arrival(id, sender, text string) string {
	payload, _ := json.Marshal(map[string]string{
		"id":     id,
		"sender": sender,
		"text":   text,
		"sentAt": "2024-01-01T00:00:00Z",
	})
	return string(payload)
}
