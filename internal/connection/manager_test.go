package connection

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/messages"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/seen"
	"github.com/MarcoPoloResearchLab/gravity/chatcore/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConnectAnnouncesIdentityOncePerConnection(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{identity: "vidhi"}
	s := store.NewMemoryStore()
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, Store: s, IdentityProvider: provider.provide})

	var connectedIdentities []string
	manager.Subscribe(Handlers{Connected: func(identity string) {
		connectedIdentities = append(connectedIdentities, identity)
	}})

	transport.connect(t)
	announces := transport.sentEvents(EventIdentityAnnounce)
	if len(announces) != 1 || decodeAnnounce(t, announces[0]) != "vidhi" {
		t.Fatalf("expected one announce for vidhi, got %v", announces)
	}

	var stored string
	if found, err := store.Load(context.Background(), s, store.KeyIdentity, &stored); err != nil || !found || stored != "vidhi" {
		t.Fatalf("expected identity to be persisted, found=%v err=%v value=%q", found, err, stored)
	}

	transport.disconnect(t, errors.New("socket closed"))
	if status := manager.Status(); status.State != StateErrored || status.LastError == "" {
		t.Fatalf("expected errored state, got %#v", status)
	}

	transport.connect(t)
	if announces := transport.sentEvents(EventIdentityAnnounce); len(announces) != 2 {
		t.Fatalf("expected re-announce after reconnect, got %d", len(announces))
	}
	if provider.callCount() != 1 {
		t.Fatalf("identity must be established once per session, provider called %d times", provider.callCount())
	}
	if len(connectedIdentities) != 2 || connectedIdentities[1] != "vidhi" {
		t.Fatalf("unexpected connected callbacks %v", connectedIdentities)
	}
}

func TestConnectUsesStoredIdentity(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{identity: "someone-else"}
	s := store.NewMemoryStore()
	if _, err := store.Save(context.Background(), s, store.KeyIdentity, "arjun"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, Store: s, IdentityProvider: provider.provide})

	transport.connect(t)
	if provider.callCount() != 0 {
		t.Fatalf("provider must not be asked when an identity is stored")
	}
	if manager.Identity() != "arjun" {
		t.Fatalf("expected stored identity, got %q", manager.Identity())
	}
}

func TestIdentityFailureIsTerminalUntilRetry(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{err: errPromptDismissed}
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, Store: store.NewMemoryStore(), IdentityProvider: provider.provide})

	transport.connect(t)
	status := manager.Status()
	if status.Authenticated || status.State != StateConnected || status.LastError == "" {
		t.Fatalf("expected connected but unauthenticated session, got %#v", status)
	}
	if len(transport.sentEvents(EventIdentityAnnounce)) != 0 {
		t.Fatalf("no traffic may be sent without an identity")
	}
	if err := manager.Send(context.Background(), messages.MessageRecord{ID: "x"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	transport.disconnect(t, errors.New("reset"))
	transport.connect(t)
	if provider.callCount() != 1 {
		t.Fatalf("identity failure must not be retried automatically, provider called %d times", provider.callCount())
	}

	if err := manager.RetryIdentity(context.Background(), "vidhi"); err != nil {
		t.Fatalf("manual retry failed: %v", err)
	}
	if announces := transport.sentEvents(EventIdentityAnnounce); len(announces) != 1 || decodeAnnounce(t, announces[0]) != "vidhi" {
		t.Fatalf("expected announce after manual retry, got %v", announces)
	}
}

func TestAllowListRejectionFailsClosed(t *testing.T) {
	transport := newFakeTransport()
	s := store.NewMemoryStore()
	if _, err := store.Save(context.Background(), s, store.KeyIdentity, "mallory"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	manager := mustOpenManager(t, ManagerConfig{
		Transport:  transport,
		Store:      s,
		Authorizer: AllowList([]string{"vidhi", "arjun"}),
	})

	var arrived int
	manager.Subscribe(Handlers{MessageArrived: func(messages.MessageRecord) { arrived++ }})

	transport.connect(t)
	if manager.Status().Authenticated {
		t.Fatalf("unrecognized identity must not authenticate")
	}
	if len(transport.sentEvents(EventIdentityAnnounce)) != 0 {
		t.Fatalf("rejected identity must not be announced")
	}
	if _, found, _ := s.Get(context.Background(), store.KeyIdentity); found {
		t.Fatalf("rejected stored identity should be forgotten")
	}

	transport.deliver(t, EventMessageArrived, `{"id":"t1","sender":"vidhi","text":"hi","sentAt":"2024-01-01T00:00:00Z"}`)
	if arrived != 0 {
		t.Fatalf("unauthenticated session must not receive messages")
	}
	if err := manager.EmitSeen(context.Background(), seen.Mark{MessageID: "t1", ViewerIdentity: "mallory"}); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	transport := newFakeTransport()
	manager := mustOpenManager(t, ManagerConfig{Transport: transport})
	manager.Open(context.Background())
	manager.Open(context.Background())
	transport.waitReady(t)

	transport.mu.Lock()
	runs := transport.runs
	transport.mu.Unlock()
	if runs != 1 {
		t.Fatalf("expected a single transport loop, got %d", runs)
	}
}

func TestFramesAreDispatchedToHandlers(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{identity: "A"}
	core, logs := observer.New(zapcore.DebugLevel)
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, IdentityProvider: provider.provide, Logger: zap.New(core)})

	var records []messages.MessageRecord
	var marks []seen.Mark
	cleared := 0
	manager.Subscribe(Handlers{
		MessageArrived: func(record messages.MessageRecord) { records = append(records, record) },
		SeenMarked:     func(mark seen.Mark) { marks = append(marks, mark) },
		LedgerCleared:  func() { cleared++ },
	})
	transport.connect(t)

	transport.deliver(t, EventMessageArrived, `{"id":"t1","sender":"vidhi","text":"hi","sentAt":"2024-01-01T00:00:00Z"}`)
	transport.deliver(t, EventMessageArrived, `{"id":`)
	transport.deliver(t, EventSeenMark, `{"messageId":"t1","viewerIdentity":"B","seenAt":"2024-01-01T00:00:05Z"}`)
	transport.deliver(t, EventLedgerCleared, `{}`)
	transport.deliver(t, "typing", `{}`)

	if len(records) != 1 || records[0].ID != "t1" || records[0].Sender != "vidhi" {
		t.Fatalf("unexpected records %#v", records)
	}
	if len(marks) != 1 || marks[0].ViewerIdentity != "B" || marks[0].SeenAt.IsZero() {
		t.Fatalf("unexpected marks %#v", marks)
	}
	if cleared != 1 {
		t.Fatalf("expected one clear instruction, got %d", cleared)
	}
	if logs.FilterMessage("dropping undecodable message").Len() != 1 {
		t.Fatalf("expected undecodable message to be logged")
	}
}

func TestSendEmitsMessageEnvelope(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{identity: "A"}
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, IdentityProvider: provider.provide})

	record := messages.MessageRecord{ID: "m1", Sender: "A", Text: "<b>hi</b>", SentAt: "2024-01-01T00:00:00Z"}
	if err := manager.Send(context.Background(), record); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	transport.connect(t)
	if err := manager.Send(context.Background(), record); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sent := transport.sentEvents(EventMessageSend)
	if len(sent) != 1 {
		t.Fatalf("expected one send-message frame, got %d", len(sent))
	}
}

func TestResetSessionPromptsAgain(t *testing.T) {
	transport := newFakeTransport()
	provider := &countingProvider{identity: "vidhi"}
	s := store.NewMemoryStore()
	manager := mustOpenManager(t, ManagerConfig{Transport: transport, Store: s, IdentityProvider: provider.provide})
	transport.connect(t)

	provider.mu.Lock()
	provider.identity = "arjun"
	provider.mu.Unlock()

	if err := manager.ResetSession(context.Background()); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if manager.Identity() != "arjun" || provider.callCount() != 2 {
		t.Fatalf("expected new identity from provider, got %q after %d calls", manager.Identity(), provider.callCount())
	}
	announces := transport.sentEvents(EventIdentityAnnounce)
	if len(announces) != 2 || decodeAnnounce(t, announces[1]) != "arjun" {
		t.Fatalf("expected announce of the new identity, got %v", announces)
	}
}

func TestAllowList(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		identity string
		want     bool
	}{
		{name: "listed", allowed: []string{"Vidhi"}, identity: "vidhi", want: true},
		{name: "unlisted", allowed: []string{"vidhi"}, identity: "mallory", want: false},
		{name: "blank", allowed: nil, identity: "  ", want: false},
		{name: "open-list", allowed: nil, identity: "anyone", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllowList(tt.allowed)(tt.identity); got != tt.want {
				t.Fatalf("want %v, got %v", tt.want, got)
			}
		})
	}
}
