package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	sink      Sink
	ready     chan struct{}
	runs      int
	connected bool
	sent      []Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ready: make(chan struct{})}
}

func (f *fakeTransport) Run(ctx context.Context, sink Sink) error {
	f.mu.Lock()
	f.runs++
	f.sink = sink
	first := f.runs == 1
	f.mu.Unlock()
	if first {
		close(f.ready)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Send(_ context.Context, envelope Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, envelope)
	return nil
}

func (f *fakeTransport) waitReady(t *testing.T) Sink {
	t.Helper()
	select {
	case <-f.ready:
	case <-time.After(time.Second):
		t.Fatal("transport was not started")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

func (f *fakeTransport) connect(t *testing.T) {
	t.Helper()
	sink := f.waitReady(t)
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	sink.TransportConnected()
}

func (f *fakeTransport) disconnect(t *testing.T, reason error) {
	t.Helper()
	sink := f.waitReady(t)
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	sink.TransportDisconnected(reason)
}

func (f *fakeTransport) deliver(t *testing.T, event string, payload string) {
	t.Helper()
	sink := f.waitReady(t)
	sink.TransportFrame(Envelope{Event: event, Data: json.RawMessage(payload)})
}

func (f *fakeTransport) sentEvents(event string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matching []Envelope
	for _, envelope := range f.sent {
		if envelope.Event == event {
			matching = append(matching, envelope)
		}
	}
	return matching
}

type countingProvider struct {
	mu       sync.Mutex
	calls    int
	identity string
	err      error
}

func (p *countingProvider) provide(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.identity, p.err
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var errPromptDismissed = errors.New("prompt dismissed")

func mustOpenManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	manager.Open(ctx)
	return manager
}

func decodeAnnounce(t *testing.T, envelope Envelope) string {
	t.Helper()
	var payload AnnouncePayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		t.Fatalf("announce payload is not decodable: %v", err)
	}
	return payload.Identity
}
