package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	connected    chan struct{}
	disconnected chan error
	frames       chan Envelope
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		connected:    make(chan struct{}, 16),
		disconnected: make(chan error, 16),
		frames:       make(chan Envelope, 16),
	}
}

func (s *recordingSink) TransportConnecting()               {}
func (s *recordingSink) TransportConnected()                { s.connected <- struct{}{} }
func (s *recordingSink) TransportDisconnected(reason error) { s.disconnected <- reason }
func (s *recordingSink) TransportFrame(envelope Envelope)   { s.frames <- envelope }

type channelServer struct {
	server   *httptest.Server
	conns    chan *websocket.Conn
	received chan []byte
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	cs := &channelServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan []byte, 16),
	}
	cs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.conns <- conn
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			cs.received <- payload
		}
	}))
	t.Cleanup(cs.server.Close)
	return cs
}

func (cs *channelServer) url() string {
	return "ws" + strings.TrimPrefix(cs.server.URL, "http")
}

func (cs *channelServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-cs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func startTransport(t *testing.T, cfg WebsocketConfig, sink Sink) *WebsocketTransport {
	t.Helper()
	transport, err := NewWebsocketTransport(cfg)
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = transport.Run(ctx, sink)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return transport
}

func waitConnected(t *testing.T, sink *recordingSink) {
	t.Helper()
	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not report a connection")
	}
}

func TestWebsocketTransportDeliversFrames(t *testing.T) {
	cs := newChannelServer(t)
	sink := newRecordingSink()
	core, logs := observer.New(zapcore.DebugLevel)
	startTransport(t, WebsocketConfig{URL: cs.url(), PingInterval: -1, Logger: zap.New(core)}, sink)

	conn := cs.nextConn(t)
	waitConnected(t, sink)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := `{"event":"receive-message","data":{"id":"t1","sender":"vidhi","text":"hi","sentAt":"2024-01-01T00:00:00Z"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case envelope := <-sink.frames:
		if envelope.Event != EventMessageArrived {
			t.Fatalf("unexpected event %q", envelope.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not delivered")
	}
	if logs.FilterMessage("dropping malformed frame").Len() != 1 {
		t.Fatalf("expected malformed frame to be logged")
	}
}

func TestWebsocketTransportSendsEnvelopes(t *testing.T) {
	cs := newChannelServer(t)
	sink := newRecordingSink()
	transport := startTransport(t, WebsocketConfig{URL: cs.url(), PingInterval: -1}, sink)

	cs.nextConn(t)
	waitConnected(t, sink)

	envelope, err := NewEnvelope(EventMessageSend, map[string]string{"text": "a < b & c"})
	if err != nil {
		t.Fatalf("envelope failed: %v", err)
	}
	if err := transport.Send(context.Background(), envelope); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case payload := <-cs.received:
		if !strings.Contains(string(payload), "a < b & c") {
			t.Fatalf("expected unescaped text, got %s", payload)
		}
		var decoded Envelope
		if err := json.Unmarshal(payload, &decoded); err != nil || decoded.Event != EventMessageSend {
			t.Fatalf("unexpected frame %s (%v)", payload, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestWebsocketTransportReconnectsAfterServerClose(t *testing.T) {
	cs := newChannelServer(t)
	sink := newRecordingSink()
	startTransport(t, WebsocketConfig{
		URL:          cs.url(),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		PingInterval: -1,
	}, sink)

	first := cs.nextConn(t)
	waitConnected(t, sink)
	_ = first.Close()

	select {
	case reason := <-sink.disconnected:
		if reason == nil {
			t.Fatalf("expected a disconnect reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}

	cs.nextConn(t)
	waitConnected(t, sink)
}

func TestNewWebsocketTransportRequiresURL(t *testing.T) {
	if _, err := NewWebsocketTransport(WebsocketConfig{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

func TestWebsocketTransportSendWithoutConnection(t *testing.T) {
	transport, err := NewWebsocketTransport(WebsocketConfig{URL: "ws://127.0.0.1:1/chat"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if err := transport.Send(context.Background(), Envelope{Event: EventIdentityAnnounce}); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
