package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 25 * time.Second
)

var errMissingURL = errors.New("connection: channel url is required")

// WebsocketConfig configures a WebsocketTransport.
type WebsocketConfig struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	WriteTimeout time.Duration
	// PingInterval enables keep-alive pings; a negative value disables them.
	PingInterval time.Duration
	Logger       *zap.Logger
}

// WebsocketTransport carries JSON envelopes over websocket text frames and
// reconnects with capped exponential backoff until its context is done.
type WebsocketTransport struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWebsocketTransport constructs a transport; nothing is dialed until Run.
func NewWebsocketTransport(cfg WebsocketConfig) (*WebsocketTransport, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	reconnectMin := cfg.ReconnectMin
	if reconnectMin <= 0 {
		reconnectMin = defaultReconnectMin
	}
	reconnectMax := cfg.ReconnectMax
	if reconnectMax < reconnectMin {
		reconnectMax = defaultReconnectMax
		if reconnectMax < reconnectMin {
			reconnectMax = reconnectMin
		}
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	pingInterval := cfg.PingInterval
	if pingInterval == 0 {
		pingInterval = defaultPingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		url:          cfg.URL,
		header:       cfg.Header,
		dialer:       dialer,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		logger:       logger,
	}, nil
}

// Run dials, reads frames into sink, and redials after every failure.
func (t *WebsocketTransport) Run(ctx context.Context, sink Sink) error {
	delay := t.reconnectMin
	for {
		sink.TransportConnecting()
		conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
		if err != nil {
			if ctx.Err() != nil {
				sink.TransportDisconnected(nil)
				return ctx.Err()
			}
			sink.TransportDisconnected(err)
		} else {
			delay = t.reconnectMin
			t.setConn(conn)
			sink.TransportConnected()
			readErr := t.serve(ctx, conn, sink)
			t.setConn(nil)
			_ = conn.Close()
			if ctx.Err() != nil {
				sink.TransportDisconnected(nil)
				return ctx.Err()
			}
			sink.TransportDisconnected(readErr)
		}

		t.logger.Debug("reconnecting", zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > t.reconnectMax {
			delay = t.reconnectMax
		}
	}
}

// Send writes one envelope as a text frame.
func (t *WebsocketTransport) Send(ctx context.Context, envelope Envelope) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return writeJSON(t.conn, envelope)
}

func (t *WebsocketTransport) serve(ctx context.Context, conn *websocket.Conn, sink Sink) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if t.pingInterval > 0 {
		go t.pingLoop(conn, stop)
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var envelope Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Event == "" {
			t.logger.Warn("dropping malformed frame", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		sink.TransportFrame(envelope)
	}
}

func (t *WebsocketTransport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			current := t.conn == conn
			var err error
			if current {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
			}
			t.writeMu.Unlock()
			if !current {
				return
			}
			if err != nil {
				t.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (t *WebsocketTransport) setConn(conn *websocket.Conn) {
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()
}

// writeJSON encodes without HTML escaping; payloads built by NewEnvelope are unescaped too.
func writeJSON(conn *websocket.Conn, v any) error {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buffer.Bytes(), "\n"))
}
