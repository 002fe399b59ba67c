package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientIDHeader carries the client installation id on the WebSocket handshake.
const ClientIDHeader = "X-Client-Id"

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

// EventType names a transport lifecycle change.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event reports a transport lifecycle change. Err is set on unclean disconnects.
type Event struct {
	Type EventType
	Err  error
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	URL               string
	ClientID          string
	Dialer            *websocket.Dialer
	ReconnectBackoff  []time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	Logger            *slog.Logger
}

// Transport keeps one relay connection alive, reconnecting with backoff, and
// replays hello frames on every new connection.
type Transport struct {
	options TransportOptions
	logger  *slog.Logger

	messages chan []byte
	events   chan Event

	mu    sync.Mutex
	conn  *RelayConnection
	hello [][]byte

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTransport validates options and returns an idle transport.
func NewTransport(options TransportOptions) (*Transport, error) {
	parsed, err := url.Parse(options.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q: scheme must be ws or wss", options.URL)
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		options:  options,
		logger:   logger.With("component", "transport", "relay", options.URL),
		messages: make(chan []byte, 256),
		events:   make(chan Event, 16),
	}, nil
}

// Start begins connecting in the background until ctx ends or Close is called.
func (t *Transport) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.wg.Add(1)
		go t.run(runCtx)
	})
}

// Close stops reconnecting and closes the live connection.
func (t *Transport) Close() error {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		t.wg.Wait()
	})
	return nil
}

// Messages delivers inbound relay frames.
func (t *Transport) Messages() <-chan []byte {
	return t.messages
}

// Events delivers connect and disconnect notifications.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Send writes one frame on the live connection.
func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(payload)
}

// SetHello replaces the frames sent first on every new connection.
func (t *Transport) SetHello(frames [][]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hello = append([][]byte(nil), frames...)
}

// AddHello appends one frame to the hello set.
func (t *Transport) AddHello(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hello = append(t.hello, frame)
}

func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()

	attempt := 0
	for {
		delay := t.backoffForAttempt(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		conn, err := DialRelay(ctx, t.options.Dialer, t.options.URL, t.header(), ConnectionOptions{
			KeepAliveInterval: t.options.KeepAliveInterval,
			KeepAliveTimeout:  t.options.KeepAliveTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			t.logger.Warn("relay connect failed", "attempt", attempt, "retry_in", t.backoffForAttempt(attempt), "error", err)
			continue
		}
		attempt = 0

		t.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Transport) serve(ctx context.Context, conn *RelayConnection) {
	t.mu.Lock()
	t.conn = conn
	hello := append([][]byte(nil), t.hello...)
	t.mu.Unlock()

	for _, frame := range hello {
		if err := conn.Send(frame); err != nil {
			t.logger.Warn("hello frame failed", "error", err)
			break
		}
	}
	t.logger.Info("relay connected", "hello_frames", len(hello))
	t.emit(ctx, Event{Type: EventConnected})

	for done := false; !done; {
		select {
		case payload := <-conn.Inbound():
			select {
			case t.messages <- payload:
			case <-ctx.Done():
				done = true
			}
		case <-conn.Done():
			done = true
		case <-ctx.Done():
			_ = conn.Close()
			done = true
		}
	}

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	err := conn.LastError()
	if ctx.Err() != nil {
		err = nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		t.logger.Warn("relay disconnected", "error", err)
	} else {
		t.logger.Info("relay disconnected")
	}
	t.emit(ctx, Event{Type: EventDisconnected, Err: err})
}

// emit blocks until the event is consumed or ctx ends.
func (t *Transport) emit(ctx context.Context, event Event) {
	select {
	case t.events <- event:
		return
	default:
	}
	select {
	case t.events <- event:
	case <-ctx.Done():
		t.logger.Debug("transport event not delivered", "event", event.Type)
	}
}

func (t *Transport) header() http.Header {
	header := http.Header{}
	if t.options.ClientID != "" {
		header.Set(ClientIDHeader, t.options.ClientID)
	}
	return header
}

func (t *Transport) backoffForAttempt(attempt int) time.Duration {
	backoff := t.options.ReconnectBackoff
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
