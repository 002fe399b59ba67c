package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionOptions controls runtime behavior of RelayConnection.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

func (o ConnectionOptions) withDefaults() ConnectionOptions {
	out := o
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	return out
}

// RelayConnection is one live WebSocket session with the relay. It is closed
// for good on the first read or write failure.
type RelayConnection struct {
	conn *websocket.Conn

	sendMu sync.Mutex

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	inbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// DialRelay opens a WebSocket connection to url.
func DialRelay(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, options ConnectionOptions) (*RelayConnection, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialCtx, cancel := context.WithTimeout(ctx, DefaultConnectionTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	return newRelayConnection(conn, options), nil
}

func newRelayConnection(conn *websocket.Conn, options ConnectionOptions) *RelayConnection {
	cfg := options.withDefaults()
	rc := &RelayConnection{
		conn:              conn,
		keepAliveInterval: cfg.KeepAliveInterval,
		keepAliveTimeout:  cfg.KeepAliveTimeout,
		inbound:           make(chan []byte, 64),
		closed:            make(chan struct{}),
	}

	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(rc.readWindow()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(rc.readWindow()))
	})

	go rc.readLoop()
	go rc.keepAliveLoop()

	return rc
}

// Inbound delivers text frames in arrival order.
func (rc *RelayConnection) Inbound() <-chan []byte {
	return rc.inbound
}

// Done is closed when the connection is fully disconnected.
func (rc *RelayConnection) Done() <-chan struct{} {
	return rc.closed
}

// LastError returns the error that closed the connection, nil for a clean close.
func (rc *RelayConnection) LastError() error {
	rc.errMu.RLock()
	defer rc.errMu.RUnlock()
	return rc.closeErr
}

// Send writes one text frame.
func (rc *RelayConnection) Send(payload []byte) error {
	select {
	case <-rc.closed:
		if err := rc.LastError(); err != nil {
			return err
		}
		return io.EOF
	default:
	}

	rc.sendMu.Lock()
	defer rc.sendMu.Unlock()
	_ = rc.conn.SetWriteDeadline(time.Now().Add(rc.keepAliveTimeout))
	if err := rc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		rc.closeWithError(fmt.Errorf("write frame: %w", err))
		return err
	}
	return nil
}

// Close sends a close frame and terminates the connection.
func (rc *RelayConnection) Close() error {
	_ = rc.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	rc.closeWithError(nil)
	return nil
}

func (rc *RelayConnection) readLoop() {
	for {
		messageType, payload, err := rc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rc.closeWithError(nil)
				return
			}
			rc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
		_ = rc.conn.SetReadDeadline(time.Now().Add(rc.readWindow()))
		if messageType != websocket.TextMessage || len(payload) == 0 {
			continue
		}

		select {
		case rc.inbound <- payload:
		case <-rc.closed:
			return
		}
	}
}

func (rc *RelayConnection) keepAliveLoop() {
	ticker := time.NewTicker(rc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(rc.keepAliveTimeout)
			if err := rc.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					rc.closeWithError(fmt.Errorf("send ping: %w", err))
				}
				return
			}
		case <-rc.closed:
			return
		}
	}
}

// A pong or data frame must arrive within one ping interval plus the pong timeout.
func (rc *RelayConnection) readWindow() time.Duration {
	return rc.keepAliveInterval + rc.keepAliveTimeout
}

func (rc *RelayConnection) closeWithError(err error) {
	rc.closeOnce.Do(func() {
		rc.errMu.Lock()
		rc.closeErr = err
		rc.errMu.Unlock()

		_ = rc.conn.Close()
		close(rc.closed)
	})
}
