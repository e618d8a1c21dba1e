package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/livegen/internal/observability"
)

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 1 << 20

// WebSocketDialer dials WebSocket transports.
type WebSocketDialer struct {
	// Origin is sent in the handshake. Defaults to "http://localhost/".
	Origin string
	// MaxFrameSize bounds inbound frames. Defaults to DefaultMaxFrameSize.
	MaxFrameSize int
	Logger       *slog.Logger
}

// NewWebSocketDialer creates a dialer with the given handshake origin.
func NewWebSocketDialer(origin string, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = observability.Discard()
	}
	return &WebSocketDialer{
		Origin:       origin,
		MaxFrameSize: DefaultMaxFrameSize,
		Logger:       observability.WithComponent(logger, "channel"),
	}
}

// Dial starts dialing endpoint in the background and returns immediately.
func (d *WebSocketDialer) Dial(endpoint string, h Handler) Transport {
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	maxFrame := d.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	logger := d.Logger
	if logger == nil {
		logger = observability.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		cancel: cancel,
		logger: logger,
	}
	go t.run(ctx, endpoint, origin, maxFrame, h)
	return t
}

type wsTransport struct {
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (t *wsTransport) run(ctx context.Context, endpoint, origin string, maxFrame int, h Handler) {
	defer h.close()

	cfg, err := websocket.NewConfig(endpoint, origin)
	if err != nil {
		h.fail(fmt.Errorf("configuring websocket: %w", err))
		return
	}

	conn, err := cfg.DialContext(ctx)
	if err != nil {
		if !t.isClosed() {
			h.fail(fmt.Errorf("dialing %s: %w", endpoint, err))
		}
		return
	}
	conn.MaxPayloadBytes = maxFrame

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	t.mu.Unlock()

	h.open()

	for {
		var frame []byte
		if err := websocket.Message.Receive(conn, &frame); err != nil {
			if !t.isClosed() && !errors.Is(err, io.EOF) {
				t.logger.Debug("websocket read failed", slog.String("error", err.Error()))
				h.fail(fmt.Errorf("reading frame: %w", err))
			}
			_ = t.Close()
			return
		}
		h.message(frame)
	}
}

func (t *wsTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return ErrNotOpen
	}
	if err := websocket.Message.Send(t.conn, string(data)); err != nil {
		return fmt.Errorf("sending frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("closing websocket: %w", err)
		}
	}
	return nil
}
