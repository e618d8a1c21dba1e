// Package channel provides the bidirectional message transport used by the
// session controller.
//
// A Transport is created already dialing. Its lifecycle is reported through
// Handler callbacks delivered sequentially from the transport's own
// goroutine: OnOpen once the channel is usable, OnMessage per inbound frame,
// OnError when dialing or the connection fails, and finally OnClose exactly
// once. OnError before OnOpen means the dial failed.
package channel

import (
	"errors"
)

// ErrNotOpen is returned by Send before the transport opened or after it closed.
var ErrNotOpen = errors.New("channel is not open")

// Handler receives transport lifecycle notifications. Nil callbacks are skipped.
type Handler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

func (h Handler) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h Handler) message(data []byte) {
	if h.OnMessage != nil {
		h.OnMessage(data)
	}
}

func (h Handler) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Handler) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Transport is one live or dialing message channel.
type Transport interface {
	// Send writes one text frame. It fails with ErrNotOpen unless the
	// transport is open.
	Send(data []byte) error
	// Close closes the channel. It is safe to call more than once and while
	// dialing.
	Close() error
}

// Dialer creates transports bound to an endpoint. Dial never blocks; the
// outcome is reported through h.
type Dialer interface {
	Dial(endpoint string, h Handler) Transport
}
