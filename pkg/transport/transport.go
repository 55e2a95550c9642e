// Package transport delivers chat submissions to a backend and returns
// the resulting packet stream. Two real transports are provided: an SSE
// client for the native streaming endpoint and an adapter for
// OpenAI-compatible chat completion APIs. A scripted transport backs
// tests.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/chatstream-dev/chatstream/pkg/msgtree"
	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// Params carries everything one submission needs.
type Params struct {
	// SessionID is the server-side conversation id.
	SessionID string
	// Message is the user's text.
	Message string
	// ParentMessageID anchors the new turn in the message tree. Nil means
	// the conversation root.
	ParentMessageID *msgtree.MessageID
	// Files are previously uploaded attachments to include.
	Files []msgtree.FileDescriptor
	// Filters narrows retrieval (source, date range and similar), passed
	// through to the backend opaquely.
	Filters map[string]string
	// Persona selects the assistant persona, when the backend supports it.
	Persona string
	// Model overrides the backend's default model.
	Model string
	// SystemPrompt overrides the system prompt for this turn.
	SystemPrompt string
}

// Stream is a sequence of protocol packets for one submission. Recv
// blocks until the next packet arrives and returns io.EOF after the
// final one. Close releases the stream; it is safe to call at any time
// and more than once.
type Stream interface {
	Recv() (packet.Packet, error)
	Close() error
}

// Transport sends one chat submission and returns its packet stream.
type Transport interface {
	SendMessage(ctx context.Context, p Params) (Stream, error)
}

// PacketStream is a channel-backed Stream fed by a producer goroutine.
type PacketStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	packets chan packet.Packet

	errMu sync.Mutex
	err   error

	sendMu     sync.Mutex
	sendClosed bool

	closeOnce sync.Once
}

// NewPacketStream creates a stream whose lifetime is bound to ctx.
func NewPacketStream(ctx context.Context) *PacketStream {
	ctx, cancel := context.WithCancel(ctx)
	return &PacketStream{
		ctx:     ctx,
		cancel:  cancel,
		packets: make(chan packet.Packet, 100),
	}
}

// Recv returns the next packet. After the producer finishes it drains
// any buffered packets, then returns the producer's error or io.EOF.
func (s *PacketStream) Recv() (packet.Packet, error) {
	select {
	case <-s.ctx.Done():
		return packet.Packet{}, s.ctx.Err()
	case p, ok := <-s.packets:
		if !ok {
			s.errMu.Lock()
			err := s.err
			s.errMu.Unlock()
			if err != nil {
				return packet.Packet{}, err
			}
			return packet.Packet{}, io.EOF
		}
		return p, nil
	}
}

// Send delivers one packet to the consumer. It fails once the stream is
// closed or its context is cancelled.
func (s *PacketStream) Send(p packet.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.sendClosed {
		return errors.New("stream closed")
	}

	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.packets <- p:
		return nil
	}
}

// SetError records the error Recv reports after the buffered packets
// are drained. Call before CloseSend.
func (s *PacketStream) SetError(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

// CloseSend marks the producer side done. Buffered packets remain
// receivable.
func (s *PacketStream) CloseSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.packets)
	}
}

// Close cancels the stream from the consumer side.
func (s *PacketStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.CloseSend()
	})
	return nil
}
