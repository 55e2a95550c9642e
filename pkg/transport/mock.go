package transport

import (
	"context"
	"io"
	"sync"

	"github.com/chatstream-dev/chatstream/pkg/packet"
)

// ScriptedTransport replays a fixed packet sequence. It records the
// params of every submission so tests can assert on them.
type ScriptedTransport struct {
	// Packets is the sequence each stream replays.
	Packets []packet.Packet
	// Err, when set, terminates the stream after Packets instead of a
	// clean end.
	Err error
	// OpenErr, when set, fails SendMessage itself.
	OpenErr error

	mu    sync.Mutex
	calls []Params
}

// SendMessage returns a stream over the scripted packets.
func (t *ScriptedTransport) SendMessage(ctx context.Context, p Params) (Stream, error) {
	t.mu.Lock()
	t.calls = append(t.calls, p)
	t.mu.Unlock()

	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	return &scriptedStream{ctx: ctx, packets: t.Packets, err: t.Err}, nil
}

// Calls returns the params of every submission so far.
func (t *ScriptedTransport) Calls() []Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := make([]Params, len(t.calls))
	copy(calls, t.calls)
	return calls
}

// scriptedStream hands out packets one by one, honoring cancellation.
type scriptedStream struct {
	ctx     context.Context
	packets []packet.Packet
	err     error

	mu       sync.Mutex
	position int
	closed   bool
}

func (s *scriptedStream) Recv() (packet.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return packet.Packet{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return packet.Packet{}, err
	}
	if s.position >= len(s.packets) {
		if s.err != nil {
			return packet.Packet{}, s.err
		}
		return packet.Packet{}, io.EOF
	}

	p := s.packets[s.position]
	s.position++
	return p, nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
