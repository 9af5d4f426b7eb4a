package connfile

import (
	"sync"

	"github.com/go-zeromq/zmq4"
)

// Stream tees receive events from a ZMQ socket into a Go channel so the
// consumer can be swapped (bridge pump, offline buffer capture) without
// anyone re-owning the blocking Recv call. Send goes straight through.
type Stream struct {
	sock zmq4.Socket
	out  chan zmq4.Msg

	once sync.Once
	done chan struct{}
}

// NewStream wraps sock and starts the single reader goroutine. The
// goroutine exits when the socket is closed.
func NewStream(sock zmq4.Socket) *Stream {
	s := &Stream{
		sock: sock,
		out:  make(chan zmq4.Msg, 16),
		done: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.out)
	for {
		msg, err := s.sock.Recv()
		if err != nil {
			return
		}
		select {
		case s.out <- msg:
		case <-s.done:
			return
		}
	}
}

// Chan is the receive side; it is closed when the underlying socket is.
func (s *Stream) Chan() <-chan zmq4.Msg { return s.out }

// Send forwards a message to the underlying socket.
func (s *Stream) Send(m zmq4.Msg) error { return s.sock.Send(m) }

// Close tears down the socket, which also ends the reader goroutine and
// closes Chan.
func (s *Stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.sock.Close()
}
