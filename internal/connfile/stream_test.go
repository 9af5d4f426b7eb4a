package connfile

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"
)

// pushPull wires a Push socket into a Pull socket over loopback and
// returns both, with the Pull side wrapped in a Stream.
func pushPull(t *testing.T) (zmq4.Socket, *Stream) {
	t.Helper()
	ctx := context.Background()

	pull := zmq4.NewPull(ctx)
	require.NoError(t, pull.Listen("tcp://127.0.0.1:0"))
	port := pull.Addr().(*net.TCPAddr).Port

	push := zmq4.NewPush(ctx)
	require.NoError(t, push.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", port)))
	t.Cleanup(func() { _ = push.Close() })

	return push, NewStream(pull)
}

func TestStreamDeliversInOrder(t *testing.T) {
	push, stream := pushPull(t)
	defer stream.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, push.Send(zmq4.NewMsgString(fmt.Sprintf("msg-%d", i))))
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-stream.Chan():
			require.Equal(t, fmt.Sprintf("msg-%d", i), string(msg.Bytes()))
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestStreamCloseEndsChan(t *testing.T) {
	_, stream := pushPull(t)
	require.NoError(t, stream.Close())

	select {
	case _, ok := <-stream.Chan():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Chan never closed")
	}
}
