package multikernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"karl/internal/connfile"
	"karl/internal/kernelspec"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/require"
)

// fakeProvisioner stands in for a kernel: it binds the control and iopub
// endpoints the manager will dial (so startup completes) and launches a
// placeholder process whose lifetime the test controls.
type fakeProvisioner struct {
	mu      sync.Mutex
	sockets []zmq4.Socket
}

func (p *fakeProvisioner) Launch(ctx context.Context, spec kernelspec.Spec, connFilePath string, info connfile.Info, env map[string]string, cwd string, extraArgs []string) (*exec.Cmd, error) {
	control := zmq4.NewRouter(context.Background())
	if err := control.Listen(fmt.Sprintf("tcp://%s:%d", info.IP, info.ControlPort)); err != nil {
		return nil, err
	}
	iopub := zmq4.NewPub(context.Background())
	if err := iopub.Listen(fmt.Sprintf("tcp://%s:%d", info.IP, info.IOPubPort)); err != nil {
		_ = control.Close()
		return nil, err
	}
	p.mu.Lock()
	p.sockets = append(p.sockets, control, iopub)
	p.mu.Unlock()

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (p *fakeProvisioner) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sockets {
		_ = s.Close()
	}
	p.sockets = nil
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeProvisioner) {
	t.Helper()
	t.Setenv("KARL_RUNTIME_DIR", t.TempDir())

	specDir := filepath.Join(t.TempDir(), "kernels", "karl")
	require.NoError(t, os.MkdirAll(specDir, 0755))
	data, err := json.Marshal(kernelspec.Spec{
		Argv:        []string{"karl", "kernel", "{connection_file}"},
		DisplayName: "Karl",
		Language:    "karl",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(specDir, "kernel.json"), data, 0644))

	specs, err := kernelspec.NewManager([]string{filepath.Dir(filepath.Dir(specDir))}, "karl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = specs.Close() })

	prov := &fakeProvisioner{}
	t.Cleanup(prov.close)
	m := New(specs, prov, opts)
	t.Cleanup(m.Stop)
	return m, prov
}

func TestStartUnknownSpec(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})
	_, err := m.Start("nope", "", nil, "")
	require.ErrorIs(t, err, ErrNoSuchSpec)
}

func TestStartShutdownRestartCycle(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})

	id, err := m.Start("", "notebooks/demo.knb", nil, "")
	require.NoError(t, err)

	_, ok := m.Get(id)
	require.True(t, ok)
	require.False(t, m.IsPending(id), "a completed start must leave the pending set")

	model, ok := m.ModelFor(id)
	require.True(t, ok)
	require.Equal(t, "karl", model.Name)
	require.Equal(t, "starting", model.ExecutionState)
	require.WithinDuration(t, time.Now(), model.LastActivity, 2*time.Second)

	require.NoError(t, m.Shutdown(id, true, false))
	_, ok = m.Get(id)
	require.False(t, ok)
	require.ErrorIs(t, m.Shutdown(id, true, false), ErrNotFound)

	// The same id must be reusable once the pool is cleaned.
	again, err := m.Start("karl", "", nil, id)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.NoError(t, m.Shutdown(id, true, false))
}

func TestDuplicateKernelIDRejected(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})

	id, err := m.Start("karl", "", nil, "fixed-id")
	require.NoError(t, err)
	require.Equal(t, "fixed-id", id)
	defer m.Shutdown(id, true, false)

	_, err = m.Start("karl", "", nil, "fixed-id")
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestConcurrentDuplicateKernelIDRejected(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.Start("karl", "", nil, "racy-id")
			errs <- err
		}()
	}

	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	defer m.Shutdown("racy-id", true, false)

	// Exactly one start wins the reservation; the other sees the duplicate.
	require.Len(t, failures, 1)
	require.ErrorIs(t, failures[0], ErrDuplicateID)
}

func TestCullerRemovesDeadKernels(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})

	id, err := m.Start("karl", "", nil, "")
	require.NoError(t, err)

	km, ok := m.Get(id)
	require.True(t, ok)
	require.NoError(t, km.Signal(os.Kill))
	require.Eventually(t, func() bool { return !km.IsAlive() }, 2*time.Second, 20*time.Millisecond)

	m.cullOnce()
	_, ok = m.Get(id)
	require.False(t, ok, "dead kernels are culled unconditionally")
}

func TestCullIdleTimeoutZeroDisablesCulling(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl", CullIdleTimeout: 0})

	id, err := m.Start("karl", "", nil, "")
	require.NoError(t, err)
	defer m.Shutdown(id, true, false)

	m.cullOnce()
	_, ok := m.Get(id)
	require.True(t, ok, "an alive kernel must survive culling when the idle timeout is 0")
}

// --- offline buffering ---

func pushStream(t *testing.T) (zmq4.Socket, *connfile.Stream) {
	t.Helper()
	ctx := context.Background()

	pull := zmq4.NewPull(ctx)
	require.NoError(t, pull.Listen("tcp://127.0.0.1:0"))
	port := pull.Addr().(*net.TCPAddr).Port

	push := zmq4.NewPush(ctx)
	require.NoError(t, push.Dial(fmt.Sprintf("tcp://127.0.0.1:%d", port)))
	t.Cleanup(func() { _ = push.Close() })

	return push, connfile.NewStream(pull)
}

func TestBufferingRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})
	push, stream := pushStream(t)

	m.StartBuffering("kid", "session-a", map[connfile.Channel]*connfile.Stream{connfile.IOPub: stream})
	for i := 0; i < 3; i++ {
		require.NoError(t, push.Send(zmq4.NewMsgString(fmt.Sprintf("frame-%d", i))))
	}
	time.Sleep(300 * time.Millisecond)

	buf, streams := m.GetBuffer("kid", "session-a")
	require.NotNil(t, buf)
	require.Contains(t, streams, connfile.IOPub)

	frames := buf.Drain()
	require.Len(t, frames, 3)
	for i, f := range frames {
		require.Equal(t, connfile.IOPub, f.Channel)
		require.Equal(t, fmt.Sprintf("frame-%d", i), string(f.Raw.Bytes()))
	}

	// Drained and detached: a second fetch finds nothing.
	gone, _ := m.GetBuffer("kid", "session-a")
	require.Nil(t, gone)
	_ = stream.Close()
}

func TestBufferDiscardedOnSessionKeyMismatch(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})
	push, stream := pushStream(t)
	_ = push

	m.StartBuffering("kid", "session-a", map[connfile.Channel]*connfile.Stream{connfile.Shell: stream})

	buf, streams := m.GetBuffer("kid", "session-b")
	require.Nil(t, buf)
	require.Nil(t, streams)

	select {
	case _, ok := <-stream.Chan():
		require.False(t, ok, "mismatched session_key must close the channels")
	case <-time.After(2 * time.Second):
		t.Fatal("stream never closed after mismatched reconnect")
	}
}

func TestStopBufferingDiscards(t *testing.T) {
	m, _ := newTestManager(t, Options{DefaultKernelName: "karl"})
	_, stream := pushStream(t)

	m.StartBuffering("kid", "session-a", map[connfile.Channel]*connfile.Stream{connfile.Stdin: stream})
	m.StopBuffering("kid")

	buf, _ := m.GetBuffer("kid", "session-a")
	require.Nil(t, buf)
}
