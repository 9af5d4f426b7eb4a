// Package kernelmanager implements the lifecycle of one kernel subprocess:
// start, signal, poll, shutdown, restart.
package kernelmanager

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"karl/internal/connfile"
	"karl/internal/kernelspec"
	"karl/internal/wire"

	"github.com/go-zeromq/zmq4"
	"github.com/gofrs/uuid"
)

// State is the kernel's observed execution state, tracked by the IOPub tap
// (multikernel) and exposed here so the HTTP surface can report it without
// reaching into multikernel internals.
type State string

const (
	StateStarting State = "starting"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDead     State = "dead"
	StateUnknown  State = "unknown"
)

// Failure kinds.
var (
	ErrStartupFailed          = fmt.Errorf("kernelmanager: startup failed")
	ErrProvisionerUnavailable = fmt.Errorf("kernelmanager: provisioner unavailable")
	ErrBadConnectionInfo      = fmt.Errorf("kernelmanager: bad connection info")
	ErrAlreadyRunning         = fmt.Errorf("kernelmanager: already running")
	ErrNotRunning             = fmt.Errorf("kernelmanager: not running")
)

// Ready is a future resolved when a kernel manager finishes starting (or
// fails to). Callers either await it or ignore it.
type Ready struct {
	done chan struct{}
	err  error
}

func newReady() *Ready { return &Ready{done: make(chan struct{})} }

func (r *Ready) fire(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until Ready resolves, or ctx is done.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signaled reports whether the future has already resolved, without
// blocking.
func (r *Ready) Signaled() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// shutdownState is the KM's internal shutdown state machine.
type shutdownState int

const (
	stUnset shutdownState = iota
	stShutdownRequest
	stSigtermRequest
	stSigkillRequest
)

// Manager owns one kernel subprocess: its connection info, sockets,
// process handle, and shutdown/restart state machine.
type Manager struct {
	ID          string
	Name        string // kernel spec name
	Spec        kernelspec.Spec
	Provisioner Provisioner

	connFilePath  string
	wroteConnFile bool
	info          connfile.Info
	ports         connfile.Ports

	zmqCtx     context.Context
	zmqCancel  context.CancelFunc
	ownsZMQCtx bool
	control    zmq4.Socket

	cmd     *exec.Cmd
	doneCh  chan struct{}
	exitErr error

	ready *Ready

	mu              sync.Mutex
	state           State
	reason          string
	lastActivity    time.Time
	executionState  string
	connectionCount int32
	shutdown        shutdownState
	shuttingDown    bool

	restarterStop func()
}

// Options configure a single Start call.
type Options struct {
	Env        map[string]string
	Cwd        string
	ExtraArgs  []string
	KernelID   string // caller-supplied id; generated if empty
	RuntimeDir string // connection-file directory; KARL_RUNTIME_DIR or a tmp default if empty
}

// New constructs a Manager for spec under id (an id is generated if empty)
// and begins the startup phases in a background goroutine, returning the
// manager and its Ready future. The only synchronous error is a failure to
// generate an id; argv construction and launch errors resolve Ready.
func New(spec kernelspec.Spec, name string, opts Options, prov Provisioner) (*Manager, *Ready, error) {
	id := opts.KernelID
	if id == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return nil, nil, fmt.Errorf("kernelmanager: generate id: %w", err)
		}
		id = u.String()
	}
	if prov == nil {
		prov = LocalProvisioner{}
	}

	km := &Manager{
		ID:          id,
		Name:        name,
		Spec:        spec,
		Provisioner: prov,
		state:       StateStarting,
		ready:       newReady(),
	}
	km.zmqCtx, km.zmqCancel = context.WithCancel(context.Background())
	km.ownsZMQCtx = true

	go km.runStart(opts)

	return km, km.ready, nil
}

// runStart executes the startup phases in order, firing Ready on
// completion or failure.
func (km *Manager) runStart(opts Options) {
	cwd := opts.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	ports, err := connfile.AllocatePorts("127.0.0.1")
	if err != nil {
		km.fail(ErrStartupFailed, err)
		return
	}
	km.ports = ports

	info := connfile.Info{
		ShellPort:       ports.Shell,
		IOPubPort:       ports.IOPub,
		StdinPort:       ports.Stdin,
		ControlPort:     ports.Control,
		HBPort:          ports.HB,
		IP:              "127.0.0.1",
		Key:             newKey(),
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
		KernelName:      km.Name,
	}

	dir := opts.RuntimeDir
	if dir == "" {
		dir = runtimeDir()
	}
	km.connFilePath = filepath.Join(dir, fmt.Sprintf("kernel-%s.json", km.ID))
	if err := connfile.WriteConnectionFile(km.connFilePath, info); err != nil {
		km.fail(ErrStartupFailed, err)
		return
	}
	km.wroteConnFile = true
	km.info = info

	cmd, err := km.Provisioner.Launch(km.zmqCtx, km.Spec, km.connFilePath, info, opts.Env, cwd, opts.ExtraArgs)
	if err != nil {
		km.fail(ErrProvisionerUnavailable, err)
		return
	}
	km.cmd = cmd
	km.doneCh = make(chan struct{})
	go func() {
		km.exitErr = cmd.Wait()
		close(km.doneCh)
	}()

	// Reconcile against the info written above: Launch returns no connection
	// info of its own, so the pre-launch info is treated as authoritative.
	if err := connfile.Reconcile(km.connFilePath, info); err != nil {
		km.fail(ErrBadConnectionInfo, err)
		return
	}

	control, err := connfile.OpenChannel(km.zmqCtx, connfile.Control, info, info.ControlPort, km.ID)
	if err != nil {
		km.fail(ErrStartupFailed, err)
		return
	}
	km.control = control

	km.mu.Lock()
	km.state = StateStarting
	km.lastActivity = time.Now()
	km.mu.Unlock()

	km.ready.fire(nil)
}

func (km *Manager) fail(kind error, cause error) {
	km.mu.Lock()
	km.state = StateDead
	km.reason = fmt.Sprintf("%v: %v", kind, cause)
	km.mu.Unlock()
	log.Printf("kernelmanager: kernel %s failed to start: %v: %v", km.ID, kind, cause)
	km.ready.fire(fmt.Errorf("%w: %v", kind, cause))
}

// IsAlive reports whether the subprocess has not yet exited. It implements
// restarter.KernelObserver.
func (km *Manager) IsAlive() bool {
	if km.doneCh == nil {
		return false
	}
	select {
	case <-km.doneCh:
		return false
	default:
		return true
	}
}

// IsShuttingDown reports whether Shutdown is in flight, for the restarter
// to bail out of its poll loop.
func (km *Manager) IsShuttingDown() bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.shuttingDown
}

// State returns the kernel's last-known execution state.
func (km *Manager) State() State {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.state
}

// SetState is called by the multikernel activity tap to push observed
// execution_state updates (status messages on IOPub).
func (km *Manager) SetState(s State) {
	km.mu.Lock()
	km.state = s
	km.mu.Unlock()
}

// MarkActivity records an IOPub frame arrival, for cull-idle accounting.
func (km *Manager) MarkActivity() {
	km.mu.Lock()
	km.lastActivity = time.Now()
	km.mu.Unlock()
}

// LastActivity returns the last time any IOPub frame (or start) was
// observed.
func (km *Manager) LastActivity() time.Time {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.lastActivity
}

// ExecutionState returns the last status message's execution_state, used
// by the culler's cull_busy rule.
func (km *Manager) ExecutionState() string {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.executionState
}

// SetExecutionState records the IOPub tap's observed status.
func (km *Manager) SetExecutionState(s string) {
	km.mu.Lock()
	km.executionState = s
	km.mu.Unlock()
}

// Reason returns the human-readable explanation for the current state.
func (km *Manager) Reason() string {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.reason
}

// ConnectionCount returns the number of currently-attached WebSocket
// bridges.
func (km *Manager) ConnectionCount() int {
	return int(atomic.LoadInt32(&km.connectionCount))
}

// NotifyConnect / NotifyDisconnect track bridge attach/detach.
func (km *Manager) NotifyConnect()    { atomic.AddInt32(&km.connectionCount, 1) }
func (km *Manager) NotifyDisconnect() {
	if atomic.AddInt32(&km.connectionCount, -1) < 0 {
		atomic.StoreInt32(&km.connectionCount, 0)
	}
}

// Info returns the kernel's connection info.
func (km *Manager) Info() connfile.Info { return km.info }

// Control returns the control-channel socket that carries the
// interrupt_request and shutdown_request messages.
func (km *Manager) Control() zmq4.Socket { return km.control }

// ConnectChannel opens a fresh client socket to one of the kernel's five
// channels and wraps it in a Stream so the WebSocket Bridge and the
// offline buffer can trade the receive side without fighting over Recv.
func (km *Manager) ConnectChannel(channel connfile.Channel) (*connfile.Stream, error) {
	port := connfile.PortFor(channel, km.info)
	sock, err := connfile.OpenChannel(km.zmqCtx, channel, km.info, port, km.ID)
	if err != nil {
		return nil, err
	}
	return connfile.NewStream(sock), nil
}

// Signal delivers signum to the kernel process directly (interrupt_mode
// "signal").
func (km *Manager) Signal(signum os.Signal) error {
	if km.cmd == nil || km.cmd.Process == nil {
		return ErrNotRunning
	}
	return km.cmd.Process.Signal(signum)
}

// Interrupt interrupts the kernel per its spec's interrupt_mode: either an
// OS signal or an interrupt_request over the control channel.
func (km *Manager) Interrupt() error {
	if km.Spec.InterruptMode == kernelspec.InterruptMessage {
		return km.sendControl("interrupt_request", nil)
	}
	return km.Signal(interruptSignal())
}

func (km *Manager) sendControl(msgType string, content map[string]interface{}) error {
	if km.control == nil {
		return ErrNotRunning
	}
	msg := wire.Message{
		Header:  wire.NewHeader(km.ID, msgType),
		Content: content,
	}
	zmsg, err := wire.Encode(nil, msg, km.info.Key)
	if err != nil {
		return err
	}
	return km.control.Send(zmsg)
}
