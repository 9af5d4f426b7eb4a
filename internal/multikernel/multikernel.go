// Package multikernel implements the pool of running kernels keyed by id,
// the IOPub activity tap, the idle/dead culler, and offline-message
// buffering.
package multikernel

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"karl/internal/connfile"
	"karl/internal/kernelmanager"
	"karl/internal/kernelspec"
	"karl/internal/restarter"
	"karl/internal/wire"

	"github.com/go-zeromq/zmq4"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned for operations on an unknown kernel id.
	ErrNotFound = fmt.Errorf("multikernel: kernel not found")
	// ErrDuplicateID is returned when Start is given a kernel_id already
	// in the pool (pending or running).
	ErrDuplicateID = fmt.Errorf("multikernel: duplicate kernel id")
	// ErrNoSuchSpec is returned when Start names a kernel spec the
	// discovery scan never found.
	ErrNoSuchSpec = fmt.Errorf("multikernel: no such kernel spec")
)

// Model is the JSON-facing summary of a kernel, for GET /api/kernels.
type Model struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LastActivity    time.Time `json:"last_activity"`
	ExecutionState  string    `json:"execution_state"`
	ConnectionCount int       `json:"connections"`
}

type entry struct {
	km        *kernelmanager.Manager
	restarter *restarter.Restarter
	stopTap   context.CancelFunc
}

// Options configures pool-wide policy.
type Options struct {
	UsePendingKernels bool
	DefaultKernelName string

	CullInterval    time.Duration // default 300s
	CullIdleTimeout time.Duration // 0 disables culling
	CullBusy        bool
	CullConnected   bool

	// ExtraEnv is merged into every kernel's environment, below any
	// per-start env the caller passes.
	ExtraEnv map[string]string

	// RuntimeDir is where kernels' connection files are written.
	RuntimeDir string

	Restarter restarter.Options
}

func (o Options) withDefaults() Options {
	if o.CullInterval <= 0 {
		o.CullInterval = 300 * time.Second
	}
	return o
}

// Manager is the Multi-Kernel Manager (MKM).
type Manager struct {
	specs *kernelspec.Manager
	prov  kernelmanager.Provisioner
	opts  Options

	mu      sync.Mutex
	pending map[string]*pendingEntry
	kernels map[string]*entry

	buffers *bufferStore

	stopCuller context.CancelFunc
}

// pendingEntry is a slot in _pending. It starts as a bare reservation
// (just the spec name) taken under the pool lock before the kernel is
// spawned, so concurrent starts with the same caller-supplied id can't
// both pass the duplicate check; km and ready are filled in once the
// spawn begins.
type pendingEntry struct {
	name  string
	km    *kernelmanager.Manager
	ready *kernelmanager.Ready
}

// New constructs an MKM over the given kernel-spec manager.
func New(specs *kernelspec.Manager, prov kernelmanager.Provisioner, opts Options) *Manager {
	if prov == nil {
		prov = kernelmanager.LocalProvisioner{}
	}
	return &Manager{
		specs:   specs,
		prov:    prov,
		opts:    opts.withDefaults(),
		pending: map[string]*pendingEntry{},
		kernels: map[string]*entry{},
		buffers: newBufferStore(),
	}
}

// StartCuller launches the periodic idle/dead scan.
func (m *Manager) StartCuller(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.stopCuller = cancel
	go func() {
		ticker := time.NewTicker(m.opts.CullInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cullOnce()
			}
		}
	}()
}

// Stop cancels the culler. Kernels and their restarters keep running;
// Shutdown stops a kernel together with its restarter.
func (m *Manager) Stop() {
	if m.stopCuller != nil {
		m.stopCuller()
	}
}

// Start places a new kernel into the pool. It is non-blocking when
// UsePendingKernels is true: the kernel_id is returned immediately while a
// background task awaits readiness. When false, Start blocks until the
// kernel is alive (or failed) and surfaces the start error to the caller.
func (m *Manager) Start(name, path string, env map[string]string, kernelID string) (string, error) {
	if name == "" {
		name = m.opts.DefaultKernelName
	}
	spec, ok := m.specs.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoSuchSpec, name)
	}

	if kernelID == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return "", fmt.Errorf("multikernel: generate kernel id: %w", err)
		}
		kernelID = u.String()
	}

	// Reserve the id before any slow work; the duplicate check and the
	// insert must be one atomic step or two concurrent starts with the same
	// caller-supplied id both get past it.
	m.mu.Lock()
	if _, exists := m.pending[kernelID]; exists {
		m.mu.Unlock()
		return "", ErrDuplicateID
	}
	if _, exists := m.kernels[kernelID]; exists {
		m.mu.Unlock()
		return "", ErrDuplicateID
	}
	m.pending[kernelID] = &pendingEntry{name: name}
	m.mu.Unlock()

	cwd := deriveCwd(path)
	merged := map[string]string{}
	for k, v := range m.opts.ExtraEnv {
		merged[k] = v
	}
	if path != "" {
		merged["KARL_SESSION_NAME"] = path
	}
	for k, v := range env {
		merged[k] = v
	}
	km, ready, err := kernelmanager.New(spec, name, kernelmanager.Options{
		Env:        merged,
		Cwd:        cwd,
		KernelID:   kernelID,
		RuntimeDir: m.opts.RuntimeDir,
	}, m.prov)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, kernelID)
		m.mu.Unlock()
		return "", err
	}

	m.mu.Lock()
	m.pending[kernelID] = &pendingEntry{name: name, km: km, ready: ready}
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := ready.Wait(context.Background())
		m.promote(km, err)
		done <- err
	}()

	if m.opts.UsePendingKernels {
		return km.ID, nil
	}
	if err := <-done; err != nil {
		return km.ID, err
	}
	return km.ID, nil
}

// promote moves a kernel from _pending to _kernels once its Ready future
// resolves, starting its restarter and IOPub tap. On failure it is simply
// dropped from _pending; an id lives in exactly one of the two maps at
// any moment.
func (m *Manager) promote(km *kernelmanager.Manager, startErr error) {
	m.mu.Lock()
	delete(m.pending, km.ID)
	if startErr != nil {
		m.mu.Unlock()
		return
	}
	rs := restarter.New(km, m.opts.Restarter)
	e := &entry{km: km, restarter: rs}
	m.kernels[km.ID] = e
	m.mu.Unlock()

	rs.Callbacks().OnDead(func() {
		log.Printf("multikernel: kernel %s exceeded restart_limit, removing", km.ID)
		m.Shutdown(km.ID, true, false)
	})
	stop := rs.Start(context.Background())
	km.SetRestarterStop(stop)

	tapCtx, cancel := context.WithCancel(context.Background())
	e.stopTap = cancel
	go m.runActivityTap(tapCtx, km)
}

// runActivityTap subscribes to the kernel's IOPub channel and updates
// last_activity / execution_state on every frame. It runs regardless of
// whether a client is connected.
func (m *Manager) runActivityTap(ctx context.Context, km *kernelmanager.Manager) {
	stream, err := km.ConnectChannel(connfile.IOPub)
	if err != nil {
		log.Printf("multikernel: %s iopub tap failed to connect: %v", km.ID, err)
		return
	}
	defer stream.Close()

	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	for raw := range stream.Chan() {
		frames, err := wire.Decode(raw, km.Info().Key)
		if err != nil {
			log.Printf("multikernel: %s iopub decode: %v", km.ID, errors.WithMessage(err, "activity tap"))
			continue
		}
		km.MarkActivity()
		if state := wire.ExecutionState(frames.Msg); state != "" {
			km.SetExecutionState(state)
			switch state {
			case "busy":
				km.SetState(kernelmanager.StateBusy)
			case "idle":
				km.SetState(kernelmanager.StateIdle)
			}
		}
	}
}

// Get returns the running (not pending) kernel manager for id.
func (m *Manager) Get(id string) (*kernelmanager.Manager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kernels[id]
	if !ok {
		return nil, false
	}
	return e.km, true
}

// IsPending reports whether id is accepted but not yet confirmed alive.
func (m *Manager) IsPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

// ListIDs returns every running kernel id.
func (m *Manager) ListIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	return ids
}

// ListModels returns the HTTP-facing summary of every running kernel.
func (m *Manager) ListModels() []Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	models := make([]Model, 0, len(m.kernels))
	for id, e := range m.kernels {
		models = append(models, modelOf(id, e.km))
	}
	return models
}

// Shutdown stops a kernel and removes it from the pool. Failures during
// shutdown are logged but never prevent the id from being dropped, so one
// bad kernel can't block culling the rest.
func (m *Manager) Shutdown(id string, now bool, restart bool) error {
	m.mu.Lock()
	e, ok := m.kernels[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !restart {
		delete(m.kernels, id)
	}
	m.mu.Unlock()

	if e.stopTap != nil {
		e.stopTap()
	}
	if !restart {
		m.StopBuffering(id)
	}
	if err := e.km.Shutdown(now, restart); err != nil {
		log.Printf("multikernel: shutdown %s: %v", id, err)
		return err
	}
	return nil
}

// Restart restarts a kernel in place, keeping its id and pool membership.
func (m *Manager) Restart(id string, now bool) error {
	m.mu.Lock()
	e, ok := m.kernels[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return e.km.Restart(now, false)
}

// Interrupt interrupts a running kernel.
func (m *Manager) Interrupt(id string) error {
	m.mu.Lock()
	e, ok := m.kernels[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return e.km.Interrupt()
}

// ConnectChannel opens a fresh client stream to one of a running
// kernel's five channels.
func (m *Manager) ConnectChannel(id string, ch connfile.Channel) (*connfile.Stream, error) {
	km, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return km.ConnectChannel(ch)
}

// NotifyConnect / NotifyDisconnect track bridge attach/detach for culling
// (cull_connected) and offline buffering.
func (m *Manager) NotifyConnect(id string) {
	if e, ok := m.entryFor(id); ok {
		e.km.NotifyConnect()
	}
}

func (m *Manager) NotifyDisconnect(id string) {
	if e, ok := m.entryFor(id); ok {
		e.km.NotifyDisconnect()
	}
}

// ConnCountZero reports whether no WebSocket bridge is currently attached
// to id; unknown ids count as zero.
func (m *Manager) ConnCountZero(id string) bool {
	e, ok := m.entryFor(id)
	if !ok {
		return true
	}
	return e.km.ConnectionCount() == 0
}

// ModelFor returns the HTTP-facing model for one kernel, covering both
// running and pending ids (a pending kernel reports as "starting").
func (m *Manager) ModelFor(id string) (Model, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kernels[id]; ok {
		return modelOf(id, e.km), true
	}
	if p, ok := m.pending[id]; ok {
		return Model{
			ID:             id,
			Name:           p.name,
			LastActivity:   time.Now(),
			ExecutionState: string(kernelmanager.StateStarting),
		}, true
	}
	return Model{}, false
}

// modelOf builds the JSON-facing summary for one running kernel. Before
// the first IOPub status arrives execution_state falls back to the KM's
// lifecycle state, so a just-started kernel reports "starting".
func modelOf(id string, km *kernelmanager.Manager) Model {
	state := km.ExecutionState()
	if state == "" {
		state = string(km.State())
	}
	return Model{
		ID:              id,
		Name:            km.Name,
		LastActivity:    km.LastActivity(),
		ExecutionState:  state,
		ConnectionCount: km.ConnectionCount(),
	}
}

func (m *Manager) entryFor(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kernels[id]
	return e, ok
}

// cullOnce scans every running kernel and shuts down dead ones plus any
// idle past the timeout, subject to the busy/connected policy.
func (m *Manager) cullOnce() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.kernels))
	for id := range m.kernels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		e, ok := m.entryFor(id)
		if !ok {
			continue
		}
		km := e.km
		if !km.IsAlive() {
			m.Shutdown(id, true, false)
			continue
		}

		idleTimeout := m.opts.CullIdleTimeout
		if idleTimeout <= 0 {
			continue // cull_idle_timeout = 0 disables culling, even with a scheduled tick
		}
		idleFor := time.Since(km.LastActivity())
		if idleFor < idleTimeout {
			continue
		}
		if !m.opts.CullBusy && km.ExecutionState() == "busy" {
			continue
		}
		if !m.opts.CullConnected && km.ConnectionCount() > 0 {
			continue
		}
		log.Printf("multikernel: culling idle kernel %s (idle %s)", id, idleFor)
		m.Shutdown(id, false, false)
	}
}

func deriveCwd(path string) string {
	if path == "" {
		return ""
	}
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return ""
}

// --- Offline buffering ---

// BufferedFrame is one captured (channel, raw frames) pair.
type BufferedFrame struct {
	Channel connfile.Channel
	Raw     zmq4.Msg
}

// Buffer holds frames captured while no client is attached to a kernel.
type Buffer struct {
	SessionKey string

	mu      sync.Mutex
	frames  []BufferedFrame
	streams map[connfile.Channel]*connfile.Stream

	detach context.CancelFunc
	wg     sync.WaitGroup
}

// Drain returns and clears the buffered frames in original arrival order.
func (b *Buffer) Drain() []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out
}

// stop detaches the capture goroutines and waits for them to finish, so
// the frames slice is final and the streams have exactly zero readers.
func (b *Buffer) stop() {
	b.detach()
	b.wg.Wait()
}

func (b *Buffer) closeStreams() {
	for _, s := range b.streams {
		_ = s.Close()
	}
}

type bufferStore struct {
	mu      sync.Mutex
	buffers map[string]*Buffer // kernel id -> buffer
}

func newBufferStore() *bufferStore { return &bufferStore{buffers: map[string]*Buffer{}} }

// StartBuffering begins capturing frames arriving on channels (the live
// streams the WebSocket Bridge opened for this kernel) into an in-memory
// list keyed by sessionKey. The list is unbounded; a production deployment
// should cap it.
func (m *Manager) StartBuffering(id, sessionKey string, channels map[connfile.Channel]*connfile.Stream) {
	ctx, cancel := context.WithCancel(context.Background())
	buf := &Buffer{SessionKey: sessionKey, streams: channels, detach: cancel}

	m.buffers.mu.Lock()
	if prev := m.buffers.buffers[id]; prev != nil {
		prev.stop()
		prev.closeStreams()
	}
	m.buffers.buffers[id] = buf
	m.buffers.mu.Unlock()

	for ch, stream := range channels {
		buf.wg.Add(1)
		go func(ch connfile.Channel, stream *connfile.Stream) {
			defer buf.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-stream.Chan():
					if !ok {
						return
					}
					buf.mu.Lock()
					buf.frames = append(buf.frames, BufferedFrame{Channel: ch, Raw: raw})
					buf.mu.Unlock()
				}
			}
		}(ch, stream)
	}
}

// GetBuffer returns the buffer for id if sessionKey matches the one it was
// started with, detaching the capture goroutines so the caller regains
// exclusive ownership of the streams. Returns nil if no buffer exists or
// the session_key differs; a mismatched key discards the buffer and
// closes the channels.
func (m *Manager) GetBuffer(id, sessionKey string) (*Buffer, map[connfile.Channel]*connfile.Stream) {
	m.buffers.mu.Lock()
	buf, ok := m.buffers.buffers[id]
	if ok {
		delete(m.buffers.buffers, id)
	}
	m.buffers.mu.Unlock()
	if !ok {
		return nil, nil
	}
	buf.stop()
	if buf.SessionKey != sessionKey {
		buf.closeStreams()
		return nil, nil
	}
	return buf, buf.streams
}

// StopBuffering discards any buffer for id without handing it back,
// closing its streams.
func (m *Manager) StopBuffering(id string) {
	m.buffers.mu.Lock()
	buf, ok := m.buffers.buffers[id]
	if ok {
		delete(m.buffers.buffers, id)
	}
	m.buffers.mu.Unlock()
	if !ok {
		return
	}
	buf.stop()
	buf.closeStreams()
}
