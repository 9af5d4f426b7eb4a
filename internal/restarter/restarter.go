// Package restarter implements the per-kernel heartbeat poll and bounded
// auto-restart state machine: a single timer-driven loop parameterized by
// an observer interface, so it needs nothing from the kernel manager
// beyond liveness and a restart hook.
package restarter

import (
	"context"
	"log"
	"sync"
	"time"
)

// KernelObserver is the minimal surface the Restarter needs from a
// KernelManager: liveness, and a way to trigger a restart.
type KernelObserver interface {
	IsAlive() bool
	IsShuttingDown() bool
	Restart(now bool, newPorts bool) error
}

// Options configure one Restarter.
type Options struct {
	TimeToDead           time.Duration // default 3s
	StableStartTime      time.Duration // default 10s
	RestartLimit         int           // default 5
	RandomPortsUntilAlive bool
}

func (o Options) withDefaults() Options {
	if o.TimeToDead <= 0 {
		o.TimeToDead = 3 * time.Second
	}
	if o.StableStartTime <= 0 {
		o.StableStartTime = 10 * time.Second
	}
	if o.RestartLimit <= 0 {
		o.RestartLimit = 5
	}
	return o
}

// Callbacks holds the two named buckets, "restart" and "dead".
// Registration is additive.
type Callbacks struct {
	mu      sync.Mutex
	restart []func()
	dead    []func()
}

func (c *Callbacks) OnRestart(fn func()) { c.mu.Lock(); c.restart = append(c.restart, fn); c.mu.Unlock() }
func (c *Callbacks) OnDead(fn func())    { c.mu.Lock(); c.dead = append(c.dead, fn); c.mu.Unlock() }

func (c *Callbacks) fireRestart() {
	c.mu.Lock()
	fns := append([]func(){}, c.restart...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Callbacks) fireDead() {
	c.mu.Lock()
	fns := append([]func(){}, c.dead...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Restarter polls one kernel at a fixed interval and auto-restarts it
// within a bounded attempt count.
type Restarter struct {
	opts     Options
	observer KernelObserver
	cb       Callbacks

	mu              sync.Mutex
	initialStartup  bool
	restarting      bool
	restartCount    int
	lastDead        time.Time
	aliveSince      time.Time

	cancel context.CancelFunc
}

// New constructs a Restarter bound to observer. Call Start to begin
// polling.
func New(observer KernelObserver, opts Options) *Restarter {
	return &Restarter{
		opts:           opts.withDefaults(),
		observer:       observer,
		initialStartup: true,
		aliveSince:     time.Now(),
	}
}

// Callbacks exposes the restart/dead registries for callers (MKM) to hook.
func (r *Restarter) Callbacks() *Callbacks { return &r.cb }

// Start begins the polling loop on its own goroutine; returns a stop func.
func (r *Restarter) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(ctx)
	return cancel
}

func (r *Restarter) loop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.TimeToDead)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// tick runs one poll iteration.
func (r *Restarter) tick() {
	if r.observer.IsShuttingDown() {
		return
	}

	if r.observer.IsAlive() {
		r.mu.Lock()
		stable := !r.aliveSince.IsZero() && time.Since(r.aliveSince) >= r.opts.StableStartTime
		wasRestarting := r.restarting
		if stable {
			r.initialStartup = false
			if wasRestarting {
				r.restarting = false
			}
		}
		r.mu.Unlock()
		if stable && wasRestarting {
			log.Printf("restarter: restart succeeded")
		}
		return
	}

	// Process is dead.
	r.mu.Lock()
	r.lastDead = time.Now()
	if !r.restarting {
		r.restartCount = 1
	} else {
		r.restartCount++
	}
	r.restarting = true
	count := r.restartCount
	limit := r.opts.RestartLimit
	initial := r.initialStartup
	randomPorts := r.opts.RandomPortsUntilAlive
	r.mu.Unlock()

	if count > limit {
		log.Printf("restarter: restart_count %d exceeds limit %d, giving up", count, limit)
		r.cb.fireDead()
		if r.cancel != nil {
			r.cancel()
		}
		return
	}

	r.cb.fireRestart()
	newPorts := initial && randomPorts
	if err := r.observer.Restart(false, newPorts); err != nil {
		log.Printf("restarter: restart attempt %d failed: %v", count, err)
		return
	}
	r.mu.Lock()
	r.aliveSince = time.Now()
	r.mu.Unlock()
}
