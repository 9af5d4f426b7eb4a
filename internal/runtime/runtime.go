// Package runtime assembles the server's long-lived components — the
// kernel-spec manager, the multi-kernel manager, the session registry and
// the WebSocket bridge — into one explicit value handed to the HTTP
// layer, instead of process-wide registries.
package runtime

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"karl/internal/kernelspec"
	"karl/internal/multikernel"
	"karl/internal/restarter"
	"karl/internal/session"
	"karl/internal/wsbridge"
)

// Config carries every tunable the serve command and environment expose.
type Config struct {
	Addr              string
	DefaultKernelName string

	// SessionDSN is the session registry's database DSN (KARL_SESSION_DB).
	// Empty disables the session endpoints.
	SessionDSN string

	ConfigDir     string // KARL_CONFIG_DIR
	DataDir       string // KARL_DATA_DIR
	RuntimeDir    string // KARL_RUNTIME_DIR
	PreferEnvPath bool   // KARL_PREFER_ENV_PATH
	NoConfig      bool   // KARL_NO_CONFIG: skip user/env dirs entirely

	UsePendingKernels bool
	AllowTracebacks   bool
	KernelInfoTimeout time.Duration

	CullInterval    time.Duration
	CullIdleTimeout time.Duration
	CullBusy        bool
	CullConnected   bool

	// ServerURL, when set, is injected into kernels as KARL_SERVER_URL.
	ServerURL string
}

// ConfigFromEnv reads the KARL_* environment and fills in
// defaults for everything else.
func ConfigFromEnv() Config {
	cfg := Config{
		Addr:              ":8888",
		DefaultKernelName: "karl",
		SessionDSN:        os.Getenv("KARL_SESSION_DB"),
		ConfigDir:         os.Getenv("KARL_CONFIG_DIR"),
		DataDir:           os.Getenv("KARL_DATA_DIR"),
		RuntimeDir:        os.Getenv("KARL_RUNTIME_DIR"),
		PreferEnvPath:     os.Getenv("KARL_PREFER_ENV_PATH") != "",
		NoConfig:          os.Getenv("KARL_NO_CONFIG") != "",
		KernelInfoTimeout: 60 * time.Second,
		CullInterval:      300 * time.Second,
	}
	home, err := os.UserHomeDir()
	if err == nil {
		if cfg.ConfigDir == "" {
			cfg.ConfigDir = filepath.Join(home, ".karl")
		}
		if cfg.DataDir == "" {
			cfg.DataDir = filepath.Join(home, ".local", "share", "karl")
		}
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = filepath.Join(os.TempDir(), "karl-runtime")
	}
	return cfg
}

// SearchPath builds the kernel-spec search path: user data dir, then the
// executable's own share directory, then the system dirs. Earlier entries
// win on name collisions. KARL_PREFER_ENV_PATH swaps the first two;
// KARL_NO_CONFIG drops both and leaves only the system dirs.
func (c Config) SearchPath() []string {
	system := []string{
		filepath.Join("/usr", "local", "share", "karl"),
		filepath.Join("/usr", "share", "karl"),
	}
	if c.NoConfig {
		return system
	}
	envDir := ""
	if exe, err := os.Executable(); err == nil {
		envDir = filepath.Join(filepath.Dir(exe), "share", "karl")
	}
	var paths []string
	if c.PreferEnvPath && envDir != "" {
		paths = append(paths, envDir, c.DataDir)
	} else {
		paths = append(paths, c.DataDir)
		if envDir != "" {
			paths = append(paths, envDir)
		}
	}
	return append(paths, system...)
}

// Runtime owns the core components for one server process.
type Runtime struct {
	Config   Config
	Specs    *kernelspec.Manager
	Kernels  *multikernel.Manager
	Sessions *session.Registry
	Bridge   *wsbridge.Bridge

	stop context.CancelFunc
}

// New builds and starts a Runtime: scans kernel specs, opens the session
// store (when configured), and launches the culler.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	specs, err := kernelspec.NewManager(cfg.SearchPath(), cfg.DefaultKernelName)
	if err != nil {
		return nil, fmt.Errorf("runtime: kernelspec scan: %w", err)
	}
	if err := specs.WatchForChanges(); err != nil {
		log.Printf("runtime: kernelspec watch disabled: %v", err)
	}

	extraEnv := map[string]string{}
	if cfg.ServerURL != "" {
		extraEnv["KARL_SERVER_URL"] = cfg.ServerURL
	}
	mkm := multikernel.New(specs, nil, multikernel.Options{
		UsePendingKernels: cfg.UsePendingKernels,
		DefaultKernelName: cfg.DefaultKernelName,
		CullInterval:      cfg.CullInterval,
		CullIdleTimeout:   cfg.CullIdleTimeout,
		CullBusy:          cfg.CullBusy,
		CullConnected:     cfg.CullConnected,
		ExtraEnv:          extraEnv,
		RuntimeDir:        cfg.RuntimeDir,
		Restarter:         restarter.Options{},
	})

	ctx, cancel := context.WithCancel(ctx)
	mkm.StartCuller(ctx)

	rt := &Runtime{
		Config:  cfg,
		Specs:   specs,
		Kernels: mkm,
		Bridge: wsbridge.New(mkm, wsbridge.Options{
			AllowTracebacks:   cfg.AllowTracebacks,
			KernelInfoTimeout: cfg.KernelInfoTimeout,
		}),
		stop: cancel,
	}

	if cfg.SessionDSN != "" {
		reg, err := session.Open(ctx, cfg.SessionDSN, mkm)
		if err != nil {
			cancel()
			_ = specs.Close()
			return nil, fmt.Errorf("runtime: session store: %w", err)
		}
		rt.Sessions = reg
	} else {
		log.Printf("runtime: KARL_SESSION_DB not set, session endpoints disabled")
	}

	return rt, nil
}

// Close shuts down every running kernel, the culler, the spec watcher and
// the session store. Kernel shutdown failures are logged and do not stop
// the teardown of the others.
func (rt *Runtime) Close() error {
	rt.stop()
	for _, id := range rt.Kernels.ListIDs() {
		if err := rt.Kernels.Shutdown(id, false, false); err != nil {
			log.Printf("runtime: shutdown kernel %s: %v", id, err)
		}
	}
	rt.Kernels.Stop()
	_ = rt.Specs.Close()
	if rt.Sessions != nil {
		return rt.Sessions.Close()
	}
	return nil
}
