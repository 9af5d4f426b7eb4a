// Package kernelspec discovers and serves kernel specifications: the
// on-disk description of how to launch a kernel.
package kernelspec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var nameRE = regexp.MustCompile(`^[a-z0-9._-]+$`)

// InterruptMode selects how KernelManager.Interrupt signals a kernel.
type InterruptMode string

const (
	InterruptSignal  InterruptMode = "signal"
	InterruptMessage InterruptMode = "message"
)

// Spec is one kernel.json's parsed contents plus the directory it lives in.
type Spec struct {
	Argv          []string               `json:"argv"`
	DisplayName   string                 `json:"display_name"`
	Language      string                 `json:"language"`
	Env           map[string]string      `json:"env,omitempty"`
	InterruptMode InterruptMode          `json:"interrupt_mode,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	ResourceDir   string                 `json:"-"`
}

// StaticAssets lists the non-kernel.json files a spec directory carries:
// kernel.js, kernel.css and logo-* images.
func (s Spec) StaticAssets() ([]string, error) {
	entries, err := os.ReadDir(s.ResourceDir)
	if err != nil {
		return nil, fmt.Errorf("kernelspec: list assets for %s: %w", s.ResourceDir, err)
	}
	var assets []string
	for _, e := range entries {
		n := e.Name()
		if n == "kernel.json" || e.IsDir() {
			continue
		}
		if n == "kernel.js" || n == "kernel.css" || strings.HasPrefix(n, "logo-") {
			assets = append(assets, n)
		}
	}
	return assets, nil
}

// Manager discovers and caches specs from a merged search path: user dir,
// environment dir, system dirs, in that priority order (earlier wins on a
// case-insensitive name collision).
type Manager struct {
	searchPath []string
	defaultName string

	mu    sync.RWMutex
	specs map[string]Spec // lowercased name -> spec

	watcher *fsnotify.Watcher
}

// NewManager builds a Manager over searchPath (highest priority first) and
// performs an initial scan.
func NewManager(searchPath []string, defaultName string) (*Manager, error) {
	m := &Manager{searchPath: searchPath, defaultName: defaultName, specs: map[string]Spec{}}
	if err := m.Rescan(); err != nil {
		return nil, err
	}
	return m, nil
}

// Rescan re-walks the search path, replacing the cached spec set.
func (m *Manager) Rescan() error {
	found := map[string]Spec{}
	for _, dir := range m.searchPath {
		kernelsDir := filepath.Join(dir, "kernels")
		entries, err := os.ReadDir(kernelsDir)
		if err != nil {
			continue // a missing search-path entry is not an error
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := strings.ToLower(e.Name())
			if !nameRE.MatchString(name) {
				continue
			}
			if _, exists := found[name]; exists {
				continue // earlier search-path entries win
			}
			specPath := filepath.Join(kernelsDir, e.Name(), "kernel.json")
			data, err := os.ReadFile(specPath)
			if err != nil {
				continue
			}
			var spec Spec
			if err := json.Unmarshal(data, &spec); err != nil {
				continue
			}
			if spec.InterruptMode == "" {
				spec.InterruptMode = InterruptSignal
			}
			spec.ResourceDir = filepath.Join(kernelsDir, e.Name())
			found[name] = spec
		}
	}
	m.mu.Lock()
	m.specs = found
	m.mu.Unlock()
	return nil
}

// WatchForChanges starts an fsnotify watch on every search-path kernels/
// directory and triggers Rescan on create/remove/rename events. Callers
// should arrange to stop it via Close.
func (m *Manager) WatchForChanges() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("kernelspec: watcher: %w", err)
	}
	for _, dir := range m.searchPath {
		kernelsDir := filepath.Join(dir, "kernels")
		if err := w.Add(kernelsDir); err != nil {
			continue // directory may not exist yet; that's fine
		}
	}
	m.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					_ = m.Rescan()
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the directory watcher, if one was started.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Get returns the named spec (case-insensitive).
func (m *Manager) Get(name string) (Spec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specs[strings.ToLower(name)]
	return s, ok
}

// List returns all discovered specs keyed by canonical (lowercased) name.
func (m *Manager) List() map[string]Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Spec, len(m.specs))
	for k, v := range m.specs {
		out[k] = v
	}
	return out
}

// Names returns the sorted list of discovered kernel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.specs))
	for k := range m.specs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Default returns the configured default kernel name.
func (m *Manager) Default() string { return m.defaultName }
