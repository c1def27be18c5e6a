package skills

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Config controls skill loading and watching.
type Config struct {
	// Dir is the skills directory. A missing directory is tolerated and
	// yields an empty manifest.
	Dir string

	// Debounce delays reload after a file event. Zero means
	// DefaultDebounce.
	Debounce time.Duration

	Logger *slog.Logger
}

// Manager loads the skills directory and watches it for changes. A failed
// reload keeps the last good manifest in place.
type Manager struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	manifest *manifest.Manifest
	loadedAt time.Time
	lastErr  error
	onReload func(*manifest.Manifest)
	onError  func(error)

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewManager creates a manager. Nothing is read until Load.
func NewManager(cfg Config) *Manager {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		dir:      cfg.Dir,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With("component", "skills"),
		manifest: &manifest.Manifest{},
	}
}

// Load reads the skills directory. A missing directory is not an error;
// anything else is, and startup should fail on it.
func (m *Manager) Load() error {
	loaded, err := LoadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("skills directory does not exist", "dir", m.dir)
			m.swap(&manifest.Manifest{})
			return nil
		}
		return err
	}
	m.swap(loaded)
	m.logger.Info("loaded skills", "dir", m.dir, "skills", len(loaded.Skills), "roles", len(loaded.Roles))
	return nil
}

func (m *Manager) swap(loaded *manifest.Manifest) {
	m.mu.Lock()
	m.manifest = loaded
	m.loadedAt = time.Now()
	m.lastErr = nil
	fn := m.onReload
	m.mu.Unlock()

	if fn != nil {
		fn(loaded)
	}
}

// Manifest returns the last successfully loaded manifest. Never nil.
func (m *Manager) Manifest() *manifest.Manifest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.manifest
}

// LoadedAt returns when the current manifest was loaded.
func (m *Manager) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// LastError returns the most recent reload failure, cleared by the next
// successful load.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// OnReload registers the callback invoked after every successful load,
// including the initial one. Set it before Load.
func (m *Manager) OnReload(fn func(*manifest.Manifest)) {
	m.mu.Lock()
	m.onReload = fn
	m.mu.Unlock()
}

// OnError registers the callback invoked when a watched reload fails.
// The previous manifest stays in place either way.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// StartWatching begins watching the skills directory. File events are
// debounced; each burst triggers one reload.
func (m *Manager) StartWatching(ctx context.Context) error {
	m.watchMu.Lock()
	if m.watcher != nil {
		m.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.watchMu.Unlock()
		return err
	}
	m.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	m.watchCancel = cancel
	m.watchMu.Unlock()

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("initial watch setup failed", "error", err)
	}

	m.watchWg.Add(1)
	go m.watchLoop(watchCtx)
	return nil
}

// Close stops the watcher and waits for the watch loop to exit.
func (m *Manager) Close() error {
	m.watchMu.Lock()
	if m.watchCancel != nil {
		m.watchCancel()
		m.watchCancel = nil
	}
	watcher := m.watcher
	m.watcher = nil
	m.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	m.watchWg.Wait()
	return nil
}

// refreshWatches watches the root and every skill subdirectory.
func (m *Manager) refreshWatches() error {
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return nil
	}

	if err := watcher.Add(m.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(m.dir, entry.Name()))
		}
	}
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer m.watchWg.Done()
	m.watchMu.Lock()
	watcher := m.watcher
	m.watchMu.Unlock()
	if watcher == nil {
		return
	}

	var timerMu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, m.reload)
	}

	for {
		select {
		case <-ctx.Done():
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timerMu.Unlock()
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			schedule()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watch error", "error", err)
		}
	}
}

// reload runs after the debounce window. Failures keep the previous
// manifest and are surfaced through LastError.
func (m *Manager) reload() {
	loaded, err := LoadDir(m.dir)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		fn := m.onError
		m.mu.Unlock()
		m.logger.Warn("skills reload failed, keeping previous manifest", "error", err)
		if fn != nil {
			fn(err)
		}
		return
	}
	m.swap(loaded)
	m.logger.Info("reloaded skills", "skills", len(loaded.Skills), "roles", len(loaded.Roles))

	if err := m.refreshWatches(); err != nil {
		m.logger.Warn("watch refresh failed", "error", err)
	}
}
