package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind identifies which session file changed.
type ChangeKind int

const (
	// CredentialsChange means the token file was written or removed.
	CredentialsChange ChangeKind = iota
	// TenantChange means the tenant file was written or removed.
	TenantChange
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case CredentialsChange:
		return "credentials"
	case TenantChange:
		return "tenant"
	default:
		return "unknown"
	}
}

// Change is one session file change.
type Change struct {
	Path string
	Kind ChangeKind
}

// Handler receives session changes. The orchestrator implements it.
type Handler interface {
	CredentialsChanged(ctx context.Context)
	TenantChanged(ctx context.Context)
}

// Watcher watches the token and tenant files for changes.
//
// The parent directories are watched rather than the files, so atomic
// replace-by-rename writes are seen, and a file may not exist yet.
type Watcher struct {
	watcher    *fsnotify.Watcher
	changes    chan Change
	errors     chan error
	done       chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	tokenPath  string
	tenantPath string
}

// NewWatcher creates a Watcher. Either path may be empty.
// The watcher must be started with Start() before it emits changes.
func NewWatcher(tokenPath, tenantPath string) (*Watcher, error) {
	if tokenPath == "" && tenantPath == "" {
		return nil, fmt.Errorf("nothing to watch: no token or tenant file configured")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs := func(p string) string {
		if p == "" {
			return ""
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	return &Watcher{
		watcher:    w,
		changes:    make(chan Change, 16),
		errors:     make(chan error, 4),
		done:       make(chan struct{}),
		tokenPath:  abs(tokenPath),
		tenantPath: abs(tenantPath),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dirs := map[string]bool{}
	for _, p := range []string{w.tokenPath, w.tenantPath} {
		if p != "" {
			dirs[filepath.Dir(p)] = true
		}
	}
	var added []string
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			for _, d := range added {
				_ = w.watcher.Remove(d)
			}
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		added = append(added, dir)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.changes)
	close(w.errors)
	return nil
}

// Changes returns the channel of session changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher is running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if change, ok := w.convertEvent(event); ok {
				select {
				case w.changes <- change:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) (Change, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return Change{}, false
	}
	path, err := filepath.Abs(event.Name)
	if err != nil {
		return Change{}, false
	}
	switch path {
	case w.tokenPath:
		return Change{Path: path, Kind: CredentialsChange}, true
	case w.tenantPath:
		return Change{Path: path, Kind: TenantChange}, true
	}
	return Change{}, false
}

// Forward delivers changes to h until ctx is done or the watcher stops.
func (w *Watcher) Forward(ctx context.Context, h Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session-watcher")

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-w.changes:
			if !ok {
				return
			}
			logger.Debug("session file changed", "kind", change.Kind, "path", change.Path)
			switch change.Kind {
			case CredentialsChange:
				h.CredentialsChanged(ctx)
			case TenantChange:
				h.TenantChanged(ctx)
			}
		case err, ok := <-w.errors:
			if !ok {
				return
			}
			logger.Warn("session watcher error", "error", err)
		}
	}
}
