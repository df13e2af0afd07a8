// Package prompts serves the service-selection prompt templates.
//
// Default templates are compiled into the binary. Either template can be
// overridden by a file on disk, and overridden files are re-read when they
// change so prompt tuning does not require a restart.
package prompts

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/selection_system.txt templates/selection_user.txt
var defaults embed.FS

// PlaceholderQuery and PlaceholderCandidates are the substitution markers
// the user template must carry.
const (
	PlaceholderQuery      = "{{query}}"
	PlaceholderCandidates = "{{candidates}}"
)

// Config configures a template store.
type Config struct {
	// SystemPath overrides the built-in system template when non-empty.
	SystemPath string

	// UserPath overrides the built-in user template when non-empty.
	UserPath string

	// DebounceDelay is how long to wait for more file changes before
	// reloading. Defaults to 200ms.
	DebounceDelay time.Duration

	// Logger for reload events.
	Logger *slog.Logger
}

// Store holds the current selection templates.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	system string
	user   string

	pendingMu sync.Mutex
	pending   map[string]struct{}

	watcher *fsnotify.Watcher
}

// NewStore loads the built-in templates and applies any file overrides.
// A configured override that cannot be read is an error.
func NewStore(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = 200 * time.Millisecond
	}

	s := &Store{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]struct{}),
	}

	system, err := defaults.ReadFile("templates/selection_system.txt")
	if err != nil {
		return nil, fmt.Errorf("read embedded system template: %w", err)
	}
	user, err := defaults.ReadFile("templates/selection_user.txt")
	if err != nil {
		return nil, fmt.Errorf("read embedded user template: %w", err)
	}
	s.system = string(system)
	s.user = string(user)

	if cfg.SystemPath != "" {
		text, err := os.ReadFile(cfg.SystemPath)
		if err != nil {
			return nil, fmt.Errorf("read system template %s: %w", cfg.SystemPath, err)
		}
		s.system = string(text)
	}
	if cfg.UserPath != "" {
		text, err := os.ReadFile(cfg.UserPath)
		if err != nil {
			return nil, fmt.Errorf("read user template %s: %w", cfg.UserPath, err)
		}
		if err := validateUser(string(text)); err != nil {
			return nil, fmt.Errorf("user template %s: %w", cfg.UserPath, err)
		}
		s.user = string(text)
	}

	return s, nil
}

// System returns the current system template.
func (s *Store) System() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system
}

// User returns the current user template.
func (s *Store) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// FillUser substitutes the query and candidates section into the user
// template.
func (s *Store) FillUser(query, candidates string) string {
	t := s.User()
	t = strings.ReplaceAll(t, PlaceholderQuery, query)
	t = strings.ReplaceAll(t, PlaceholderCandidates, candidates)
	return t
}

// Watch re-reads overridden template files when they change. It is a no-op
// when no override paths are configured. Watch returns after starting the
// background goroutine; the goroutine stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	dirs := make(map[string]struct{})
	for _, p := range []string{s.cfg.SystemPath, s.cfg.UserPath} {
		if p != "" {
			dirs[filepath.Dir(p)] = struct{}{}
		}
	}
	if len(dirs) == 0 {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	// Watch the parent directories: editors and config reloaders commonly
	// replace files via rename, which drops a watch on the file itself.
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch template dir %s: %w", dir, err)
		}
	}
	s.watcher = fsw

	go s.processEvents(ctx)

	s.logger.Info("Template watcher started",
		"system", s.cfg.SystemPath,
		"user", s.cfg.UserPath)
	return nil
}

// Close stops the watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (s *Store) processEvents(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DebounceDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleFSEvent(event)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Template watcher error", "error", err)

		case <-ticker.C:
			s.flushPending()
		}
	}
}

// handleFSEvent records a change to one of the configured template files.
func (s *Store) handleFSEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	path := event.Name
	if !samePath(path, s.cfg.SystemPath) && !samePath(path, s.cfg.UserPath) {
		return
	}

	s.pendingMu.Lock()
	s.pending[path] = struct{}{}
	s.pendingMu.Unlock()

	s.logger.Debug("Template change detected", "path", path, "op", event.Op.String())
}

// flushPending reloads accumulated changes.
func (s *Store) flushPending() {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	toReload := make([]string, 0, len(s.pending))
	for p := range s.pending {
		toReload = append(toReload, p)
	}
	s.pending = make(map[string]struct{})
	s.pendingMu.Unlock()

	for _, path := range toReload {
		s.reload(path)
	}
}

// reload re-reads one template file. A failed read keeps the previous
// template.
func (s *Store) reload(path string) {
	text, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("Template reload failed, keeping previous",
			"path", path,
			"error", err)
		return
	}

	switch {
	case samePath(path, s.cfg.SystemPath):
		s.mu.Lock()
		s.system = string(text)
		s.mu.Unlock()
		s.logger.Info("Reloaded system template", "path", path)
	case samePath(path, s.cfg.UserPath):
		if err := validateUser(string(text)); err != nil {
			s.logger.Warn("Template reload rejected, keeping previous",
				"path", path,
				"error", err)
			return
		}
		s.mu.Lock()
		s.user = string(text)
		s.mu.Unlock()
		s.logger.Info("Reloaded user template", "path", path)
	}
}

// validateUser checks that a user template carries both placeholders.
func validateUser(text string) error {
	for _, marker := range []string{PlaceholderQuery, PlaceholderCandidates} {
		if !strings.Contains(text, marker) {
			return fmt.Errorf("missing %s placeholder", marker)
		}
	}
	return nil
}

func samePath(a, b string) bool {
	if b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
