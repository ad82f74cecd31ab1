package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Op describes what happened to a watched file
type Op string

const (
	OpInitial Op = "initial"
	OpWrite   Op = "write"
	OpRemove  Op = "remove"
)

// Event is delivered to handlers after a watched file settles
type Event struct {
	File string
	Op   Op
	// Doc is the parsed content; for OpRemove, the last content seen
	Doc map[string]interface{}
	At  time.Time
}

// Handler reacts to an Event. Returned errors are logged.
type Handler func(Event) error

// WatcherOption customises a Watcher
type WatcherOption func(*Watcher)

// WithSettleDelay sets how long a file must stay quiet before it is re-read
func WithSettleDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.settle = d }
}

// WithPolling adds a modification-time scan for filesystems where inotify
// events are not delivered (network and some container mounts).
func WithPolling(interval time.Duration) WatcherOption {
	return func(w *Watcher) { w.poll = interval }
}

type route struct {
	pattern string
	fn      Handler
}

// Watcher keeps the parsed YAML and JSON files of one directory and notifies
// handlers when they change. Prompt template overrides are hot-reloaded
// through it. Subdirectories are not watched.
type Watcher struct {
	dir    string
	settle time.Duration
	poll   time.Duration
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu      sync.Mutex
	docs    map[string]map[string]interface{}
	routes  []route
	pending map[string]*time.Timer
	state   int // 0 new, 1 running, 2 stopped
	done    chan struct{}
}

// NewWatcher creates a watcher for dir. Nothing is read until Start.
func NewWatcher(dir string, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("watch directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path %s is not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		dir:     dir,
		settle:  100 * time.Millisecond,
		fsw:     fsw,
		logger:  logger,
		docs:    make(map[string]map[string]interface{}),
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the watched directory
func (w *Watcher) Dir() string { return w.dir }

// OnChange registers fn for files whose base name matches pattern
// (filepath.Match syntax). Register handlers before Start to see the
// initial load.
func (w *Watcher) OnChange(pattern string, fn Handler) error {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	w.mu.Lock()
	w.routes = append(w.routes, route{pattern: pattern, fn: fn})
	w.mu.Unlock()
	return nil
}

// Document returns the current parsed content of a file
func (w *Watcher) Document(name string) (map[string]interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	doc, ok := w.docs[name]
	if !ok {
		return nil, false
	}
	return cloneDoc(doc), true
}

// Start reads every file once, delivering OpInitial events, then follows
// changes until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != 0 {
		w.mu.Unlock()
		return fmt.Errorf("watcher for %s already started", w.dir)
	}
	w.state = 1
	w.mu.Unlock()

	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		doc, err := readDocument(filepath.Join(w.dir, e.Name()))
		if err != nil {
			return err
		}
		w.apply(e.Name(), doc, OpInitial)
	}

	go w.follow(ctx)
	if w.poll > 0 {
		go w.scan(ctx)
	}

	w.logger.Info("Watching configuration directory",
		zap.String("dir", w.dir),
		zap.Int("files", len(entries)),
		zap.Duration("poll_interval", w.poll),
	)
	return nil
}

// Stop ends watching. Pending reloads are dropped.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != 1 {
		return nil
	}
	w.state = 2
	close(w.done)
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
	return w.fsw.Close()
}

// Reload re-reads one file immediately and delivers an OpWrite event
func (w *Watcher) Reload(name string) error {
	doc, err := readDocument(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	w.apply(name, doc, OpWrite)
	return nil
}

func (w *Watcher) follow(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			w.schedule(filepath.Base(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", zap.String("dir", w.dir), zap.Error(err))
		}
	}
}

// scan compares modification times on every tick and schedules files that
// changed or disappeared.
func (w *Watcher) scan(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	seen := w.modTimes()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			current := w.modTimes()
			for name, mod := range current {
				if prev, ok := seen[name]; !ok || !prev.Equal(mod) {
					w.schedule(name)
				}
			}
			for name := range seen {
				if _, ok := current[name]; !ok {
					w.schedule(name)
				}
			}
			seen = current
		}
	}
}

func (w *Watcher) modTimes() map[string]time.Time {
	out := make(map[string]time.Time)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("Failed to scan configuration directory", zap.String("dir", w.dir), zap.Error(err))
		return out
	}
	for _, e := range entries {
		if e.IsDir() || !isDocument(e.Name()) {
			continue
		}
		if info, err := e.Info(); err == nil {
			out[e.Name()] = info.ModTime()
		}
	}
	return out
}

// schedule coalesces bursts of events for one file; editors commonly
// truncate, write and rename in quick succession.
func (w *Watcher) schedule(name string) {
	if !isDocument(name) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != 1 {
		return
	}
	if t, ok := w.pending[name]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[name] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, name)
		w.mu.Unlock()
		w.refresh(name)
	})
}

func (w *Watcher) refresh(name string) {
	doc, err := readDocument(filepath.Join(w.dir, name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.mu.Lock()
		last, had := w.docs[name]
		delete(w.docs, name)
		handlers := w.handlersFor(name)
		w.mu.Unlock()
		if had {
			w.logger.Info("Configuration file removed", zap.String("file", name))
			w.notify(handlers, Event{File: name, Op: OpRemove, Doc: last, At: time.Now()})
		}
	case err != nil:
		w.logger.Error("Failed to reload configuration file", zap.String("file", name), zap.Error(err))
	default:
		w.apply(name, doc, OpWrite)
	}
}

func (w *Watcher) apply(name string, doc map[string]interface{}, op Op) {
	w.mu.Lock()
	w.docs[name] = doc
	handlers := w.handlersFor(name)
	w.mu.Unlock()

	w.logger.Debug("Configuration file loaded", zap.String("file", name), zap.String("op", string(op)))
	w.notify(handlers, Event{File: name, Op: op, Doc: cloneDoc(doc), At: time.Now()})
}

// handlersFor must be called with w.mu held
func (w *Watcher) handlersFor(name string) []Handler {
	var out []Handler
	for _, r := range w.routes {
		if ok, _ := filepath.Match(r.pattern, name); ok {
			out = append(out, r.fn)
		}
	}
	return out
}

// notify runs handlers in registration order without locks held; a change
// is fully applied once its handlers have returned.
func (w *Watcher) notify(handlers []Handler, ev Event) {
	for _, fn := range handlers {
		if err := fn(ev); err != nil {
			w.logger.Error("Configuration handler failed",
				zap.String("file", ev.File),
				zap.String("op", string(ev.Op)),
				zap.Error(err),
			)
		}
	}
}

// readDocument parses a YAML or JSON file; JSON is read as YAML
func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	doc := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

func cloneDoc(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
