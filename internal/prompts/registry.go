package prompts

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/config"
	"github.com/casefill/orchestrator/internal/metrics"
)

//go:embed defaults/*.yaml
var defaultTemplates embed.FS

// Registry holds one compiled template per kind. Built-in defaults are
// always loaded first; files in the override directory replace them.
type Registry struct {
	mu        sync.RWMutex
	templates map[Kind]Entry
	dir       string
	logger    *zap.Logger
}

// Entry captures a loaded template alongside bookkeeping data
type Entry struct {
	Template    *Template
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time

	compiled *template.Template
}

// TemplateSummary exposes lightweight information about a registered template
type TemplateSummary struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Version     string `json:"version"`
	ContentHash string `json:"content_hash"`
	SourcePath  string `json:"source_path"`
}

// LoadError aggregates template loading failures
type LoadError struct {
	Failures []string
}

func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "template load failed"
	}
	return fmt.Sprintf("%d template(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// NewRegistry loads the built-in templates and, when dir is set, the
// overrides found there.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{dir: dir, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the override directory, empty when only defaults are used
func (r *Registry) Dir() string { return r.dir }

// Reload rebuilds the template set. The previous set stays active when any
// file fails to load.
func (r *Registry) Reload() error {
	next := make(map[Kind]Entry, 2)
	var failures []string

	entries, err := fs.ReadDir(defaultTemplates, "defaults")
	if err != nil {
		return fmt.Errorf("read embedded templates: %w", err)
	}
	for _, e := range entries {
		p := path.Join("defaults", e.Name())
		data, err := defaultTemplates.ReadFile(p)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		tpl, err := LoadTemplate(bytes.NewReader(data))
		if err == nil {
			if _, dup := next[tpl.Kind]; dup {
				err = fmt.Errorf("duplicate built-in template for kind %q", tpl.Kind)
			} else {
				err = addEntry(next, tpl, data, "builtin:"+p)
			}
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
		}
	}

	if r.dir != "" {
		if err := loadDirectory(next, r.dir); err != nil {
			if le, ok := err.(*LoadError); ok {
				failures = append(failures, le.Failures...)
			} else {
				failures = append(failures, err.Error())
			}
		}
	}

	if len(failures) > 0 {
		metrics.TemplateReloads.WithLabelValues("error").Inc()
		return &LoadError{Failures: failures}
	}
	for _, kind := range []Kind{KindInitialization, KindContinuation} {
		if _, ok := next[kind]; !ok {
			metrics.TemplateReloads.WithLabelValues("error").Inc()
			return fmt.Errorf("no template registered for kind %q", kind)
		}
	}

	r.mu.Lock()
	r.templates = next
	r.mu.Unlock()

	metrics.TemplateReloads.WithLabelValues("ok").Inc()
	r.logger.Info("Prompt templates loaded", zap.Any("templates", r.List()))
	return nil
}

func loadDirectory(into map[Kind]Entry, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat template directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("template path %s is not a directory", root)
	}

	names, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read template directory %s: %w", root, err)
	}

	var failures []string
	seen := make(map[Kind]string)
	for _, d := range names {
		if d.IsDir() || !isYAML(d.Name()) {
			continue
		}
		p := filepath.Join(root, d.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		tpl, err := LoadTemplate(bytes.NewReader(data))
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		if prev, dup := seen[tpl.Kind]; dup {
			failures = append(failures, fmt.Sprintf("%s: kind %q already defined by %s", p, tpl.Kind, prev))
			continue
		}
		seen[tpl.Kind] = p
		if err := addEntry(into, tpl, data, p); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p, err))
		}
	}
	if len(failures) > 0 {
		return &LoadError{Failures: failures}
	}
	return nil
}

func addEntry(into map[Kind]Entry, tpl *Template, data []byte, source string) error {
	compiled, err := compile(tpl)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(data)
	into[tpl.Kind] = Entry{
		Template:    tpl,
		SourcePath:  source,
		ContentHash: hex.EncodeToString(hash[:]),
		LoadedAt:    time.Now().UTC(),
		compiled:    compiled,
	}
	return nil
}

// Get returns the active template for a kind
func (r *Registry) Get(kind Kind) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.templates[kind]
	return entry, ok
}

// List summaries of all currently loaded templates
func (r *Registry) List() []TemplateSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TemplateSummary, 0, len(r.templates))
	for kind, entry := range r.templates {
		out = append(out, TemplateSummary{
			Name:        entry.Template.Name,
			Kind:        kind,
			Version:     entry.Template.Version,
			ContentHash: entry.ContentHash,
			SourcePath:  entry.SourcePath,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Watch reloads the registry whenever a file in the watcher's directory
// changes. The watcher must follow the registry's override directory.
func (r *Registry) Watch(w *config.Watcher) error {
	if r.dir == "" {
		return fmt.Errorf("prompt registry has no override directory")
	}
	if filepath.Clean(w.Dir()) != filepath.Clean(r.dir) {
		return fmt.Errorf("watcher follows %s, templates live in %s", w.Dir(), r.dir)
	}
	return w.OnChange("*", func(ev config.Event) error {
		if ev.Op == config.OpInitial {
			return nil
		}
		if err := r.Reload(); err != nil {
			r.logger.Warn("Prompt template reload failed, keeping previous set",
				zap.String("file", ev.File),
				zap.String("op", string(ev.Op)),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
