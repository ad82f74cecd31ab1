package prompts

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/casefill/orchestrator/internal/models"
)

// optional keys are always present during rendering so templates can test
// them with {{if}} while missingkey=error catches typos.
var optionalVars = []string{
	VarRecordType,
	VarDocuments,
	VarFields,
	VarHistory,
	VarExtractedFields,
	VarSummary,
}

// Builder renders registry templates
type Builder struct {
	registry *Registry
}

// NewBuilder creates a builder over r
func NewBuilder(r *Registry) *Builder {
	return &Builder{registry: r}
}

// Build renders the template for kind with vars. It fails with
// ErrMissingVariable when a required variable is absent or blank.
func (b *Builder) Build(kind Kind, vars Vars) (*Prompt, error) {
	entry, ok := b.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, kind)
	}
	tpl := entry.Template

	for _, name := range tpl.RequiredVars {
		v, present := vars[name]
		if isMissing(v, present) {
			return nil, fmt.Errorf("%w: %s (template %s)", ErrMissingVariable, name, tpl.Name)
		}
	}

	var history []models.HistoryEntry
	if raw, present := vars[VarHistory]; present && raw != nil {
		h, ok := raw.([]models.HistoryEntry)
		if !ok {
			return nil, fmt.Errorf("template variable %s has type %T", VarHistory, raw)
		}
		history = h
	}

	render := func(h []models.HistoryEntry) (string, error) {
		data := make(map[string]any, len(vars)+len(optionalVars))
		for _, k := range optionalVars {
			data[k] = nil
		}
		for k, v := range vars {
			data[k] = v
		}
		data[VarHistory] = h

		var buf bytes.Buffer
		if err := entry.compiled.Execute(&buf, data); err != nil {
			if strings.Contains(err.Error(), "map has no entry for key") {
				return "", fmt.Errorf("%w: %v", ErrMissingVariable, err)
			}
			return "", fmt.Errorf("render template %s: %w", tpl.Name, err)
		}
		return strings.TrimSpace(buf.String()), nil
	}

	body, err := render(history)
	if err != nil {
		return nil, err
	}

	msg, _ := vars[VarUserMessage].(string)
	return &Prompt{
		Template: tpl.Name,
		Kind:     kind,
		System:   strings.TrimSpace(tpl.System),
		Body:     body,
		Message:  msg,
		History:  append([]models.HistoryEntry(nil), history...),
		render:   render,
	}, nil
}
