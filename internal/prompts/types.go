package prompts

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/casefill/orchestrator/internal/models"
)

var (
	// ErrMissingVariable is returned when a required template variable is absent
	ErrMissingVariable = errors.New("missing required template variable")

	// ErrUnknownTemplate is returned when no template is registered for a kind
	ErrUnknownTemplate = errors.New("unknown prompt template")
)

// Kind selects the template used for a flow
type Kind string

const (
	KindInitialization Kind = "initialization"
	KindContinuation   Kind = "continuation"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindInitialization || k == KindContinuation
}

// Template is a prompt template as stored in YAML
type Template struct {
	Name         string   `yaml:"name"`
	Kind         Kind     `yaml:"kind"`
	Version      string   `yaml:"version"`
	Description  string   `yaml:"description"`
	System       string   `yaml:"system"`
	Body         string   `yaml:"body"`
	RequiredVars []string `yaml:"required_vars"`
}

// Vars are the values a template is rendered with. Well-known keys are
// listed as Var* constants.
type Vars map[string]any

const (
	VarRecordID        = "record_id"
	VarRecordType      = "record_type"
	VarUserMessage     = "user_message"
	VarDocuments       = "documents"
	VarFields          = "fields"
	VarHistory         = "history"
	VarExtractedFields = "extracted_fields"
	VarSummary         = "summary"
)

// Prompt is a rendered template ready for optimization and formatting
type Prompt struct {
	Template       string
	Kind           Kind
	System         string
	Body           string
	Message        string
	History        []models.HistoryEntry
	DroppedHistory int
	Truncated      bool

	// render re-renders Body for a shorter history; nil for prompts built
	// outside the Builder.
	render func(history []models.HistoryEntry) (string, error)
}

// Instructions is the text sent to the agent: system text, then body
func (p *Prompt) Instructions() string {
	switch {
	case p.System == "":
		return p.Body
	case p.Body == "":
		return p.System
	}
	return p.System + "\n\n" + p.Body
}

// Size is the prompt length in characters
func (p *Prompt) Size() int {
	return utf8.RuneCountInString(p.Instructions())
}

func isMissing(v any, ok bool) bool {
	if !ok || v == nil {
		return true
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) == ""
	}
	return false
}
