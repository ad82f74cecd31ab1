// Package formatting packages session state and an optimized prompt into
// the request envelope the extraction agent accepts.
package formatting

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/pipeline"
	"github.com/casefill/orchestrator/internal/prompts"
	"github.com/casefill/orchestrator/internal/session"
)

// ErrInvalidEnvelope is returned when the inputs cannot form a valid request
var ErrInvalidEnvelope = errors.New("invalid agent envelope")

// Metadata keys set on every envelope
const (
	MetaFlow           = "flow"
	MetaTemplate       = "template"
	MetaDroppedHistory = "dropped_history"
	MetaTruncated      = "truncated"
	MetaRecordType     = "record_type"
	MetaSummary        = "summary"
	MetaExtracted      = "extracted_fields"
)

// Format builds the agent envelope for s from an optimized prompt and the
// prepared record. Inputs are not modified.
func Format(s *session.Session, p *prompts.Prompt, prep *pipeline.Prepared) (*models.Envelope, error) {
	switch {
	case s == nil:
		return nil, fmt.Errorf("%w: session is required", ErrInvalidEnvelope)
	case p == nil:
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidEnvelope)
	case prep == nil:
		return nil, fmt.Errorf("%w: prepared record is required", ErrInvalidEnvelope)
	case strings.TrimSpace(p.Message) == "":
		return nil, fmt.Errorf("%w: user message is empty", ErrInvalidEnvelope)
	case prep.RecordID != "" && prep.RecordID != s.RecordID:
		return nil, fmt.Errorf("%w: record %s does not belong to session record %s", ErrInvalidEnvelope, prep.RecordID, s.RecordID)
	}

	env := &models.Envelope{
		SessionID:           s.ID,
		RecordID:            s.RecordID,
		Message:             p.Message,
		Instructions:        p.Instructions(),
		Documents:           append([]models.Document{}, prep.Documents...),
		Fields:              append([]models.FormField{}, prep.Fields...),
		ConversationHistory: append([]models.HistoryEntry{}, p.History...),
		Metadata: map[string]any{
			MetaFlow:           string(p.Kind),
			MetaTemplate:       p.Template,
			MetaDroppedHistory: p.DroppedHistory,
			MetaTruncated:      p.Truncated,
			MetaSummary:        prep.Summary,
		},
	}
	if prep.RecordType != "" {
		env.Metadata[MetaRecordType] = prep.RecordType
	}
	if len(s.Context.ExtractedFields) > 0 {
		extracted := make(map[string]any, len(s.Context.ExtractedFields))
		for k, v := range s.Context.ExtractedFields {
			extracted[k] = v
		}
		env.Metadata[MetaExtracted] = extracted
	}
	return env, nil
}

// History converts stored conversation messages into agent history entries.
// Pending dispatch markers are internal and are left out.
func History(msgs []session.Message) []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		out = append(out, models.HistoryEntry{
			Role:      m.Role,
			Message:   m.Message,
			Timestamp: m.Timestamp,
		})
	}
	return out
}
