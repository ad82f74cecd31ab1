// Package pipeline turns a CRM snapshot into the normalized shape the
// extraction agent expects. Everything here is a pure function.
package pipeline

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	"github.com/casefill/orchestrator/internal/models"
)

// ErrMalformedField is returned for a field definition that cannot be used
var ErrMalformedField = errors.New("malformed field definition")

// ErrNoRecord is returned when there is no snapshot to preprocess
var ErrNoRecord = errors.New("no record data")

// Prepared is the agent-ready form of a record
type Prepared struct {
	RecordID   string             `json:"record_id"`
	RecordType string             `json:"record_type"`
	Documents  []models.Document  `json:"documents"`
	Fields     []models.FormField `json:"fields"`
	Summary    Summary            `json:"summary"`
}

// Summary counts what the agent is asked to work on
type Summary struct {
	Documents      int `json:"documents"`
	Fields         int `json:"fields"`
	RequiredFields int `json:"required_fields"`
	MissingValues  int `json:"missing_values"`
}

var typeAliases = map[string]string{
	"text":     models.FieldTypeText,
	"string":   models.FieldTypeText,
	"picklist": models.FieldTypePicklist,
	"select":   models.FieldTypePicklist,
	"dropdown": models.FieldTypePicklist,
	"radio":    models.FieldTypeRadio,
	"number":   models.FieldTypeNumber,
	"integer":  models.FieldTypeNumber,
	"decimal":  models.FieldTypeNumber,
	"currency": models.FieldTypeNumber,
	"double":   models.FieldTypeNumber,
	"textarea": models.FieldTypeTextarea,
	"longtext": models.FieldTypeTextarea,
	"richtext": models.FieldTypeTextarea,
}

// NormalizeFieldType maps a CRM field type onto text, picklist, radio,
// number or textarea. Unknown and empty types become text.
func NormalizeFieldType(t string) string {
	if n, ok := typeAliases[strings.ToLower(strings.TrimSpace(t))]; ok {
		return n
	}
	return models.FieldTypeText
}

// Preprocess validates and normalizes rd without modifying it
func Preprocess(rd *models.RecordData) (*Prepared, error) {
	if rd == nil {
		return nil, ErrNoRecord
	}

	fields := make([]models.FormField, 0, len(rd.Fields))
	var summary Summary
	for i, f := range rd.Fields {
		nf, err := normalizeField(f)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
		if nf.Required {
			summary.RequiredFields++
		}
		if isEmptyValue(nf.DefaultValue) {
			summary.MissingValues++
		}
		fields = append(fields, nf)
	}

	docs := mergeDocuments(rd.Documents)
	summary.Documents = len(docs)
	summary.Fields = len(fields)

	return &Prepared{
		RecordID:   rd.RecordID,
		RecordType: strings.TrimSpace(rd.RecordType),
		Documents:  docs,
		Fields:     fields,
		Summary:    summary,
	}, nil
}

// Snapshot converts p back into record form. Sessions cache this so a
// continuation can reuse the normalized data without preprocessing again.
func (p *Prepared) Snapshot() *models.RecordData {
	return &models.RecordData{
		RecordID:   p.RecordID,
		RecordType: p.RecordType,
		Documents:  append([]models.Document(nil), p.Documents...),
		Fields:     append([]models.FormField(nil), p.Fields...),
	}
}

// FromSnapshot wraps an already normalized snapshot as returned by
// Snapshot. No normalization is applied.
func FromSnapshot(rd *models.RecordData) (*Prepared, error) {
	if rd == nil {
		return nil, ErrNoRecord
	}
	p := &Prepared{
		RecordID:   rd.RecordID,
		RecordType: rd.RecordType,
		Documents:  rd.Documents,
		Fields:     rd.Fields,
	}
	p.Summary.Documents = len(rd.Documents)
	p.Summary.Fields = len(rd.Fields)
	for _, f := range rd.Fields {
		if f.Required {
			p.Summary.RequiredFields++
		}
		if isEmptyValue(f.DefaultValue) {
			p.Summary.MissingValues++
		}
	}
	return p, nil
}

func normalizeField(f models.FormField) (models.FormField, error) {
	label := strings.TrimSpace(f.Label)
	if label == "" {
		return models.FormField{}, fmt.Errorf("%w: label is required", ErrMalformedField)
	}

	out := models.FormField{
		Label:        label,
		APIName:      strings.TrimSpace(f.APIName),
		Type:         NormalizeFieldType(f.Type),
		Required:     f.Required,
		DefaultValue: f.DefaultValue,
	}
	if out.APIName == "" {
		out.APIName = label
	}

	seen := make(map[string]struct{}, len(f.PossibleValues))
	for _, v := range f.PossibleValues {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out.PossibleValues = append(out.PossibleValues, v)
	}
	return out, nil
}

// mergeDocuments drops duplicate ids (later entries fill gaps in earlier
// ones) and orders the result by name, then id.
func mergeDocuments(in []models.Document) []models.Document {
	byID := make(map[string]int, len(in))
	out := make([]models.Document, 0, len(in))

	for i, d := range in {
		d = normalizeDocument(d)
		key := d.ID
		if key == "" {
			key = fmt.Sprintf("#%d:%s", i, d.Name)
		}
		if idx, ok := byID[key]; ok {
			out[idx] = mergeDocument(out[idx], d)
			continue
		}
		byID[key] = len(out)
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func normalizeDocument(d models.Document) models.Document {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.ContentType = strings.ToLower(strings.TrimSpace(d.ContentType))
	if d.ContentType == "" && d.Name != "" {
		if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(d.Name))); ct != "" {
			d.ContentType, _, _ = strings.Cut(ct, ";")
		}
	}
	if len(d.Metadata) > 0 {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	return d
}

func mergeDocument(a, b models.Document) models.Document {
	if a.Name == "" {
		a.Name = b.Name
	}
	if a.URL == "" {
		a.URL = b.URL
	}
	if a.ContentType == "" {
		a.ContentType = b.ContentType
	}
	if a.Size == 0 {
		a.Size = b.Size
	}
	for k, v := range b.Metadata {
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		if _, ok := a.Metadata[k]; !ok {
			a.Metadata[k] = v
		}
	}
	return a
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}
