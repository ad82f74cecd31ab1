package models

import "time"

// Normalized field types understood by the extraction agent
const (
	FieldTypeText     = "text"
	FieldTypePicklist = "picklist"
	FieldTypeRadio    = "radio"
	FieldTypeNumber   = "number"
	FieldTypeTextarea = "textarea"
)

// RecordData is the CRM snapshot returned by get-record-data
type RecordData struct {
	RecordID   string      `json:"record_id"`
	RecordType string      `json:"record_type"`
	Documents  []Document  `json:"documents"`
	Fields     []FormField `json:"fields"`
}

// Document describes one attachment on the CRM record
type Document struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FormField is a form field definition as returned by the CRM
type FormField struct {
	Label          string   `json:"label"`
	APIName        string   `json:"apiName,omitempty"`
	Type           string   `json:"type,omitempty"`
	Required       bool     `json:"required,omitempty"`
	PossibleValues []string `json:"possibleValues,omitempty"`
	DefaultValue   any      `json:"defaultValue,omitempty"`
}

// HistoryEntry is one conversation message forwarded to the agent
type HistoryEntry struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope is the request payload sent to the extraction agent
type Envelope struct {
	SessionID           string         `json:"session_id"`
	RecordID            string         `json:"record_id"`
	Message             string         `json:"message"`
	Instructions        string         `json:"instructions"`
	Documents           []Document     `json:"documents"`
	Fields              []FormField    `json:"fields"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// ExtractionResult is the agent's answer
type ExtractionResult struct {
	ExtractedData    map[string]any     `json:"extracted_data"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
}
