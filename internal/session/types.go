package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casefill/orchestrator/internal/models"
)

var (
	// ErrSessionNotFound is returned for unknown and expired sessions
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidArgument is returned when a required argument is empty
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrConcurrentUpdate is returned when another writer changed the session first
	ErrConcurrentUpdate = errors.New("concurrent session update")

	// ErrInvalidMutation is returned when an update breaks a session invariant
	ErrInvalidMutation = errors.New("invalid session mutation")
)

// Metadata flags recorded per pipeline stage
const (
	FlagPreprocessingDone = "preprocessing_done"
	FlagPromptBuilt       = "prompt_built"
	FlagAgentCallIssued   = "agent_call_issued"
)

// Conversation roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session is the conversational state of one case
type Session struct {
	ID        string    `json:"session_id"`
	RecordID  string    `json:"record_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Context   Context   `json:"context"`
	Version   int64     `json:"version"`
}

// Context is the payload carried between requests
type Context struct {
	SalesforceData      *models.RecordData `json:"salesforce_data,omitempty"`
	ConversationHistory []Message          `json:"conversation_history"`
	ExtractedFields     map[string]any     `json:"extracted_fields"`
	Metadata            map[string]bool    `json:"metadata"`
}

// Message is one conversation history entry. A pending entry marks an
// agent call that has been dispatched but not answered yet.
type Message struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	Pending   bool      `json:"pending,omitempty"`
}

func (m Message) equal(o Message) bool {
	return m.Role == o.Role &&
		m.Message == o.Message &&
		m.TaskID == o.TaskID &&
		m.Pending == o.Pending &&
		m.Timestamp.Equal(o.Timestamp)
}

// IsExpiredAt reports whether the session lifetime has passed at now
func (s *Session) IsExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Flag returns a metadata stage flag
func (s *Session) Flag(name string) bool {
	return s.Context.Metadata[name]
}

// SetFlag sets a metadata stage flag
func (s *Session) SetFlag(name string, v bool) {
	if s.Context.Metadata == nil {
		s.Context.Metadata = make(map[string]bool)
	}
	s.Context.Metadata[name] = v
}

// AppendMessage adds an entry to the conversation history
func (s *Session) AppendMessage(m Message) {
	s.Context.ConversationHistory = append(s.Context.ConversationHistory, m)
}

// MergeExtracted copies values into the accumulated extracted fields
func (s *Session) MergeExtracted(values map[string]any) {
	if len(values) == 0 {
		return
	}
	if s.Context.ExtractedFields == nil {
		s.Context.ExtractedFields = make(map[string]any, len(values))
	}
	for k, v := range values {
		s.Context.ExtractedFields[k] = v
	}
}

// RecentHistory returns the last n history entries
func (s *Session) RecentHistory(n int) []Message {
	h := s.Context.ConversationHistory
	if n <= 0 || len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}

// Clone returns a deep copy so mutators never touch stored state
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Context) normalize() {
	if c.ConversationHistory == nil {
		c.ConversationHistory = []Message{}
	}
	if c.ExtractedFields == nil {
		c.ExtractedFields = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]bool{}
	}
}

// checkMutation enforces the invariants an update must keep: identity and
// lifetime are immutable and history only grows at the tail.
func checkMutation(before, after *Session) error {
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("%w: session_id is immutable", ErrInvalidMutation)
	case after.RecordID != before.RecordID:
		return fmt.Errorf("%w: record_id is immutable", ErrInvalidMutation)
	case !after.CreatedAt.Equal(before.CreatedAt) || !after.ExpiresAt.Equal(before.ExpiresAt):
		return fmt.Errorf("%w: session lifetime is immutable", ErrInvalidMutation)
	}

	prev, next := before.Context.ConversationHistory, after.Context.ConversationHistory
	if len(next) < len(prev) {
		return fmt.Errorf("%w: conversation history is append-only", ErrInvalidMutation)
	}
	for i := range prev {
		if !prev[i].equal(next[i]) {
			return fmt.Errorf("%w: conversation history is append-only", ErrInvalidMutation)
		}
	}
	return nil
}
