package formatting

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/pipeline"
	"github.com/casefill/orchestrator/internal/prompts"
	"github.com/casefill/orchestrator/internal/session"
)

func testSession() *session.Session {
	return &session.Session{
		ID:       "sess-1",
		RecordID: "REC-1",
		Context: session.Context{
			ExtractedFields: map[string]any{"Status": "Open"},
		},
	}
}

func testPrepared() *pipeline.Prepared {
	return &pipeline.Prepared{
		RecordID:   "REC-1",
		RecordType: "Claim",
		Documents:  []models.Document{{ID: "d1", Name: "invoice.pdf"}},
		Fields:     []models.FormField{{Label: "Amount", Type: "number"}},
		Summary:    pipeline.Summary{Documents: 1, Fields: 1, MissingValues: 1},
	}
}

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := &prompts.Prompt{
		Template:       "continuation",
		Kind:           prompts.KindContinuation,
		System:         "system",
		Body:           "body",
		Message:        "what is the invoice amount?",
		History:        []models.HistoryEntry{{Role: "user", Message: "hi", Timestamp: ts}},
		DroppedHistory: 2,
	}

	env, err := Format(testSession(), p, testPrepared())
	require.NoError(t, err)

	assert.Equal(t, "sess-1", env.SessionID)
	assert.Equal(t, "REC-1", env.RecordID)
	assert.Equal(t, "what is the invoice amount?", env.Message)
	assert.Equal(t, "system\n\nbody", env.Instructions)
	assert.Len(t, env.Documents, 1)
	assert.Len(t, env.Fields, 1)
	assert.Len(t, env.ConversationHistory, 1)
	assert.Equal(t, "continuation", env.Metadata[MetaFlow])
	assert.Equal(t, 2, env.Metadata[MetaDroppedHistory])
	assert.Equal(t, "Claim", env.Metadata[MetaRecordType])
	assert.Equal(t, map[string]any{"Status": "Open"}, env.Metadata[MetaExtracted])
}

func TestFormatEmptyCollectionsEncodeAsArrays(t *testing.T) {
	prep := &pipeline.Prepared{RecordID: "REC-1"}
	env, err := Format(testSession(), &prompts.Prompt{Message: "go", Body: "b"}, prep)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"documents":[]`)
	assert.Contains(t, string(raw), `"fields":[]`)
	assert.Contains(t, string(raw), `"conversation_history":[]`)
}

func TestFormatRejectsInvalidInput(t *testing.T) {
	p := &prompts.Prompt{Message: "go"}
	tests := []struct {
		name string
		s    *session.Session
		p    *prompts.Prompt
		prep *pipeline.Prepared
	}{
		{"nil session", nil, p, testPrepared()},
		{"nil prompt", testSession(), nil, testPrepared()},
		{"nil prepared", testSession(), p, nil},
		{"empty message", testSession(), &prompts.Prompt{Message: " "}, testPrepared()},
		{"record mismatch", testSession(), p, &pipeline.Prepared{RecordID: "REC-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Format(tt.s, tt.p, tt.prep)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestHistorySkipsPendingMarkers(t *testing.T) {
	msgs := []session.Message{
		{Role: session.RoleUser, Message: "fill missing fields"},
		{Role: session.RoleAssistant, Message: "dispatched", TaskID: "t1", Pending: true},
		{Role: session.RoleAssistant, Message: "Amount: 10"},
	}
	h := History(msgs)
	require.Len(t, h, 2)
	assert.Equal(t, "user", h[0].Role)
	assert.Equal(t, "Amount: 10", h[1].Message)
}
