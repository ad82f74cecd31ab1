package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/casefill/orchestrator/internal/db"
	"github.com/casefill/orchestrator/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLManager(t *testing.T, ttl time.Duration) (*Manager, *fakeClock, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	client, err := db.NewClient(db.Config{Driver: "sqlite3", Path: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	mgr := NewManager(NewSQLBackend(client.Wrapper()), ttl, zaptest.NewLogger(t), WithClock(clock.Now))
	return mgr, clock, path
}

func snapshot() Context {
	return Context{
		SalesforceData: &models.RecordData{
			RecordID:   "REC-1",
			RecordType: "Claim",
			Documents:  []models.Document{{ID: "d1", Name: "invoice.pdf"}},
			Fields:     []models.FormField{{Label: "Invoice Amount", Type: "currency"}},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, "REC-1", s.RecordID)
	assert.Equal(t, clock.Now(), s.CreatedAt)
	assert.Equal(t, clock.Now().Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, int64(1), s.Version)
	require.NotNil(t, s.Context.SalesforceData)
	assert.Equal(t, "Claim", s.Context.SalesforceData.RecordType)
	assert.Empty(t, s.Context.ConversationHistory)
	assert.NotNil(t, s.Context.ExtractedFields)
}

func TestCreateRejectsEmptyRecordID(t *testing.T) {
	mgr, _, _ := newSQLManager(t, time.Hour)
	_, err := mgr.Create(context.Background(), "  ", Context{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGetUnknownSession(t *testing.T) {
	mgr, _, _ := newSQLManager(t, time.Hour)
	_, err := mgr.Get(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredSessionIsNotFound(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()

	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = mgr.Get(ctx, id)
	require.NoError(t, err)

	// Access does not extend the lifetime.
	clock.Advance(2 * time.Minute)
	_, err = mgr.Get(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = mgr.Update(ctx, id, func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := mgr.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdatePersistsAndBumpsVersion(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	err = mgr.Update(ctx, id, func(s *Session) error {
		s.AppendMessage(Message{Role: RoleUser, Message: "fill missing fields", Timestamp: clock.Now()})
		s.SetFlag(FlagPromptBuilt, true)
		s.MergeExtracted(map[string]any{"Invoice Amount": "120.50"})
		return nil
	})
	require.NoError(t, err)

	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, clock.Now(), s.UpdatedAt)
	require.Len(t, s.Context.ConversationHistory, 1)
	assert.Equal(t, "fill missing fields", s.Context.ConversationHistory[0].Message)
	assert.True(t, s.Flag(FlagPromptBuilt))
	assert.False(t, s.Flag(FlagAgentCallIssued))
	assert.Equal(t, "120.50", s.Context.ExtractedFields["Invoice Amount"])
}

func TestUpdateMutatorErrorLeavesSessionUntouched(t *testing.T) {
	mgr, _, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	boom := fmt.Errorf("boom")
	err = mgr.Update(ctx, id, func(s *Session) error {
		s.SetFlag(FlagAgentCallIssued, true)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, s.Flag(FlagAgentCallIssued))
	assert.Equal(t, int64(1), s.Version)
}

func TestUpdateRejectsHistoryRewrite(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)
	require.NoError(t, mgr.Update(ctx, id, func(s *Session) error {
		s.AppendMessage(Message{Role: RoleUser, Message: "first", Timestamp: clock.Now()})
		return nil
	}))

	tests := []struct {
		name   string
		mutate func(*Session)
	}{
		{"truncate", func(s *Session) { s.Context.ConversationHistory = nil }},
		{"rewrite", func(s *Session) { s.Context.ConversationHistory[0].Message = "edited" }},
		{"change id", func(s *Session) { s.ID = "other" }},
		{"extend lifetime", func(s *Session) { s.ExpiresAt = s.ExpiresAt.Add(time.Hour) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.Update(ctx, id, func(s *Session) error { tt.mutate(s); return nil })
			assert.ErrorIs(t, err, ErrInvalidMutation)
		})
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- mgr.Update(ctx, id, func(s *Session) error {
				s.AppendMessage(Message{Role: RoleUser, Message: fmt.Sprintf("m%d", i), Timestamp: clock.Now()})
				return nil
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, s.Context.ConversationHistory, writers)
	assert.Equal(t, int64(writers+1), s.Version)
	assert.Equal(t, 0, mgr.locks.size(), "idle locks are released")
}

func TestSessionsSurviveReopen(t *testing.T) {
	mgr, clock, path := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	client, err := db.NewClient(db.Config{Driver: "sqlite3", Path: path}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer client.Close()
	reopened := NewManager(NewSQLBackend(client.Wrapper()), time.Hour, zaptest.NewLogger(t), WithClock(clock.Now))

	s, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "REC-1", s.RecordID)
}

func TestSQLBackendDetectsStaleVersion(t *testing.T) {
	mgr, _, _ := newSQLManager(t, time.Hour)
	ctx := context.Background()
	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)

	s, err := mgr.Get(ctx, id)
	require.NoError(t, err)
	s.Version = 2
	require.NoError(t, mgr.backend.Save(ctx, s, 1))

	// A second writer still holding version 1 loses.
	s.Version = 2
	assert.ErrorIs(t, mgr.backend.Save(ctx, s, 1), ErrConcurrentUpdate)

	s.ID = "missing"
	assert.ErrorIs(t, mgr.backend.Save(ctx, s, 1), ErrSessionNotFound)
}

func TestStartSweeper(t *testing.T) {
	mgr, clock, _ := newSQLManager(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := mgr.Create(ctx, "REC-1", snapshot())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	mgr.StartSweeper(ctx, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := mgr.backend.Load(ctx, id)
		return err == ErrSessionNotFound
	}, 2*time.Second, 10*time.Millisecond)
}
