// Package workflow routes receive-request calls through the extraction
// pipeline. It decides between the initialization and continuation flows,
// runs each step with timing and tracing, and hands the agent call to the
// task queue.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/apperrors"
	"github.com/casefill/orchestrator/internal/formatting"
	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/pipeline"
	"github.com/casefill/orchestrator/internal/prompts"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
	"github.com/casefill/orchestrator/internal/tracing"
)

// SessionStore is the subset of the session manager the orchestrator uses
type SessionStore interface {
	Create(ctx context.Context, recordID string, c session.Context) (string, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	Update(ctx context.Context, sessionID string, mutator func(*session.Session) error) error
}

// RecordFetcher loads CRM snapshots
type RecordFetcher interface {
	GetRecordData(ctx context.Context, recordID string) (*models.RecordData, error)
}

// Dispatcher persists an agent task under a caller-chosen id
type Dispatcher interface {
	EnqueueWithID(ctx context.Context, id string, env *models.Envelope) (string, error)
}

// PromptBuilder renders prompt templates
type PromptBuilder interface {
	Build(kind prompts.Kind, vars prompts.Vars) (*prompts.Prompt, error)
}

// Config tunes the orchestrator
type Config struct {
	// PromptBudget is the maximum prompt size in characters
	PromptBudget int
	// HistoryLimit caps the history entries offered to the template
	HistoryLimit int
	// MaxRecordIDLength bounds accepted record ids
	MaxRecordIDLength int
	// NewTaskID generates task ids; defaults to a random UUID
	NewTaskID func() string
}

// Request is one receive-request call
type Request struct {
	RecordID    string `json:"record_id"`
	SessionID   string `json:"session_id,omitempty"`
	UserMessage string `json:"user_message"`
}

// Result is returned for every handled request, including failed ones, so
// step diagnostics are never lost.
type Result struct {
	Flow           Flow         `json:"status,omitempty"`
	SessionID      string       `json:"session_id,omitempty"`
	TaskID         string       `json:"task_id,omitempty"`
	NextStep       string       `json:"next_step,omitempty"`
	Steps          []StepRecord `json:"steps"`
	ProcessingTime float64      `json:"processing_time"`
	DroppedHistory int          `json:"dropped_history,omitempty"`
	Truncated      bool         `json:"prompt_truncated,omitempty"`
}

// Orchestrator is the request state machine
type Orchestrator struct {
	sessions SessionStore
	crm      RecordFetcher
	builder  PromptBuilder
	tasks    Dispatcher
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock overrides the time source used for step timing and history
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(sessions SessionStore, crm RecordFetcher, builder PromptBuilder, dispatcher Dispatcher, cfg Config, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PromptBudget <= 0 {
		cfg.PromptBudget = 24000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.MaxRecordIDLength <= 0 {
		cfg.MaxRecordIDLength = 255
	}
	if cfg.NewTaskID == nil {
		cfg.NewTaskID = tasks.NewID
	}
	o := &Orchestrator{
		sessions: sessions,
		crm:      crm,
		builder:  builder,
		tasks:    dispatcher,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run carries the state of one request through the steps
type run struct {
	req      Request
	flow     Flow
	session  *session.Session
	record   *models.RecordData
	prepared *pipeline.Prepared
	prompt   *prompts.Prompt
	envelope *models.Envelope
	taskID   string
	steps    []StepRecord
}

func (r *run) sessionID() string {
	if r.session != nil {
		return r.session.ID
	}
	return ""
}

func (r *run) stepRecord(s Step) *StepRecord { return &r.steps[s.Order()-1] }

// Handle runs one request to the point where the agent call is queued. It
// never waits for the agent; callers poll the returned task id.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (*Result, error) {
	start := o.now()
	r := &run{req: req, steps: newStepRecords()}

	err := o.handle(ctx, r)

	res := &Result{
		Flow:           r.flow,
		SessionID:      r.sessionID(),
		TaskID:         r.taskID,
		Steps:          r.steps,
		ProcessingTime: o.now().Sub(start).Seconds(),
	}
	if r.flow != "" {
		res.NextStep = r.flow.NextStep().String()
	}
	if r.prompt != nil {
		res.DroppedHistory = r.prompt.DroppedHistory
		res.Truncated = r.prompt.Truncated
	}

	flowLabel := string(r.flow)
	if flowLabel == "" {
		flowLabel = "rejected"
	}
	if err != nil {
		ae := apperrors.From(err)
		if id := r.sessionID(); id != "" {
			ae = ae.WithDetail("session_id", id)
		}
		metrics.RecordRequest(flowLabel, string(ae.Code), res.ProcessingTime)
		o.logger.Warn("Request failed",
			zap.String("record_id", req.RecordID),
			zap.String("session_id", res.SessionID),
			zap.String("flow", flowLabel),
			zap.String("code", string(ae.Code)),
			zap.Error(ae.Err),
		)
		return res, ae
	}

	metrics.RecordRequest(flowLabel, "success", res.ProcessingTime)
	o.logger.Info("Request dispatched",
		zap.String("record_id", req.RecordID),
		zap.String("session_id", res.SessionID),
		zap.String("task_id", res.TaskID),
		zap.String("flow", flowLabel),
		zap.Float64("processing_time", res.ProcessingTime),
	)
	return res, nil
}

func (o *Orchestrator) handle(ctx context.Context, r *run) error {
	if err := o.runStep(ctx, r, StepValidationRouting); err != nil {
		return err
	}
	metrics.RequestsReceived.WithLabelValues(string(r.flow)).Inc()

	for _, step := range AllSteps[1:] {
		if step == StepResponseHandling {
			// runs when the task finishes, see HandleCompletion
			break
		}
		if o.skip(r, step) {
			rec := r.stepRecord(step)
			rec.Status = StatusSkipped
			metrics.StepsSkipped.WithLabelValues(step.String()).Inc()
			continue
		}
		if err := o.runStep(ctx, r, step); err != nil {
			return err
		}
	}
	return nil
}

// skip reports steps a continuation does not repeat. A session whose
// preprocessing never finished is preprocessed again.
func (o *Orchestrator) skip(r *run, step Step) bool {
	if r.flow != FlowContinuation {
		return false
	}
	switch step {
	case StepFetchData:
		return true
	case StepPreprocessing:
		return r.session.Flag(session.FlagPreprocessingDone)
	}
	return false
}

// runStep executes one step with timing, tracing, metrics and panic
// recovery, and records the outcome on the step record.
func (o *Orchestrator) runStep(ctx context.Context, r *run, step Step) (err error) {
	rec := r.stepRecord(step)
	started := o.now()
	rec.StartedAt = &started
	rec.Status = StatusInProgress

	ctx, span := tracing.StartStepSpan(ctx, step.String(), r.sessionID())
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("Step panicked",
				zap.String("step", step.String()),
				zap.String("session_id", r.sessionID()),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			err = apperrors.Wrap(apperrors.CodeWorkflowError, "Internal workflow error", fmt.Errorf("panic in %s: %v", step, p))
		}

		completed := o.now()
		rec.CompletedAt = &completed
		rec.ProcessingTime = completed.Sub(started).Seconds()
		status := StatusCompleted
		if err != nil {
			status = StatusFailed
			ae := apperrors.From(err).WithDetail("step", step.String())
			err = ae
			rec.Error = ae.Message
			rec.ErrorDetails = map[string]any{"code": string(ae.Code)}
			for k, v := range ae.Details {
				rec.ErrorDetails[k] = v
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, string(ae.Code))
		}
		rec.Status = status
		metrics.RecordStep(step.String(), string(status), rec.ProcessingTime)
	}()

	return o.execute(ctx, r, step)
}

func (o *Orchestrator) execute(ctx context.Context, r *run, step Step) error {
	switch step {
	case StepValidationRouting:
		return o.validateAndRoute(ctx, r)
	case StepFetchData:
		return o.fetchData(ctx, r)
	case StepPreprocessing:
		return o.preprocess(ctx, r)
	case StepPromptBuilding:
		return o.buildPrompt(ctx, r)
	case StepPromptOptimization:
		return o.optimizePrompt(r)
	case StepMessageFormatting:
		return o.formatMessage(r)
	case StepDispatch:
		return o.dispatch(ctx, r)
	case StepResponseHandling:
		return fmt.Errorf("%s runs on task completion", step)
	}
	return fmt.Errorf("unknown step %d", int(step))
}

func (o *Orchestrator) validateAndRoute(ctx context.Context, r *run) error {
	recordID := strings.TrimSpace(r.req.RecordID)
	switch {
	case recordID == "":
		return apperrors.New(apperrors.CodeInvalidRecordID, "record_id is required")
	case len(recordID) > o.cfg.MaxRecordIDLength:
		return apperrors.New(apperrors.CodeInvalidRecordID, fmt.Sprintf("record_id exceeds %d characters", o.cfg.MaxRecordIDLength))
	case strings.IndexFunc(recordID, unicode.IsControl) >= 0:
		return apperrors.New(apperrors.CodeInvalidRecordID, "record_id contains control characters")
	}
	if strings.TrimSpace(r.req.UserMessage) == "" {
		return apperrors.New(apperrors.CodeInvalidUserMessage, "user_message is required")
	}
	r.req.RecordID = recordID
	r.req.SessionID = strings.TrimSpace(r.req.SessionID)

	if r.req.SessionID == "" {
		r.flow = FlowInitialization
		return nil
	}

	s, err := o.sessions.Get(ctx, r.req.SessionID)
	if err != nil {
		return err
	}
	if s.RecordID != recordID {
		return apperrors.New(apperrors.CodeInvalidRecordID, "record_id does not match the session").
			WithDetail("session_record_id", s.RecordID)
	}
	r.session = s
	r.flow = FlowContinuation
	return nil
}

// fetchData loads the CRM snapshot and creates the session. A CRM failure
// leaves no session behind.
func (o *Orchestrator) fetchData(ctx context.Context, r *run) error {
	rd, err := o.crm.GetRecordData(ctx, r.req.RecordID)
	if err != nil {
		return err
	}
	id, err := o.sessions.Create(ctx, r.req.RecordID, session.Context{SalesforceData: rd})
	if err != nil {
		return err
	}
	s, err := o.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	r.session = s
	r.record = rd
	return nil
}

func (o *Orchestrator) preprocess(ctx context.Context, r *run) error {
	rd := r.record
	if rd == nil {
		rd = r.session.Context.SalesforceData
	}
	prepared, err := pipeline.Preprocess(rd)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWorkflowError, "Record data could not be preprocessed", err)
	}
	r.prepared = prepared

	return o.updateSession(ctx, r, func(s *session.Session) {
		s.Context.SalesforceData = prepared.Snapshot()
		s.SetFlag(session.FlagPreprocessingDone, true)
	})
}

func (o *Orchestrator) buildPrompt(ctx context.Context, r *run) error {
	if r.prepared == nil {
		prepared, err := pipeline.FromSnapshot(r.session.Context.SalesforceData)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeWorkflowError, "Session has no record data", err)
		}
		r.prepared = prepared
	}

	kind := prompts.KindInitialization
	if r.flow == FlowContinuation {
		kind = prompts.KindContinuation
	}
	history := formatting.History(r.session.RecentHistory(o.cfg.HistoryLimit))

	p, err := o.builder.Build(kind, prompts.Vars{
		prompts.VarRecordID:        r.session.RecordID,
		prompts.VarRecordType:      r.prepared.RecordType,
		prompts.VarUserMessage:     r.req.UserMessage,
		prompts.VarDocuments:       r.prepared.Documents,
		prompts.VarFields:          r.prepared.Fields,
		prompts.VarHistory:         history,
		prompts.VarExtractedFields: r.session.Context.ExtractedFields,
		prompts.VarSummary:         r.prepared.Summary,
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeWorkflowError, "Prompt could not be built", err)
	}
	r.prompt = p

	return o.updateSession(ctx, r, func(s *session.Session) {
		s.SetFlag(session.FlagPromptBuilt, true)
	})
}

func (o *Orchestrator) optimizePrompt(r *run) error {
	p, err := prompts.Optimize(r.prompt, o.cfg.PromptBudget)
	if err != nil {
		return err
	}
	if p.DroppedHistory > 0 || p.Truncated {
		o.logger.Info("Prompt reduced to fit budget",
			zap.String("session_id", r.sessionID()),
			zap.Int("dropped_history", p.DroppedHistory),
			zap.Bool("truncated", p.Truncated),
			zap.Int("size", p.Size()),
		)
	}
	r.prompt = p
	return nil
}

func (o *Orchestrator) formatMessage(r *run) error {
	env, err := formatting.Format(r.session, r.prompt, r.prepared)
	if err != nil {
		return err
	}
	r.envelope = env
	return nil
}

// dispatchTimeout bounds the marker write, the enqueue and the compensation
// once they are detached from the request.
const dispatchTimeout = 30 * time.Second

// dispatch records the user message and a pending marker, then queues the
// agent call. The marker is written first so a fast completion always
// lands after it in the history. The three writes ignore request
// cancellation: a client that goes away must not leave a marker for a task
// that was never queued.
func (o *Orchestrator) dispatch(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	taskID := o.cfg.NewTaskID()
	now := o.now()
	err := o.updateSession(ctx, r, func(s *session.Session) {
		s.AppendMessage(session.Message{Role: session.RoleUser, Message: r.req.UserMessage, Timestamp: now})
		s.AppendMessage(session.Message{
			Role:      session.RoleAssistant,
			Message:   "Extraction in progress",
			Timestamp: now,
			TaskID:    taskID,
			Pending:   true,
		})
		s.SetFlag(session.FlagAgentCallIssued, true)
	})
	if err != nil {
		return err
	}

	if _, err := o.tasks.EnqueueWithID(ctx, taskID, r.envelope); err != nil {
		ae := apperrors.Wrap(apperrors.CodeServiceUnavailable, "Extraction task could not be queued", err)
		note := fmt.Sprintf("Extraction could not be started (%s)", ae.Code)
		if uerr := o.updateSession(ctx, r, func(s *session.Session) {
			s.AppendMessage(session.Message{Role: session.RoleSystem, Message: note, Timestamp: o.now(), TaskID: taskID})
			s.SetFlag(session.FlagAgentCallIssued, false)
		}); uerr != nil {
			o.logger.Error("Failed to record dispatch failure on session",
				zap.String("session_id", r.sessionID()),
				zap.Error(uerr),
			)
		}
		return ae
	}
	r.taskID = taskID
	return nil
}

// updateSession applies fn atomically and keeps the run's copy current
func (o *Orchestrator) updateSession(ctx context.Context, r *run, fn func(*session.Session)) error {
	var updated *session.Session
	err := o.sessions.Update(ctx, r.session.ID, func(s *session.Session) error {
		fn(s)
		updated = s
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidMutation) {
			return apperrors.Wrap(apperrors.CodeWorkflowError, "Internal workflow error", err)
		}
		return err
	}
	r.session = updated
	return nil
}
