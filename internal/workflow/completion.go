package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/casefill/orchestrator/internal/metrics"
	"github.com/casefill/orchestrator/internal/models"
	"github.com/casefill/orchestrator/internal/session"
	"github.com/casefill/orchestrator/internal/tasks"
	"github.com/casefill/orchestrator/internal/tracing"
)

// HandleCompletion is the response_handling step. It runs once per task
// after its terminal write and records the outcome on the session: values
// are merged into extracted_fields and the answer is appended to history.
// Register it with the task queue's OnComplete.
func (o *Orchestrator) HandleCompletion(ctx context.Context, t *tasks.Task) {
	step := StepResponseHandling
	started := o.now()
	ctx, span := tracing.StartStepSpan(ctx, step.String(), t.SessionID)
	defer span.End()

	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in %s: %v", step, p)
			}
		}()
		err = o.recordCompletion(ctx, t)
	}()

	status := StatusCompleted
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		// expired while the agent was working; nothing to update
		status = StatusSkipped
		o.logger.Info("Session gone before task finished",
			zap.String("task_id", t.ID),
			zap.String("session_id", t.SessionID),
		)
	case err != nil:
		status = StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("Failed to record task result on session",
			zap.String("task_id", t.ID),
			zap.String("session_id", t.SessionID),
			zap.Error(err),
		)
	default:
		o.logger.Debug("Task result recorded on session",
			zap.String("task_id", t.ID),
			zap.String("session_id", t.SessionID),
			zap.String("task_status", string(t.Status)),
		)
	}
	metrics.RecordStep(step.String(), string(status), o.now().Sub(started).Seconds())
}

func (o *Orchestrator) recordCompletion(ctx context.Context, t *tasks.Task) error {
	if t.SessionID == "" {
		return nil
	}
	if !t.Status.Terminal() {
		return fmt.Errorf("task %s is not terminal: %s", t.ID, t.Status)
	}
	return o.sessions.Update(ctx, t.SessionID, func(s *session.Session) error {
		now := o.now()
		if t.Status == tasks.StatusCompleted {
			if t.Result != nil {
				s.MergeExtracted(t.Result.ExtractedData)
			}
			s.AppendMessage(session.Message{
				Role:      session.RoleAssistant,
				Message:   Summarize(t.Result),
				Timestamp: now,
				TaskID:    t.ID,
			})
		} else {
			msg := "Extraction failed"
			if t.Error != nil {
				msg = fmt.Sprintf("Extraction failed (%s): %s", t.Error.Code, t.Error.Message)
			}
			s.AppendMessage(session.Message{
				Role:      session.RoleSystem,
				Message:   msg,
				Timestamp: now,
				TaskID:    t.ID,
			})
		}
		s.SetFlag(session.FlagAgentCallIssued, false)
		return nil
	})
}

// Summarize renders an extraction result as a history message, one field
// per line in label order.
func Summarize(res *models.ExtractionResult) string {
	if res == nil || len(res.ExtractedData) == 0 {
		return "No field values were extracted."
	}
	labels := make([]string, 0, len(res.ExtractedData))
	for label := range res.ExtractedData {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var b strings.Builder
	fmt.Fprintf(&b, "Extracted %d field(s):", len(labels))
	for _, label := range labels {
		fmt.Fprintf(&b, "\n- %s: %v", label, res.ExtractedData[label])
		if score, ok := res.ConfidenceScores[label]; ok {
			fmt.Fprintf(&b, " (confidence %.2f)", score)
		}
	}
	return b.String()
}
