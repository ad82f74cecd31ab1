package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/casefill/orchestrator/internal/models"
)

const extractPath = "/extract"

// AgentClient sends envelopes to the document-extraction agent
type AgentClient struct {
	caller  *Caller
	timeout time.Duration
}

// NewAgentClient creates an agent client. Extraction over many documents
// is slow, so the default per-attempt timeout is long.
func NewAgentClient(caller *Caller, timeout time.Duration) *AgentClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &AgentClient{caller: caller, timeout: timeout}
}

// Extract submits env and returns the extracted values
func (c *AgentClient) Extract(ctx context.Context, env *models.Envelope) (*models.ExtractionResult, error) {
	if env == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	body, err := c.caller.Call(ctx, http.MethodPost, extractPath, env, c.timeout)
	if err != nil {
		return nil, err
	}

	var res models.ExtractionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode extraction result: %w", err)
	}
	if res.ExtractedData == nil {
		res.ExtractedData = map[string]any{}
	}
	if res.ConfidenceScores == nil {
		res.ConfidenceScores = map[string]float64{}
	}
	for k, v := range res.ConfidenceScores {
		res.ConfidenceScores[k] = clamp01(v)
	}
	return &res, nil
}

// BreakerOpen reports whether agent calls are currently short-circuited
func (c *AgentClient) BreakerOpen() bool { return c.caller.BreakerOpen() }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
