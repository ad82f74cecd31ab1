package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/casefill/orchestrator/internal/models"
)

const recordDataPath = "/get-record-data"

// CRMClient fetches case snapshots from the upstream CRM
type CRMClient struct {
	caller  *Caller
	timeout time.Duration
}

// NewCRMClient creates a CRM client; timeout bounds each attempt
func NewCRMClient(caller *Caller, timeout time.Duration) *CRMClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CRMClient{caller: caller, timeout: timeout}
}

// GetRecordData returns the documents and form fields of a record
func (c *CRMClient) GetRecordData(ctx context.Context, recordID string) (*models.RecordData, error) {
	body, err := c.caller.Call(ctx, http.MethodPost, recordDataPath, map[string]string{"record_id": recordID}, c.timeout)
	if err != nil {
		return nil, err
	}

	var rd models.RecordData
	if err := json.Unmarshal(body, &rd); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	// The session is keyed by the requested id, whatever form the CRM echoes
	rd.RecordID = recordID
	return &rd, nil
}

// BreakerOpen reports whether CRM calls are currently short-circuited
func (c *CRMClient) BreakerOpen() bool { return c.caller.BreakerOpen() }
