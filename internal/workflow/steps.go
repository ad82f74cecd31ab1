package workflow

import (
	"fmt"
	"time"
)

// Step is one unit of orchestrated work. The set is closed: every switch
// over Step lists all of them.
type Step int

const (
	StepValidationRouting Step = iota + 1
	StepFetchData
	StepPreprocessing
	StepPromptBuilding
	StepPromptOptimization
	StepMessageFormatting
	StepDispatch
	StepResponseHandling
)

// AllSteps in execution order; a step's order is its position here
var AllSteps = []Step{
	StepValidationRouting,
	StepFetchData,
	StepPreprocessing,
	StepPromptBuilding,
	StepPromptOptimization,
	StepMessageFormatting,
	StepDispatch,
	StepResponseHandling,
}

func (s Step) String() string {
	switch s {
	case StepValidationRouting:
		return "validation_routing"
	case StepFetchData:
		return "fetch_data"
	case StepPreprocessing:
		return "preprocessing"
	case StepPromptBuilding:
		return "prompt_building"
	case StepPromptOptimization:
		return "prompt_optimization"
	case StepMessageFormatting:
		return "message_formatting"
	case StepDispatch:
		return "dispatch"
	case StepResponseHandling:
		return "response_handling"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Order is the 1-based position of the step
func (s Step) Order() int { return int(s) }

// StepStatus is the outcome of a step
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
	StatusSkipped    StepStatus = "skipped"
)

// StepRecord is the diagnostic record of one step in one request
type StepRecord struct {
	Name           string         `json:"step_name"`
	Order          int            `json:"step_order"`
	Status         StepStatus     `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ProcessingTime float64        `json:"processing_time"`
	Error          string         `json:"error,omitempty"`
	ErrorDetails   map[string]any `json:"error_details,omitempty"`
}

func newStepRecords() []StepRecord {
	out := make([]StepRecord, len(AllSteps))
	for i, s := range AllSteps {
		out[i] = StepRecord{Name: s.String(), Order: s.Order(), Status: StatusPending}
	}
	return out
}

// Flow tells whether a request started a case or continued one
type Flow string

const (
	FlowInitialization Flow = "initialization"
	FlowContinuation   Flow = "continuation"
)

// NextStep is the first step that does real work after routing
func (f Flow) NextStep() Step {
	if f == FlowContinuation {
		return StepPromptBuilding
	}
	return StepPreprocessing
}
