// Package state records workflow executions and step executions, and
// derives aggregate statistics from them. Three backends are provided:
// in-memory, SQLite, and Redis.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStepNotFound is returned when a step execution id is unknown.
	ErrStepNotFound = errors.New("step execution not found")
)

// ExecutionStatus is the lifecycle status of a workflow execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is one run of a workflow.
type Execution struct {
	ID           string          `json:"execution_id"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Duration returns the wall time of a terminal execution, zero otherwise.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// StepExecution is one attempt of one step within an execution.
// Retries produce one record per attempt.
type StepExecution struct {
	ID          string          `json:"step_execution_id"`
	ExecutionID string          `json:"execution_id"`
	StepName    string          `json:"step_name"`
	StepIndex   int             `json:"step_index"`
	Attempt     int             `json:"attempt"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Statistics are aggregates over a workflow's execution history.
type Statistics struct {
	WorkflowName       string     `json:"workflow_name,omitempty"`
	TotalExecutions    int        `json:"total_executions"`
	Successful         int        `json:"successful"`
	Failed             int        `json:"failed"`
	SuccessRate        float64    `json:"success_rate"`
	AvgDurationSeconds float64    `json:"avg_duration_seconds"`
	LastExecution      *time.Time `json:"last_execution,omitempty"`
}

// Store persists executions and steps. Implementations must treat
// UpdateExecution on an already-terminal execution as a benign no-op.
type Store interface {
	// CreateExecution records a new execution and returns its id.
	CreateExecution(ctx context.Context, workflowName string, input map[string]any) (string, error)

	// UpdateExecution transitions an execution's status and records
	// its result or error. Terminal transitions stamp CompletedAt.
	UpdateExecution(ctx context.Context, id string, status ExecutionStatus, result map[string]any, errMsg string) error

	// AddStepExecution records one step attempt and returns its id.
	// The referenced execution must exist.
	AddStepExecution(ctx context.Context, executionID, stepName string, stepIndex, attempt int, status ExecutionStatus) (string, error)

	// UpdateStepExecution transitions a step attempt to its outcome.
	UpdateStepExecution(ctx context.Context, stepID string, status ExecutionStatus, result map[string]any, errMsg string) error

	// GetExecution returns an execution by id.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// GetStepExecutions returns an execution's step records in
	// creation order.
	GetStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	// GetHistory returns up to limit executions for a workflow,
	// most recent first. An empty workflow name matches all.
	GetHistory(ctx context.Context, workflowName string, limit int) ([]*Execution, error)

	// GetStatistics aggregates over a workflow's history. An empty
	// workflow name aggregates over everything.
	GetStatistics(ctx context.Context, workflowName string) (*Statistics, error)

	// Close releases backend resources.
	Close() error
}

// computeStatistics derives aggregates from a set of executions.
// Average duration considers terminal executions only; an empty input
// yields zeroes rather than a division fault.
func computeStatistics(workflowName string, execs []*Execution) *Statistics {
	stats := &Statistics{WorkflowName: workflowName}
	var durationSum float64
	var terminal int

	for _, e := range execs {
		stats.TotalExecutions++
		switch e.Status {
		case StatusCompleted:
			stats.Successful++
		case StatusFailed:
			stats.Failed++
		}
		if e.Status.Terminal() && e.CompletedAt != nil {
			durationSum += e.Duration().Seconds()
			terminal++
		}
		if stats.LastExecution == nil || e.StartedAt.After(*stats.LastExecution) {
			t := e.StartedAt
			stats.LastExecution = &t
		}
	}

	if stats.TotalExecutions > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalExecutions) * 100
	}
	if terminal > 0 {
		stats.AvgDurationSeconds = durationSum / float64(terminal)
	}
	return stats
}
