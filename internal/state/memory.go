package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid-dev/flowgrid/pkg/logging"
)

// MemoryStore is an in-memory Store. It is the default backend and the
// reference implementation for the Store contract.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
	steps map[string][]*StepExecution // execution id -> attempts in creation order
	byID  map[string]*StepExecution   // step execution id -> record
	order []string                    // execution ids in creation order
	log   *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]*Execution),
		steps: make(map[string][]*StepExecution),
		byID:  make(map[string]*StepExecution),
		log:   logging.Component(log, "state"),
	}
}

func (s *MemoryStore) CreateExecution(_ context.Context, workflowName string, input map[string]any) (string, error) {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[id] = &Execution{
		ID:           id,
		WorkflowName: workflowName,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
		Input:        input,
	}
	s.order = append(s.order, id)
	return id, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, status ExecutionStatus, result map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	if e.Status.Terminal() {
		s.log.Warn("ignoring update to terminal execution", "execution_id", id, "status", e.Status)
		return nil
	}

	e.Status = status
	if result != nil {
		e.Result = result
	}
	if errMsg != "" {
		e.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		if now.Before(e.StartedAt) {
			now = e.StartedAt
		}
		e.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) AddStepExecution(_ context.Context, executionID, stepName string, stepIndex, attempt int, status ExecutionStatus) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[executionID]; !ok {
		return "", fmt.Errorf("%w: %q", ErrExecutionNotFound, executionID)
	}

	id := uuid.New().String()
	rec := &StepExecution{
		ID:          id,
		ExecutionID: executionID,
		StepName:    stepName,
		StepIndex:   stepIndex,
		Attempt:     attempt,
		Status:      status,
		StartedAt:   time.Now().UTC(),
	}
	s.steps[executionID] = append(s.steps[executionID], rec)
	s.byID[id] = rec
	return id, nil
}

func (s *MemoryStore) UpdateStepExecution(_ context.Context, stepID string, status ExecutionStatus, result map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[stepID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrStepNotFound, stepID)
	}

	rec.Status = status
	if result != nil {
		rec.Result = result
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	if status.Terminal() {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetStepExecutions(_ context.Context, executionID string) ([]*StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.steps[executionID]
	out := make([]*StepExecution, len(steps))
	for i, rec := range steps {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, workflowName string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.execs[s.order[i]]
		if workflowName != "" && e.WorkflowName != workflowName {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetStatistics(_ context.Context, workflowName string) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []*Execution
	for _, id := range s.order {
		e := s.execs[id]
		if workflowName == "" || e.WorkflowName == workflowName {
			execs = append(execs, e)
		}
	}
	return computeStatistics(workflowName, execs), nil
}

func (s *MemoryStore) Close() error { return nil }
