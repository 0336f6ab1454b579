package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowgrid-dev/flowgrid/pkg/logging"
)

// RedisStore is a Store backed by Redis. Executions and step attempts
// are stored as JSON values; per-workflow history is a list of
// execution ids, newest first.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// NewRedisStore connects to Redis and returns a store. The connection
// is verified with a ping.
func NewRedisStore(cfg RedisConfig, log *slog.Logger) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, log), nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, log *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "flowgrid:"
	}
	return &RedisStore{client: client, prefix: prefix, log: logging.Component(log, "state")}
}

func (s *RedisStore) execKey(id string) string      { return s.prefix + "exec:" + id }
func (s *RedisStore) stepKey(id string) string      { return s.prefix + "step:" + id }
func (s *RedisStore) stepsKey(execID string) string { return s.prefix + "steps:" + execID }
func (s *RedisStore) histKey(wf string) string {
	if wf == "" {
		wf = "_all"
	}
	return s.prefix + "history:" + wf
}

func (s *RedisStore) CreateExecution(ctx context.Context, workflowName string, input map[string]any) (string, error) {
	id := uuid.New().String()
	e := &Execution{
		ID:           id,
		WorkflowName: workflowName,
		Status:       StatusPending,
		StartedAt:    time.Now().UTC(),
		Input:        input,
	}
	if err := s.saveExecution(ctx, e); err != nil {
		return "", err
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.histKey(workflowName), id)
	pipe.LPush(ctx, s.histKey(""), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("record history: %w", err)
	}
	return id, nil
}

func (s *RedisStore) saveExecution(ctx context.Context, e *Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.execKey(e.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateExecution(ctx context.Context, id string, status ExecutionStatus, result map[string]any, errMsg string) error {
	e, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
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
		e.CompletedAt = &now
	}
	return s.saveExecution(ctx, e)
}

func (s *RedisStore) AddStepExecution(ctx context.Context, executionID, stepName string, stepIndex, attempt int, status ExecutionStatus) (string, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return "", err
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
	if err := s.saveStep(ctx, rec); err != nil {
		return "", err
	}
	if err := s.client.RPush(ctx, s.stepsKey(executionID), id).Err(); err != nil {
		return "", fmt.Errorf("record step order: %w", err)
	}
	return id, nil
}

func (s *RedisStore) saveStep(ctx context.Context, rec *StepExecution) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.stepKey(rec.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("save step execution: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateStepExecution(ctx context.Context, stepID string, status ExecutionStatus, result map[string]any, errMsg string) error {
	b, err := s.client.Get(ctx, s.stepKey(stepID)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%w: %q", ErrStepNotFound, stepID)
	}
	if err != nil {
		return fmt.Errorf("load step execution: %w", err)
	}

	var rec StepExecution
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
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
	return s.saveStep(ctx, &rec)
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	b, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %q", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution: %w", err)
	}

	var e Execution
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) GetStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	ids, err := s.client.LRange(ctx, s.stepsKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load step order: %w", err)
	}

	out := make([]*StepExecution, 0, len(ids))
	for _, id := range ids {
		b, err := s.client.Get(ctx, s.stepKey(id)).Bytes()
		if err != nil {
			return nil, fmt.Errorf("load step execution %q: %w", id, err)
		}
		var rec StepExecution
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *RedisStore) GetHistory(ctx context.Context, workflowName string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.LRange(ctx, s.histKey(workflowName), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) GetStatistics(ctx context.Context, workflowName string) (*Statistics, error) {
	ids, err := s.client.LRange(ctx, s.histKey(workflowName), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	execs := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetExecution(ctx, id)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return computeStatistics(workflowName, execs), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
