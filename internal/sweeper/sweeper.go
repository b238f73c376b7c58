// Package sweeper runs periodic maintenance tasks such as purging expired
// cookie records and pruning old sync logs.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errMissingTasks = errors.New("sweeper: at least one task is required")

// Task is one named unit of maintenance. Run reports how many rows it affected.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Result is the outcome of one task run.
type Result struct {
	Name     string
	Affected int64
	Err      error
}

// Config wires the sweeper.
type Config struct {
	Interval time.Duration
	Tasks    []Task
	Logger   *zap.Logger
}

// Sweeper runs its tasks sequentially on a fixed interval.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   *zap.Logger
}

// New validates the configuration.
func New(cfg Config) (*Sweeper, error) {
	if len(cfg.Tasks) == 0 {
		return nil, errMissingTasks
	}
	for _, task := range cfg.Tasks {
		if task.Run == nil {
			return nil, errors.New("sweeper: task " + task.Name + " has no run function")
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		interval: cfg.Interval,
		tasks:    append([]Task(nil), cfg.Tasks...),
		logger:   logger,
	}, nil
}

// RunOnce executes every task in order. A failing task does not stop the rest.
func (s *Sweeper) RunOnce(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.tasks))
	for _, task := range s.tasks {
		if ctx.Err() != nil {
			results = append(results, Result{Name: task.Name, Err: ctx.Err()})
			continue
		}
		affected, err := task.Run(ctx)
		if err != nil {
			s.logger.Warn("sweep task failed", zap.String("task", task.Name), zap.Error(err))
		} else if affected > 0 {
			s.logger.Info("sweep task completed", zap.String("task", task.Name), zap.Int64("affected", affected))
		}
		results = append(results, Result{Name: task.Name, Affected: affected, Err: err})
	}
	return results
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval
// disables periodic sweeping and Run returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("periodic sweeping disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
