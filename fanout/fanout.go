// Package fanout runs the per-file work of a pipeline stage on a bounded
// pool of workers.
//
// A stage is a list of Tasks. Each task names the artifacts it produces; a
// task whose artifacts all exist is skipped, so a stage interrupted halfway
// resumes where it stopped. A failing task is recorded and does not stop its
// siblings. Stages run by RunAll are separated by a strict barrier: every task
// of a stage finishes before the tasks of the next stage are built.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/metrics"
)

// Task is one unit of fan-out work.
type Task struct {
	// Name identifies the task in logs and errors, typically its input.
	Name string
	// Inputs are the files the task reads.
	Inputs []string
	// Outputs are the artifacts the task produces. A task without outputs
	// always runs.
	Outputs []string
	// Run does the work.
	Run func(ctx context.Context) error
}

// TaskError records the failure of one task.
type TaskError struct {
	Task string
	Err  error
}

func (e TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Task, e.Err) }

// Result summarizes a stage.
type Result struct {
	Stage   string
	Done    int
	Skipped int
	Failed  []TaskError
}

// Err returns nil if every task succeeded, and otherwise a failure.Task
// error listing each failed task.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := multierror.NewMultiError(len(r.Failed))
	for _, f := range r.Failed {
		errs.Add(f)
	}
	return failure.E(failure.Task, r.Stage,
		fmt.Sprintf("%d of %d tasks failed", len(r.Failed), r.Done+r.Skipped+len(r.Failed)),
		errs.Err())
}

// Pool runs tasks with at most Workers at a time. Each worker takes the
// next unstarted task until none is left.
type Pool struct {
	Workers int
}

// Complete reports whether every output of t exists.
func Complete(ctx context.Context, t Task) bool {
	if len(t.Outputs) == 0 {
		return false
	}
	for _, path := range t.Outputs {
		if _, err := file.Stat(ctx, path); err != nil {
			return false
		}
	}
	return true
}

// Run runs tasks and blocks until each of them has succeeded, failed, or
// been skipped.
func (p Pool) Run(ctx context.Context, stage string, tasks []Task) Result {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	var (
		mu  sync.Mutex
		res = Result{Stage: stage}
	)
	if len(tasks) == 0 {
		return res
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}
	log.Printf("%s: %d tasks on %d workers", stage, len(tasks), workers)
	// Task errors are collected, never returned, so traverse keeps
	// scheduling the remaining tasks.
	err := traverse.Limit(workers).Each(len(tasks), func(i int) error {
		outcome, err := p.run(ctx, stage, tasks[i])
		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case metrics.Skipped:
			res.Skipped++
		case metrics.Failed:
			res.Failed = append(res.Failed, TaskError{Task: tasks[i].Name, Err: err})
		default:
			res.Done++
		}
		return nil
	})
	if err != nil {
		res.Failed = append(res.Failed, TaskError{Task: stage, Err: err})
	}
	log.Printf("%s: %d done, %d skipped, %d failed", stage, res.Done, res.Skipped, len(res.Failed))
	return res
}

func (p Pool) run(ctx context.Context, stage string, t Task) (string, error) {
	if Complete(ctx, t) {
		log.Debug.Printf("%s: %s: outputs exist, skipping", stage, t.Name)
		metrics.Tasks.WithLabelValues(stage, metrics.Skipped).Inc()
		return metrics.Skipped, nil
	}
	log.Debug.Printf("%s: %s: start", stage, t.Name)
	if err := t.Run(ctx); err != nil {
		log.Error.Printf("%s: %s: %v", stage, t.Name, err)
		metrics.Tasks.WithLabelValues(stage, metrics.Failed).Inc()
		return metrics.Failed, err
	}
	metrics.Tasks.WithLabelValues(stage, metrics.OK).Inc()
	return metrics.OK, nil
}

// Stage is a named fan-out stage whose tasks are built only once the
// previous stage has drained.
type Stage struct {
	Name string
	// Workers, if positive, overrides the pool's bound for this stage.
	Workers int
	Tasks   func(ctx context.Context) ([]Task, error)
	// Done, if set, is called once every task of the stage has succeeded
	// or been skipped.
	Done func(ctx context.Context) error
}

// RunAll runs stages in order. It stops at the first stage that cannot be
// built or has a failed task, and returns the results of the stages run so
// far.
func (p Pool) RunAll(ctx context.Context, stages ...Stage) ([]Result, error) {
	var results []Result
	for _, s := range stages {
		tasks, err := s.Tasks(ctx)
		if err != nil {
			return results, failure.E(failure.Stage, s.Name, "building tasks", err)
		}
		pool := p
		if s.Workers > 0 {
			pool.Workers = s.Workers
		}
		res := pool.Run(ctx, s.Name, tasks)
		results = append(results, res)
		if err := res.Err(); err != nil {
			return results, err
		}
		if s.Done != nil {
			if err := s.Done(ctx); err != nil {
				return results, failure.E(failure.Stage, s.Name, err)
			}
		}
	}
	return results, nil
}
