package pipeline

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/metrics"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
)

// StageFunc executes a stage.
type StageFunc func(ctx context.Context) error

// Orchestrator runs one lane group through Transitions.
type Orchestrator struct {
	// Group names the lane group in logs and notifications: the run ID
	// with its lane suffix.
	Group string
	// Stages maps every stage named in Transitions to its implementation.
	Stages map[string]StageFunc
	// Checkpoint records completed stages.
	Checkpoint Checkpoint
	// Notifier is told about failures. It may be nil.
	Notifier notify.Notifier
	// OnState, if set, is called on every state change.
	OnState func(State)
}

func (o *Orchestrator) enter(s State) State {
	log.Debug.Printf("%s: %s", o.Group, s)
	if o.OnState != nil {
		o.OnState(s)
	}
	return s
}

// Run advances the group as far as it goes. It returns Published once every
// stage has completed, or Failed together with a failure.Stage error naming
// the stage that failed. A group that is already published is left alone.
func (o *Orchestrator) Run(ctx context.Context) (State, error) {
	if done, err := o.Checkpoint.Done(ctx, Publish); err == nil && done {
		log.Debug.Printf("%s: already published", o.Group)
		return o.enter(Published), nil
	}
	state := o.enter(Pending)
	for {
		t, ok := Next(state)
		if !ok {
			return state, nil
		}
		for _, stage := range t.Stages {
			if err := o.runStage(ctx, stage); err != nil {
				o.enter(Failed)
				if o.Notifier != nil {
					if nerr := o.Notifier.Notify(ctx, notify.Error(o.Group, err)); nerr != nil {
						log.Error.Printf("%s: notify: %v", o.Group, nerr)
					}
				}
				return Failed, err
			}
		}
		state = o.enter(t.To)
	}
}

func (o *Orchestrator) runStage(ctx context.Context, stage string) error {
	done, err := o.Checkpoint.Done(ctx, stage)
	if err != nil {
		return failure.E(failure.Stage, stage, "checking marker", err)
	}
	if done {
		log.Printf("%s: %s: already done", o.Group, stage)
		metrics.Stages.WithLabelValues(stage, metrics.Skipped).Inc()
		return nil
	}
	fn, ok := o.Stages[stage]
	if !ok {
		return failure.E(failure.Stage, stage, "no implementation")
	}
	log.Printf("%s: %s: start", o.Group, stage)
	start := time.Now()
	err = fn(ctx)
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Stages.WithLabelValues(stage, metrics.Failed).Inc()
		log.Error.Printf("%s: %s: %v", o.Group, stage, err)
		return failure.E(failure.Stage, stage, err)
	}
	if err := o.Checkpoint.Mark(ctx, stage); err != nil {
		metrics.Stages.WithLabelValues(stage, metrics.Failed).Inc()
		return failure.E(failure.Stage, stage, "writing marker", err)
	}
	metrics.Stages.WithLabelValues(stage, metrics.OK).Inc()
	log.Printf("%s: %s: done in %s", o.Group, stage, time.Since(start).Round(time.Second))
	return nil
}
