// Package driver schedules pipeline invocations: each cycle scans for the
// next lane group, checks for free space, and runs the group through the
// pipeline. Cycles repeat until the context is canceled, sleeping between
// them when there is nothing to do.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/metrics"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/report"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/scan"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/stages"
)

// Outcome is the result of a cycle.
type Outcome int

const (
	// Idle means no run needed processing.
	Idle Outcome = iota
	// Completed means a lane group was published.
	Completed
	// Failed means the cycle stopped on an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Completed:
		return "completed"
	}
	return "failed"
}

// Status is a snapshot of the driver's progress.
type Status struct {
	// Cycle identifies the current or last cycle.
	Cycle   string    `json:"cycle"`
	Started time.Time `json:"started"`
	Run     string    `json:"run,omitempty"`
	Group   string    `json:"group,omitempty"`
	State   string    `json:"state"`
	Outcome string    `json:"outcome,omitempty"`
	Error   string    `json:"error,omitempty"`
	// Skipped lists runs the last scan could not consider.
	Skipped   []string `json:"skipped,omitempty"`
	Published int      `json:"published"`
	FreeGiB   float64  `json:"free_gib"`
}

// Driver runs cycles. It processes one lane group at a time.
type Driver struct {
	Scanner scan.Scanner
	Env     stages.Env
	// Usage returns the usage of the volume holding a path. It defaults to
	// report.DiskUsage.
	Usage func(path string) (report.Usage, error)

	mu     sync.Mutex
	status Status
	// reported holds the skipped runs, by failure kind, that were notified.
	reported map[skipKey]bool
}

// Status returns a snapshot of the driver's progress.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.status
	s.Skipped = append([]string(nil), s.Skipped...)
	return s
}

func (d *Driver) update(fn func(s *Status)) {
	d.mu.Lock()
	fn(&d.status)
	d.mu.Unlock()
}

func (d *Driver) notify(ctx context.Context, m notify.Message) {
	if d.Env.Notifier == nil {
		return
	}
	if err := d.Env.Notifier.Notify(ctx, m); err != nil {
		log.Error.Printf("notify: %v", err)
	}
}

// Cycle scans for the next lane group and runs it through the pipeline.
func (d *Driver) Cycle(ctx context.Context) (Outcome, error) {
	id := uuid.New().String()
	d.update(func(s *Status) {
		*s = Status{Cycle: id, Started: time.Now(), State: "scanning", Published: s.Published}
	})
	outcome, err := d.cycle(ctx, id)
	metrics.Cycles.WithLabelValues(outcome.String()).Inc()
	d.update(func(s *Status) {
		s.Outcome = outcome.String()
		if err != nil {
			s.Error = err.Error()
		}
		if outcome == Completed {
			s.Published++
		}
	})
	return outcome, err
}

func (d *Driver) cycle(ctx context.Context, id string) (Outcome, error) {
	res, err := d.Scanner.Next(ctx)
	if err != nil {
		log.Error.Printf("cycle %s: scan: %v", id, err)
		d.notify(ctx, notify.Error("", err))
		return Failed, err
	}
	d.reportSkipped(ctx, res.Skipped)
	if !res.Found {
		log.Printf("cycle %s: nothing to do", id)
		d.update(func(s *Status) { s.State = "idle" })
		return Idle, nil
	}
	unit := stages.Unit{Run: res.Run, Group: res.Group}
	d.update(func(s *Status) {
		s.Run, s.Group = res.Run.ID.Name, unit.Name()
	})
	if err := d.checkSpace(ctx, unit.Name()); err != nil {
		return Failed, err
	}
	log.Printf("cycle %s: processing %s", id, unit.Name())
	orch := d.Env.Orchestrator(unit)
	orch.OnState = func(st pipeline.State) {
		d.update(func(s *Status) { s.State = st.String() })
	}
	state, err := orch.Run(ctx)
	if err != nil {
		return Failed, err
	}
	if state != pipeline.Published {
		return Failed, failure.E(failure.Stage, unit.Name(), fmt.Sprintf("stopped in state %v", state))
	}
	if _, err := d.Scanner.Complete(ctx, res.Run, res.Groups); err != nil {
		log.Error.Printf("%s: marking run: %v", res.Run.ID, err)
	}
	return Completed, nil
}

type skipKey struct {
	run  string
	kind failure.Kind
}

// reportSkipped notifies operators about skipped runs: runs whose sample
// sheets need fixing and runs that cannot be read. Each run is reported once
// per failure kind, though it is retried every cycle.
func (d *Driver) reportSkipped(ctx context.Context, skipped []scan.Skip) {
	var names []string
	for _, s := range skipped {
		names = append(names, s.Run)
		key := skipKey{s.Run, failure.KindOf(s.Err)}
		d.mu.Lock()
		if d.reported == nil {
			d.reported = map[skipKey]bool{}
		}
		seen := d.reported[key]
		d.reported[key] = true
		d.mu.Unlock()
		if !seen {
			d.notify(ctx, notify.Error(s.Run, s.Err))
		}
	}
	d.update(func(s *Status) { s.Skipped = names })
}

// checkSpace fails with a failure.Resource error when the output volume has
// less free space than configured.
func (d *Driver) checkSpace(ctx context.Context, group string) error {
	usage := d.Usage
	if usage == nil {
		usage = report.DiskUsage
	}
	u, err := usage(d.Env.Options.OutputDir)
	if err != nil {
		err = failure.E(failure.Resource, group, err)
		d.notify(ctx, notify.Error(group, err))
		return err
	}
	metrics.FreeSpace.Set(u.Free)
	d.update(func(s *Status) { s.FreeGiB = u.Free })
	if min := d.Env.Options.MinSpaceGiB; u.Free < min {
		err := failure.E(failure.Resource, group,
			fmt.Sprintf("%.0f GiB free on %s, need %.0f", u.Free, d.Env.Options.OutputDir, min))
		log.Error.Printf("%v", err)
		d.notify(ctx, notify.Error(group, err))
		return err
	}
	return nil
}

// Loop runs cycles until ctx is done. After a published group the next
// cycle starts right away; otherwise Loop sleeps for the configured time
// or until a value arrives on wake.
func (d *Driver) Loop(ctx context.Context, wake <-chan struct{}) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := d.Cycle(ctx)
		if err != nil {
			log.Error.Printf("cycle failed: %v", err)
		}
		if outcome == Completed {
			continue
		}
		timer := time.NewTimer(d.Env.Options.SleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			log.Printf("woken up")
		case <-timer.C:
		}
		timer.Stop()
	}
}
