// Package stages implements the pipeline stages that take a lane group from
// raw base calls to published, quality-checked FASTQ files.
//
// Every stage works on the group's output directory and is safe to re-run:
// per-file work is skipped when its artifacts exist, and renames leave
// already-normalized names alone.
package stages

import (
	"context"
	"path/filepath"
	"time"

	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/orientation"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
)

// Fan-out sub-stages. Each has its own marker in the group directory.
const (
	Dedup  = "dedup"
	FastQC = "fastqc"
	Md5sum = "md5sum"
	Screen = "screen"
	// MultiQC runs inside the report stage.
	MultiQC = "multiqc"
)

// Files written into the group directory.
const (
	SheetFile         = "SampleSheet.csv"
	SummaryFile       = "summary.txt"
	ContaminationFile = "contamination.tsv"
	Md5File           = "md5sums.txt"
	MultiQCReport     = "multiqc_report.html"
)

// Unit is the lane group of a run that a pipeline invocation processes.
type Unit struct {
	Run   runinfo.Run
	Group *samplesheet.LaneGroup
}

// Name returns the name of the group's output directory, which also names
// the group in logs and notifications.
func (u Unit) Name() string { return u.Group.DirName(u.Run.ID.Name) }

// Dir returns the group's output directory.
func (u Unit) Dir() string { return filepath.Join(u.Run.OutputDir, u.Name()) }

// Env holds what the stages share. It is read-only once built.
type Env struct {
	Config  config.Context
	Options config.Options
	// Runner executes external tools.
	Runner tools.Runner
	// Notifier receives failure and completion messages. It may be nil.
	Notifier notify.Notifier
	// Counter reads index evidence for orientation. When nil, base calls
	// are read from the run directory.
	Counter orientation.Counter
}

func (e Env) tools() tools.Set { return tools.Set{Config: e.Config, Options: e.Options} }

// Stages returns the implementation of every pipeline stage for u.
func (e Env) Stages(u Unit) map[string]pipeline.StageFunc {
	started := time.Now()
	return map[string]pipeline.StageFunc{
		pipeline.Convert: func(ctx context.Context) error { return e.convert(ctx, u) },
		pipeline.Rename:  func(ctx context.Context) error { return Rename(ctx, u.Dir()) },
		pipeline.FanOut:  func(ctx context.Context) error { return e.fanOut(ctx, u) },
		pipeline.Report:  func(ctx context.Context) error { return e.report(ctx, u) },
		pipeline.Publish: func(ctx context.Context) error { return e.publish(ctx, u, started) },
	}
}

// Orchestrator returns an orchestrator that runs u through the pipeline,
// checkpointed in the group directory.
func (e Env) Orchestrator(u Unit) *pipeline.Orchestrator {
	return &pipeline.Orchestrator{
		Group:      u.Name(),
		Stages:     e.Stages(u),
		Checkpoint: pipeline.FileCheckpoint{Dir: u.Dir()},
		Notifier:   e.Notifier,
	}
}

func (e Env) notify(ctx context.Context, m notify.Message) error {
	if e.Notifier == nil {
		return nil
	}
	return e.Notifier.Notify(ctx, m)
}
