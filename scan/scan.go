// Package scan finds the next unit of work: the first lane group, of the
// first run in lexical order, that has not been published yet.
package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
)

// Skip records a run that could not be considered.
type Skip struct {
	Run string
	Err error
}

// Result is the outcome of a scan. Found is false when there is nothing to
// do; Skipped is filled in either way.
type Result struct {
	Found bool
	Run   runinfo.Run
	// Group is the lane group to process next.
	Group *samplesheet.LaneGroup
	// Groups are all the lane groups of Run, Group among them.
	Groups  []*samplesheet.LaneGroup
	Skipped []Skip
}

// Scanner looks for runs in Options.BaseDir.
type Scanner struct {
	Options  config.Options
	Resolver samplesheet.Resolver
}

// New returns a scanner configured by opts.
func New(opts config.Options) Scanner {
	return Scanner{
		Options: opts,
		Resolver: samplesheet.Resolver{
			Glob:                  opts.SampleSheetGlob,
			SingleLaneThreshold:   opts.SingleLaneThreshold,
			MergedLaneInstruments: opts.MergedLaneInstruments,
		},
	}
}

// RunDir returns the run-level output directory of runID, which holds the
// run's completion marker.
func (s Scanner) RunDir(runID string) string {
	return filepath.Join(s.Options.OutputDir, runID)
}

// Processed tells whether the run has its run-level marker.
func (s Scanner) Processed(ctx context.Context, runID string) (bool, error) {
	for _, name := range []string{pipeline.PublishedMarker, pipeline.LegacyMarker} {
		ok, err := pipeline.Exists(ctx, filepath.Join(s.RunDir(runID), name))
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Candidates lists the run directories that are complete and not yet
// processed, in lexical order.
func (s Scanner) Candidates(ctx context.Context) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.Options.BaseDir, s.Options.RunGlob))
	if err != nil {
		return nil, failure.E(failure.Scan, "glob", s.Options.RunGlob, err)
	}
	sort.Strings(paths)
	var out []string
	for _, path := range paths {
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			continue
		}
		if ok, err := pipeline.Exists(ctx, filepath.Join(path, s.Options.CompletionMarker)); err != nil || !ok {
			continue
		}
		done, err := s.Processed(ctx, filepath.Base(path))
		if err != nil {
			return nil, failure.E(failure.Scan, "checking marker", path, err)
		}
		if !done {
			out = append(out, path)
		}
	}
	return out, nil
}

// Load reads the run in dir and resolves its lane groups.
func (s Scanner) Load(ctx context.Context, dir string) (runinfo.Run, []*samplesheet.LaneGroup, error) {
	name := filepath.Base(dir)
	id, err := runinfo.ParseID(name)
	if err != nil {
		return runinfo.Run{}, nil, failure.E(failure.Scan, "run ID", err)
	}
	info, err := runinfo.ReadInfo(ctx, dir)
	if err != nil {
		return runinfo.Run{}, nil, failure.E(failure.Scan, "run info", err)
	}
	run := runinfo.Run{
		ID:               id,
		Dir:              dir,
		OutputDir:        s.Options.OutputDir,
		CompletionMarker: filepath.Join(dir, s.Options.CompletionMarker),
		Info:             info,
	}
	groups, err := s.Resolver.Resolve(ctx, dir, info.Layout.LaneCount, id.Instrument.String())
	if err != nil {
		return run, nil, failure.E("lane groups", err)
	}
	return run, groups, nil
}

// Published tells whether the group has been published.
func Published(ctx context.Context, run runinfo.Run, g *samplesheet.LaneGroup) (bool, error) {
	cp := pipeline.FileCheckpoint{Dir: filepath.Join(run.OutputDir, g.DirName(run.ID.Name))}
	return cp.Done(ctx, pipeline.Publish)
}

// Complete writes the run-level marker if every group of run is
// published. It reports whether the run is complete.
func (s Scanner) Complete(ctx context.Context, run runinfo.Run, groups []*samplesheet.LaneGroup) (bool, error) {
	for _, g := range groups {
		ok, err := Published(ctx, run, g)
		if err != nil || !ok {
			return false, err
		}
	}
	dir := s.RunDir(run.ID.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	if err := (pipeline.FileCheckpoint{Dir: dir}).Mark(ctx, pipeline.Publish); err != nil {
		return false, err
	}
	log.Printf("%s: every lane group is published", run.ID)
	return true, nil
}

// Next returns the next lane group to process. Runs that cannot be read
// are skipped and recorded in the result. The returned error is set only
// when the base directory itself cannot be scanned.
func (s Scanner) Next(ctx context.Context) (Result, error) {
	var res Result
	dirs, err := s.Candidates(ctx)
	if err != nil {
		return res, err
	}
	for _, dir := range dirs {
		run, groups, err := s.Load(ctx, dir)
		if err != nil {
			log.Error.Printf("skipping run %s: %v", filepath.Base(dir), err)
			res.Skipped = append(res.Skipped, Skip{Run: filepath.Base(dir), Err: err})
			continue
		}
		for _, g := range groups {
			ok, err := Published(ctx, run, g)
			if err != nil {
				return res, failure.E(failure.Scan, "checking marker", run.ID.Name, err)
			}
			if !ok {
				res.Found, res.Run, res.Group, res.Groups = true, run, g, groups
				return res, nil
			}
		}
		if _, err := s.Complete(ctx, run, groups); err != nil {
			return res, failure.E(failure.Scan, "marking run", run.ID.Name, err)
		}
	}
	return res, nil
}
