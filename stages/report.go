package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/fanout"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/notify"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/report"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/tools"
)

// demuxStats is the demultiplexer's per-lane summary, relative to the
// group directory.
var demuxStats = filepath.Join("Stats", "DemultiplexingStats.xml")

func (e Env) multiqcTasks(u Unit) ([]fanout.Task, error) {
	dirs, err := projects(u)
	if err != nil {
		return nil, err
	}
	var tasks []fanout.Task
	for _, dir := range dirs {
		dir := dir
		fastqc := filepath.Join(u.Dir(), fastqcPrefix+filepath.Base(dir))
		tasks = append(tasks, fanout.Task{
			Name:    dir,
			Inputs:  []string{fastqc},
			Outputs: []string{filepath.Join(dir, MultiQCReport)},
			Run: func(ctx context.Context) error {
				return e.Runner.Run(ctx, e.tools().MultiQC(dir, fastqc))
			},
		})
	}
	return tasks, nil
}

// report aggregates the group's quality reports and saves the summary
// that publish sends out.
func (e Env) report(ctx context.Context, u Unit) error {
	pool := fanout.Pool{Workers: e.Options.PostMakeThreads}
	if _, err := pool.RunAll(ctx, fanout.Stage{
		Name:  MultiQC,
		Tasks: func(ctx context.Context) ([]fanout.Task, error) { return e.multiqcTasks(u) },
	}); err != nil {
		return err
	}
	summary, err := e.Summary(ctx, u)
	if err != nil {
		return err
	}
	return writeFile(ctx, filepath.Join(u.Dir(), SummaryFile), summary)
}

// Summary collects the contamination report, the undetermined index counts
// and the free space on the output volume of u. The contamination table is
// also saved on its own.
func (e Env) Summary(ctx context.Context, u Unit) (string, error) {
	rows, err := report.Collect(ctx, u.Dir())
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := report.WriteContamination(&b, rows); err != nil {
		return "", err
	}
	if err := writeFile(ctx, filepath.Join(u.Dir(), ContaminationFile), b.String()); err != nil {
		return "", err
	}
	var lanes []report.LaneCount
	if data, err := file.ReadFile(ctx, filepath.Join(u.Dir(), demuxStats)); err != nil {
		log.Printf("%s: no undetermined index counts: %v", u.Name(), err)
	} else if lanes, err = report.Undetermined(strings.NewReader(string(data))); err != nil {
		return "", err
	}
	usage, err := report.DiskUsage(e.Options.OutputDir)
	if err != nil {
		return "", err
	}
	return report.Summary(usage, lanes, rows)
}

// publish copies the reports to the sequencing facility's share, hands the
// group to the transfer and LIMS services and announces it.
func (e Env) publish(ctx context.Context, u Unit, started time.Time) error {
	dir := u.Dir()
	summary, err := file.ReadFile(ctx, filepath.Join(dir, SummaryFile))
	if err != nil {
		return errors.E(err, "reading summary")
	}
	if e.Options.SeqFacDir != "" {
		if err := e.copyReports(ctx, u); err != nil {
			return err
		}
	}
	ts := e.tools()
	for _, build := range []func(runID, groupDir string) (tools.Command, bool){ts.Transfer, ts.LIMS} {
		if c, ok := build(u.Run.ID.Name, dir); ok {
			if err := e.Runner.Run(ctx, c); err != nil {
				return err
			}
		}
	}
	if err := e.notify(ctx, notify.Processed(u.Name(), time.Since(started), string(summary))); err != nil {
		log.Error.Printf("%s: notify: %v", u.Name(), err)
	}
	return nil
}

func (e Env) copyReports(ctx context.Context, u Unit) error {
	dest := filepath.Join(e.Options.SeqFacDir, u.Name())
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}
	for _, name := range []string{SummaryFile, ContaminationFile} {
		if err := copyIfExists(ctx, filepath.Join(u.Dir(), name), filepath.Join(dest, name)); err != nil {
			return err
		}
	}
	dirs, err := projects(u)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		to := filepath.Join(dest, fmt.Sprintf("%s_multiqc.html", filepath.Base(dir)))
		if err := copyIfExists(ctx, filepath.Join(dir, MultiQCReport), to); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(ctx context.Context, path, data string) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer pipeline.Commit(ctx, f, &err)
	_, err = f.Writer(ctx).Write([]byte(data))
	return err
}
