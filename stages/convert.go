package stages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/barcode"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/bcl"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/mask"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/orientation"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
)

// runFiles are copied from the run directory next to the converted reads.
var runFiles = []string{"RunInfo.xml", "runParameters.xml", "RunParameters.xml", "InterOp"}

// Planner returns the mask planner configured by e.
func (e Env) Planner() mask.Planner {
	o := e.Options
	return mask.Planner{
		Override:          o.IndexMask,
		Exceptions:        o.Exceptions,
		ExceptionPatterns: o.ExceptionPatterns,
		ExceptionFlags:    o.ExceptionFlags,
		LibraryTypes:      e.Config.Section("LibraryTypes"),
	}
}

func (e Env) counter(u Unit) orientation.Counter {
	if e.Counter != nil {
		return e.Counter
	}
	return bcl.Counter{
		RunDir:      u.Run.Dir,
		Instrument:  u.Run.ID.Instrument,
		Layout:      u.Run.Info.Layout,
		MaxClusters: e.Options.MaxClusters,
	}
}

// Orient resolves the index-2 orientation of u's group, once.
func (e Env) Orient(ctx context.Context, u Unit) {
	if u.Group.Orientation != samplesheet.Unresolved {
		return
	}
	orientation.Resolver{
		Counter:     e.counter(u),
		MinRatio:    e.Options.MinRatio,
		MinEvidence: e.Options.MinEvidence,
		Notifier:    e.Notifier,
	}.Resolve(ctx, u.Run.ID.Name, u.Group, u.Run.Info.Reads)
}

// convert demultiplexes the group's lanes into the group directory.
func (e Env) convert(ctx context.Context, u Unit) error {
	var (
		g    = u.Group
		id   = u.Run.ID.Name
		dir  = u.Dir()
		opts = e.Options
	)
	e.Orient(ctx, u)
	m := e.Planner().Plan(id, u.Run.Info.Reads, g)
	mismatches := barcode.MaxMismatches(g.Indexes(), opts.MaxBarcodeMismatches)
	for _, d := range []string{dir, opts.LogDir, filepath.Join(opts.InterOpDir, u.Name(), "InterOp")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	var sheet string
	if !g.Implicit() {
		sheet = filepath.Join(dir, SheetFile)
		if err := writeSheet(ctx, sheet, g); err != nil {
			return err
		}
	}
	log.Printf("%s: lane group %v, index2 %v, mask %q, %d barcode mismatches",
		u.Name(), g.Key, g.Orientation, m.String(), mismatches)
	if err := e.Runner.Run(ctx, e.tools().Bcl2fastq(id, u.Name(), sheet, m, mismatches)); err != nil {
		return err
	}
	for _, name := range runFiles {
		if err := copyIfExists(ctx, filepath.Join(u.Run.Dir, name), filepath.Join(dir, name)); err != nil {
			return errors.E(err, "copy", name)
		}
	}
	return nil
}

func writeSheet(ctx context.Context, path string, g *samplesheet.LaneGroup) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer pipeline.Commit(ctx, f, &err)
	return samplesheet.WriteSheet(f.Writer(ctx), g)
}
