package stages

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/encoding/fastq"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/fanout"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
)

const (
	fastqcPrefix   = "FASTQC_"
	dupSuffix      = "_optical_duplicates" + fastqSuffix
	r1Suffix       = "_R1" + fastqSuffix
	r2Suffix       = "_R2" + fastqSuffix
	screenSuffix   = "_R1_screen.txt"
	clumpifySuffix = ".clumpify.fq.gz"
	subsampleSeed  = 1
)

// Deduplicated reports whether optical duplicates are split off the reads
// of runs from instrument.
func Deduplicated(instrument runinfo.Instrument) bool {
	return instrument.Patterned() || instrument == runinfo.NextSeq
}

// marked makes s skip its tasks when its marker exists and write the
// marker once it drains.
func marked(cp pipeline.Checkpoint, s fanout.Stage) fanout.Stage {
	build, name := s.Tasks, s.Name
	s.Tasks = func(ctx context.Context) ([]fanout.Task, error) {
		done, err := cp.Done(ctx, name)
		if err != nil {
			return nil, err
		}
		if done {
			log.Printf("%s: already done", name)
			return nil, nil
		}
		return build(ctx)
	}
	s.Done = func(ctx context.Context) error { return cp.Mark(ctx, name) }
	return s
}

// fanOut runs the per-file work of the group. Each sub-stage starts once
// the previous one has drained.
func (e Env) fanOut(ctx context.Context, u Unit) error {
	cp := pipeline.FileCheckpoint{Dir: u.Dir()}
	var stages []fanout.Stage
	if Deduplicated(u.Run.ID.Instrument) {
		stages = append(stages, marked(cp, fanout.Stage{
			Name:    Dedup,
			Workers: e.Options.DeduplicateInstances,
			Tasks:   func(ctx context.Context) ([]fanout.Task, error) { return e.dedupTasks(u) },
		}))
	}
	stages = append(stages,
		marked(cp, fanout.Stage{
			Name:  FastQC,
			Tasks: func(ctx context.Context) ([]fanout.Task, error) { return e.fastqcTasks(u) },
		}),
		marked(cp, fanout.Stage{
			Name:  Md5sum,
			Tasks: func(ctx context.Context) ([]fanout.Task, error) { return md5Tasks(u) },
		}),
		marked(cp, fanout.Stage{
			Name:  Screen,
			Tasks: func(ctx context.Context) ([]fanout.Task, error) { return e.screenTasks(u) },
		}),
	)
	_, err := fanout.Pool{Workers: e.Options.PostMakeThreads}.RunAll(ctx, stages...)
	return err
}

// reads returns the FASTQ files of every sample of the group, leaving out
// split-off duplicates.
func reads(u Unit, suffix string) ([]string, error) {
	paths, err := glob(u.Dir(), projectPrefix+"*", samplePrefix+"*", "*"+suffix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		if !strings.HasSuffix(p, dupSuffix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e Env) dedupTasks(u Unit) ([]fanout.Task, error) {
	r1s, err := reads(u, r1Suffix)
	if err != nil {
		return nil, err
	}
	var tasks []fanout.Task
	for _, r1 := range r1s {
		prefix := strings.TrimSuffix(r1, r1Suffix)
		tasks = append(tasks, fanout.Task{
			Name:    r1,
			Inputs:  []string{r1},
			Outputs: []string{fastq.StatsPath(prefix)},
			Run:     func(ctx context.Context) error { return e.dedup(ctx, u, prefix) },
		})
	}
	return tasks, nil
}

// dedup marks optical duplicates of the reads at prefix with clumpify and
// splits them off. The clumpify output is kept until the split completes,
// so an interrupted split restarts from it.
func (e Env) dedup(ctx context.Context, u Unit, prefix string) error {
	r1, r2 := prefix+r1Suffix, prefix+r2Suffix
	paired := true
	if _, err := os.Stat(r2); os.IsNotExist(err) {
		r2, paired = "", false
	}
	clumped := prefix + clumpifySuffix
	if _, err := os.Stat(clumped); os.IsNotExist(err) {
		partial := clumped + ".partial.fq.gz"
		c := e.tools().Clumpify(u.Run.ID.Instrument, filepath.Dir(r1), r1, r2, partial)
		if err := e.Runner.Run(ctx, c); err != nil {
			return err
		}
		if err := os.Rename(partial, clumped); err != nil {
			return err
		}
	}
	stats, err := fastq.SplitDuplicates(ctx, clumped, paired, prefix)
	if err != nil {
		return err
	}
	log.Debug.Printf("%s: %.2f%% optical duplicates", prefix, stats.Rate())
	return os.Remove(clumped)
}

func (e Env) fastqcTasks(u Unit) ([]fanout.Task, error) {
	paths, err := reads(u, fastqSuffix)
	if err != nil {
		return nil, err
	}
	var tasks []fanout.Task
	for _, path := range paths {
		var (
			sampleDir = filepath.Dir(path)
			project   = filepath.Base(filepath.Dir(sampleDir))
			outDir    = filepath.Join(u.Dir(), fastqcPrefix+project, filepath.Base(sampleDir))
			fq        = path
		)
		tasks = append(tasks, fanout.Task{
			Name:    fq,
			Inputs:  []string{fq},
			Outputs: []string{filepath.Join(outDir, strings.TrimSuffix(filepath.Base(fq), fastqSuffix)+"_fastqc.zip")},
			Run: func(ctx context.Context) error {
				if err := os.MkdirAll(outDir, 0755); err != nil {
					return err
				}
				return e.Runner.Run(ctx, e.tools().FastQC(outDir, fq))
			},
		})
	}
	return tasks, nil
}

// projects returns the project directories of the group.
func projects(u Unit) ([]string, error) {
	paths, err := glob(u.Dir(), projectPrefix+"*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			out = append(out, p)
		}
	}
	return out, nil
}

func md5Tasks(u Unit) ([]fanout.Task, error) {
	dirs, err := projects(u)
	if err != nil {
		return nil, err
	}
	var tasks []fanout.Task
	for _, dir := range dirs {
		dir := dir
		tasks = append(tasks, fanout.Task{
			Name:    dir,
			Outputs: []string{filepath.Join(dir, Md5File)},
			Run:     func(ctx context.Context) error { return WriteChecksums(ctx, dir) },
		})
	}
	return tasks, nil
}

// WriteChecksums writes the MD5 checksum of every FASTQ file in the sample
// directories of projectDir to md5sums.txt, in the format of md5sum(1),
// with paths relative to projectDir.
func WriteChecksums(ctx context.Context, projectDir string) (err error) {
	paths, err := glob(projectDir, "*", "*"+fastqSuffix)
	if err != nil {
		return err
	}
	sort.Strings(paths)
	path := filepath.Join(projectDir, Md5File)
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer pipeline.Commit(ctx, f, &err)
	w := f.Writer(ctx)
	for _, p := range paths {
		sum, err := checksum(ctx, p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(projectDir, p)
		if _, err := fmt.Fprintf(w, "%s  %s\n", sum, rel); err != nil {
			return err
		}
	}
	return nil
}

func checksum(ctx context.Context, path string) (sum string, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer file.CloseAndReport(ctx, f, &err)
	h := md5.New()
	if _, err := io.Copy(h, f.Reader(ctx)); err != nil {
		return "", errors.E(err, "md5", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e Env) screenTasks(u Unit) ([]fanout.Task, error) {
	r1s, err := reads(u, r1Suffix)
	if err != nil {
		return nil, err
	}
	var tasks []fanout.Task
	for _, r1 := range r1s {
		r1 := r1
		tasks = append(tasks, fanout.Task{
			Name:    r1,
			Inputs:  []string{r1},
			Outputs: []string{strings.TrimSuffix(r1, r1Suffix) + screenSuffix},
			Run:     func(ctx context.Context) error { return e.screen(ctx, r1) },
		})
	}
	return tasks, nil
}

// screen runs fastq_screen over a subsample of r1 and saves its report
// as <prefix>_R1_screen.txt.
func (e Env) screen(ctx context.Context, r1 string) (err error) {
	prefix := strings.TrimSuffix(r1, r1Suffix)
	sub := prefix + "_R1.subsample.fastq"
	defer func() {
		if rerr := os.Remove(sub); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}()
	if err := subsample(ctx, e.Options.SubsampleRate, r1, sub); err != nil {
		return err
	}
	if err := e.Runner.Run(ctx, e.tools().FastqScreen(sub)); err != nil {
		return err
	}
	return os.Rename(prefix+"_R1.subsample_screen.txt", prefix+screenSuffix)
}

func subsample(ctx context.Context, rate float64, in, out string) (err error) {
	src, err := fastq.Open(ctx, in)
	if err != nil {
		return err
	}
	defer func() {
		if e := src.Close(); e != nil && err == nil {
			err = e
		}
	}()
	dst, err := fastq.Create(ctx, out)
	if err != nil {
		return err
	}
	kept, total, err := fastq.Sample(rate, subsampleSeed, src, dst)
	if err != nil {
		dst.Discard()
	} else {
		err = dst.Close()
	}
	if err != nil {
		return errors.E(err, "subsample", in)
	}
	log.Debug.Printf("%s: screening %d of %d reads", in, kept, total)
	return nil
}
