package fastq

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// DuplicateStats counts the reads, or read pairs, seen by SplitDuplicates.
type DuplicateStats struct {
	Duplicates int64
	Total      int64
}

// Rate returns the duplicate percentage.
func (s DuplicateStats) Rate() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Duplicates) / float64(s.Total)
}

// StatsPath returns the file in which SplitDuplicates records its counts
// for prefix.
func StatsPath(prefix string) string { return prefix + ".duplicate.txt" }

// SplitPaths returns the files SplitDuplicates writes for prefix: the
// retained reads first, then the optical duplicates. Each list holds R1,
// then R2 when paired.
func SplitPaths(prefix string, paired bool) (kept, dups []string) {
	mates := []string{"R1"}
	if paired {
		mates = append(mates, "R2")
	}
	for _, m := range mates {
		kept = append(kept, fmt.Sprintf("%s_%s.fastq.gz", prefix, m))
		dups = append(dups, fmt.Sprintf("%s_%s_optical_duplicates.fastq.gz", prefix, m))
	}
	return
}

// SplitDuplicates reads the output of clumpify from in and routes each read
// according to the duplicate mark on its ID line: marked reads go to
// <prefix>_R1_optical_duplicates.fastq.gz, others to <prefix>_R1.fastq.gz.
// When paired, in is interleaved, the R1 mark decides for the whole pair,
// and mates go to the matching _R2 files. The mark is removed from the
// written reads. The counts are written, tab-separated, to StatsPath(prefix).
func SplitDuplicates(ctx context.Context, in string, paired bool, prefix string) (stats DuplicateStats, err error) {
	src, err := Open(ctx, in)
	if err != nil {
		return stats, err
	}
	defer func() {
		if e := src.Close(); e != nil && err == nil {
			err = e
		}
	}()
	keptPaths, dupPaths := SplitPaths(prefix, paired)
	var files []*OutFile
	open := func(paths []string) []*Writer {
		var ws []*Writer
		for _, p := range paths {
			if err != nil {
				return nil
			}
			var f *OutFile
			if f, err = Create(ctx, p); err != nil {
				return nil
			}
			files = append(files, f)
			ws = append(ws, NewWriter(f))
		}
		return ws
	}
	kept, dups := open(keptPaths), open(dupPaths)
	defer func() {
		// Outputs still open here belong to a failed split.
		for _, f := range files {
			f.Discard()
		}
	}()
	if err != nil {
		return stats, err
	}

	var r1, r2 Read
	if paired {
		sc := NewInterleavedScanner(src, All)
		for sc.Scan(&r1, &r2) {
			out := kept
			if r1.Duplicate() {
				out = dups
				stats.Duplicates++
			}
			r1.ClearDuplicate()
			r2.ClearDuplicate()
			if err := out[0].Write(&r1); err != nil {
				return stats, err
			}
			if err := out[1].Write(&r2); err != nil {
				return stats, err
			}
			stats.Total++
		}
		err = sc.Err()
	} else {
		sc := NewScanner(src, All)
		for sc.Scan(&r1) {
			out := kept
			if r1.Duplicate() {
				out = dups
				stats.Duplicates++
			}
			r1.ClearDuplicate()
			if err := out[0].Write(&r1); err != nil {
				return stats, err
			}
			stats.Total++
		}
		err = sc.Err()
	}
	if err != nil {
		return stats, errors.E(err, "split", in)
	}
	// The counts file marks completion, so the reads must be in place
	// before it is written.
	var once errors.Once
	for _, f := range files {
		once.Set(f.Close())
	}
	files = nil
	if err := once.Err(); err != nil {
		for _, p := range append(keptPaths, dupPaths...) {
			file.Remove(ctx, p)
		}
		return stats, err
	}
	log.Debug.Printf("%s: %d of %d duplicates", in, stats.Duplicates, stats.Total)
	return stats, writeStats(ctx, StatsPath(prefix), stats)
}

func writeStats(ctx context.Context, path string, stats DuplicateStats) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(f.Writer(ctx), "%d\t%d\n", stats.Duplicates, stats.Total); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

// ReadStats parses a file written by SplitDuplicates.
func ReadStats(ctx context.Context, path string) (DuplicateStats, error) {
	data, err := file.ReadFile(ctx, path)
	if err != nil {
		return DuplicateStats{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return DuplicateStats{}, errors.E(errors.Invalid, path, "want two counts")
	}
	var s DuplicateStats
	if s.Duplicates, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return s, errors.E(errors.Invalid, err, path)
	}
	if s.Total, err = strconv.ParseInt(fields[1], 10, 64); err != nil {
		return s, errors.E(errors.Invalid, err, path)
	}
	return s, nil
}
