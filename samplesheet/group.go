package samplesheet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/barcode"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/failure"
)

// MaskKey is the pair of barcode lengths shared by the samples of a lane
// group. The zero key means no barcoding.
type MaskKey struct {
	I1, I2 int
}

func (k MaskKey) String() string { return fmt.Sprintf("(%d,%d)", k.I1, k.I2) }

// Orientation is the resolved orientation of a group's second index.
type Orientation int

const (
	Unresolved Orientation = iota
	Forward
	ReverseComplement
)

func (o Orientation) String() string {
	switch o {
	case Forward:
		return "forward"
	case ReverseComplement:
		return "reverse-complement"
	}
	return "unresolved"
}

// LaneGroup is the set of samples of one run that are demultiplexed
// together.
type LaneGroup struct {
	Key MaskKey
	// Lanes is the sorted lane set; empty means all lanes.
	Lanes   []int
	Records []Record
	// Orientation of Index2. It is set once, by Orient.
	Orientation Orientation
	// Sheet is the sheet the group was read from, nil for the implicit
	// unbarcoded group.
	Sheet *Sheet
	// Suffix distinguishes this group's output directory from the run's
	// other groups: "_lanes1_2", or "" for a group covering all lanes.
	Suffix string
}

// Implicit tells whether g is the unbarcoded group used for runs without a
// sample sheet.
func (g *LaneGroup) Implicit() bool { return g.Sheet == nil }

// DirName returns the name of the group's output directory.
func (g *LaneGroup) DirName(runID string) string { return runID + g.Suffix }

// LaneString renders the lane set as "1_2", or "" for all lanes.
func (g *LaneGroup) LaneString() string {
	parts := make([]string, len(g.Lanes))
	for i, l := range g.Lanes {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, "_")
}

// Orient records the orientation of Index2. ReverseComplement rewrites every
// record's Index2. Orient panics if the group was already oriented.
func (g *LaneGroup) Orient(o Orientation) {
	if g.Orientation != Unresolved {
		log.Panicf("lane group %v: orientation already resolved as %v", g.Key, g.Orientation)
	}
	g.Orientation = o
	if o != ReverseComplement {
		return
	}
	for i := range g.Records {
		g.Records[i].Index2 = barcode.ReverseComplement(g.Records[i].Index2)
	}
}

// Projects returns the distinct projects of the group in first-appearance
// order.
func (g *LaneGroup) Projects() []string {
	var (
		seen = map[string]bool{}
		out  []string
	)
	for _, r := range g.Records {
		if r.Project != "" && !seen[r.Project] {
			seen[r.Project] = true
			out = append(out, r.Project)
		}
	}
	return out
}

// Indexes returns each record's index reads, {Index, Index2}, for per-index
// barcode distance checks.
func (g *LaneGroup) Indexes() [][]string {
	out := make([][]string, len(g.Records))
	for i, r := range g.Records {
		out[i] = []string{r.Index, r.Index2}
	}
	return out
}

// Resolver turns the sample sheets of a run directory into lane groups.
type Resolver struct {
	// Glob matches sample sheet file names in the run directory.
	Glob string
	// SingleLaneThreshold is the physical lane count below which the Lane
	// column is ignored.
	SingleLaneThreshold int
	// MergedLaneInstruments names the instrument classes whose Lane column
	// is always ignored.
	MergedLaneInstruments []string
}

// TrackLanes tells whether the Lane column is honored for a run with the
// given lane count and instrument class.
func (r Resolver) TrackLanes(laneCount int, instrument string) bool {
	if laneCount < r.SingleLaneThreshold {
		return false
	}
	for _, m := range r.MergedLaneInstruments {
		if strings.EqualFold(m, instrument) {
			return false
		}
	}
	return true
}

// sheetName matches the names of live sample sheets: SampleSheet.csv and
// numbered or per-lane variants such as SampleSheet_2.csv or
// SampleSheet_L3.csv. Names such as SampleSheet_old.csv are backups.
var sheetName = regexp.MustCompile(`^SampleSheet(_?L?[0-9]+)*\.csv$`)

// Sheets lists the sample sheets in runDir in lexical order. A file must
// match Glob and be named like a live sheet; backups are skipped.
func (r Resolver) Sheets(ctx context.Context, runDir string) ([]string, error) {
	var paths []string
	lister := file.List(ctx, runDir, false)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		ok, err := filepath.Match(r.Glob, filepath.Base(lister.Path()))
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "sample sheet glob", r.Glob)
		}
		if !ok {
			continue
		}
		if !sheetName.MatchString(filepath.Base(lister.Path())) {
			log.Printf("%s: skipping sample sheet backup", lister.Path())
			continue
		}
		paths = append(paths, lister.Path())
	}
	if err := lister.Err(); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Resolve reads the run's sample sheets and groups their records by mask
// key. Unreadable or unparseable sheets are skipped with a warning; when no
// sheet remains, a single implicit unbarcoded group is returned. Lane sets
// that overlap between groups yield a failure.Resolve error.
func (r Resolver) Resolve(ctx context.Context, runDir string, laneCount int, instrument string) ([]*LaneGroup, error) {
	paths, err := r.Sheets(ctx, runDir)
	if err != nil {
		return nil, failure.E(failure.Scan, "list sample sheets", runDir, err)
	}
	var sheets []*Sheet
	for _, path := range paths {
		s, err := readSheet(ctx, path)
		if err != nil {
			log.Error.Printf("ignoring sample sheet %s: %v", path, err)
			continue
		}
		sheets = append(sheets, s)
	}
	return r.Group(sheets, laneCount, instrument)
}

func readSheet(ctx context.Context, path string) (s *Sheet, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	return Parse(f.Reader(ctx), path)
}

// Group partitions the records of sheets by mask key, in order of first
// appearance.
func (r Resolver) Group(sheets []*Sheet, laneCount int, instrument string) ([]*LaneGroup, error) {
	var (
		groups []*LaneGroup
		byKey  = map[MaskKey]*LaneGroup{}
		lanes  = map[MaskKey]map[int]bool{}
		track  = r.TrackLanes(laneCount, instrument)
	)
	for _, s := range sheets {
		for _, rec := range s.Records {
			key := MaskKey{len(rec.Index), len(rec.Index2)}
			g, ok := byKey[key]
			if !ok {
				g = &LaneGroup{Key: key, Sheet: s}
				byKey[key] = g
				lanes[key] = map[int]bool{}
				groups = append(groups, g)
			}
			if !track {
				rec.Lane = 0
			} else if rec.Lane > 0 {
				lanes[key][rec.Lane] = true
			}
			g.Records = append(g.Records, rec)
		}
	}
	if len(groups) == 0 {
		if len(sheets) > 0 {
			log.Printf("sample sheets %s list no samples; using an unbarcoded group", sheets[0].Path)
		}
		return []*LaneGroup{{}}, nil
	}
	for _, g := range groups {
		for l := range lanes[g.Key] {
			g.Lanes = append(g.Lanes, l)
		}
		sort.Ints(g.Lanes)
	}
	if err := checkPartition(groups); err != nil {
		return nil, err
	}
	for _, g := range groups {
		if len(g.Lanes) > 0 {
			g.Suffix = "_lanes" + g.LaneString()
		} else if len(groups) > 1 {
			// Without lane information, groups that all span every lane
			// are told apart by their barcode lengths.
			g.Suffix = fmt.Sprintf("_index%d_%d", g.Key.I1, g.Key.I2)
		}
	}
	return groups, nil
}

// checkPartition verifies that lane sets are either all empty or pairwise
// disjoint and non-empty.
func checkPartition(groups []*LaneGroup) error {
	if len(groups) < 2 {
		return nil
	}
	var empty, tracked int
	owner := map[int]MaskKey{}
	for _, g := range groups {
		if len(g.Lanes) == 0 {
			empty++
			continue
		}
		tracked++
		for _, l := range g.Lanes {
			if k, ok := owner[l]; ok {
				return failure.E(failure.Resolve, "sample sheet",
					fmt.Sprintf("lane %d is shared by barcode lengths %v and %v", l, k, g.Key))
			}
			owner[l] = g.Key
		}
	}
	if empty > 0 && tracked > 0 {
		return failure.E(failure.Resolve, "sample sheet",
			"some barcode length groups name no lane and would overlap the others")
	}
	return nil
}

// Columns returns the columns of g that hold a value in at least one record,
// in output order.
func (g *LaneGroup) Columns() []string {
	var (
		cols    []string
		present = map[string]bool{}
	)
	for _, r := range g.Records {
		if r.Lane > 0 {
			present[ColLane] = true
		}
		for col, v := range map[string]string{
			ColID: r.ID, ColName: r.Name, ColIndex: r.Index, ColIndex2: r.Index2, ColProject: r.Project,
		} {
			if v != "" {
				present[col] = true
			}
		}
	}
	for _, col := range []string{ColLane, ColID, ColName, ColIndex, ColIndex2, ColProject} {
		if present[col] {
			cols = append(cols, col)
		}
	}
	seen := map[string]bool{}
	for _, r := range g.Records {
		for _, f := range r.Extra {
			if f.Value != "" && !seen[f.Name] {
				seen[f.Name] = true
				cols = append(cols, f.Name)
			}
		}
	}
	return cols
}

func (r Record) value(col string) string {
	switch col {
	case ColLane:
		if r.Lane == 0 {
			return ""
		}
		return strconv.Itoa(r.Lane)
	case ColID:
		return r.ID
	case ColName:
		return r.Name
	case ColIndex:
		return r.Index
	case ColIndex2:
		return r.Index2
	case ColProject:
		return r.Project
	}
	for _, f := range r.Extra {
		if f.Name == col {
			return f.Value
		}
	}
	return ""
}

// WriteSheet writes the demultiplexer input sheet for g: the source sheet's
// preamble followed by a [Data] section restricted to the populated columns.
// Values are sanitized.
func WriteSheet(w io.Writer, g *LaneGroup) error {
	bw := bufio.NewWriter(w)
	if g.Sheet != nil {
		for _, line := range g.Sheet.Preamble {
			bw.WriteString(line)
			bw.WriteString("\n")
		}
	}
	cols := g.Columns()
	bw.WriteString("[Data]\n")
	bw.WriteString(strings.Join(cols, ","))
	bw.WriteString("\n")
	row := make([]string, len(cols))
	for _, r := range g.Records {
		for i, col := range cols {
			row[i] = csvQuote(Sanitize(r.value(col)))
		}
		bw.WriteString(strings.Join(row, ","))
		bw.WriteString("\n")
	}
	return bw.Flush()
}

func csvQuote(s string) string {
	if strings.ContainsAny(s, ",\"") {
		return `"` + strings.Replace(s, `"`, `""`, -1) + `"`
	}
	return s
}
