// Package report parses the artifacts of a processed lane group into the
// summary sent to operators: contamination and duplication per sample,
// undetermined indices per lane, and free space on the output volume.
package report

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/encoding/fastq"
	"golang.org/x/sys/unix"
)

// screenColumn is the "%One_hit_one_genome" column of fastq_screen output.
const screenColumn = 5

// ignoredGenomes are screened genomes that do not indicate contamination.
var ignoredGenomes = []string{"PhiX", "Adapters", "Vectors", "rRNA"}

// OffSpecies returns the percentage of reads confidently assigned to a
// genome other than the one most reads map to, from fastq_screen output.
func OffSpecies(r io.Reader) (float64, error) {
	var hits []float64
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "Library") ||
			strings.HasPrefix(line, "Genome") || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Split(line, "\t")
		if ignored(fields[0]) {
			continue
		}
		if len(fields) <= screenColumn {
			return 0, errors.E(errors.Invalid, "fastq_screen line", strconv.Quote(line))
		}
		v, err := strconv.ParseFloat(fields[screenColumn], 64)
		if err != nil {
			return 0, errors.E(errors.Invalid, err, "fastq_screen line", strconv.Quote(line))
		}
		hits = append(hits, v)
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	var maxi int
	for i, v := range hits {
		if v > hits[maxi] {
			maxi = i
		}
	}
	var off float64
	for i, v := range hits {
		if i != maxi {
			off += v
		}
	}
	return off, nil
}

func ignored(genome string) bool {
	for _, g := range ignoredGenomes {
		if strings.HasPrefix(genome, g) {
			return true
		}
	}
	return false
}

// DuplicationRate renders the optical duplicate percentage recorded at
// path, or "NA" when the sample was not deduplicated.
func DuplicationRate(ctx context.Context, path string) string {
	s, err := fastq.ReadStats(ctx, path)
	if err != nil || s.Total == 0 {
		return "NA"
	}
	return fmt.Sprintf("%5.2f%%", s.Rate())
}

// Row is one sample of the contamination report.
type Row struct {
	Project string
	Sample  string
	// OffSpecies is the confident off-species percentage.
	OffSpecies float64
	// Duplication is the rendered optical duplicate percentage, or "NA".
	Duplication string
}

// Collect builds the contamination report of the lane group in groupDir
// from the fastq_screen reports and duplicate counts of its samples.
func Collect(ctx context.Context, groupDir string) ([]Row, error) {
	screens, err := filepath.Glob(filepath.Join(groupDir, "Project_*", "Sample_*", "*_screen.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(screens)
	var rows []Row
	for _, path := range screens {
		data, err := file.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		off, err := OffSpecies(strings.NewReader(string(data)))
		if err != nil {
			return nil, errors.E(err, path)
		}
		base := filepath.Base(path)
		rows = append(rows, Row{
			Project:     filepath.Base(filepath.Dir(filepath.Dir(path))),
			Sample:      strings.TrimSuffix(base, "_screen.txt"),
			OffSpecies:  off,
			Duplication: DuplicationRate(ctx, fastq.StatsPath(strings.TrimSuffix(path, "_R1_screen.txt"))),
		})
	}
	return rows, nil
}

// WriteContamination writes rows as a table with a header line.
func WriteContamination(w io.Writer, rows []Row) error {
	out := tsv.NewWriter(w)
	out.WriteString("Project")
	out.WriteString("Sample")
	out.WriteString("confident off-species reads/sample")
	out.WriteString("% Optical Duplicates")
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, r := range rows {
		out.WriteString(r.Project)
		out.WriteString(r.Sample)
		out.WriteString(fmt.Sprintf("%5.2f", r.OffSpecies))
		out.WriteString(r.Duplication)
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

// LaneCount is the undetermined and total cluster count of a lane.
type LaneCount struct {
	Lane         int
	Undetermined int64
	Total        int64
}

func (c LaneCount) String() string {
	var pct float64
	if c.Total > 0 {
		pct = 100 * float64(c.Undetermined) / float64(c.Total)
	}
	return fmt.Sprintf("Lane %d: %d of %d reads/pairs had undetermined indices (%5.2f%%)",
		c.Lane, c.Undetermined, c.Total, pct)
}

type demuxStats struct {
	Flowcells []struct {
		Projects []struct {
			Name    string `xml:"name,attr"`
			Samples []struct {
				Name     string `xml:"name,attr"`
				Barcodes []struct {
					Name  string `xml:"name,attr"`
					Lanes []struct {
						Number       int   `xml:"number,attr"`
						BarcodeCount int64 `xml:"BarcodeCount"`
					} `xml:"Lane"`
				} `xml:"Barcode"`
			} `xml:"Sample"`
		} `xml:"Project"`
	} `xml:"Flowcell"`
}

// lanes returns the per-lane counts of project's "all" sample.
func (s *demuxStats) lanes(project string) map[int]int64 {
	counts := map[int]int64{}
	for _, fc := range s.Flowcells {
		for _, p := range fc.Projects {
			if p.Name != project {
				continue
			}
			for _, smp := range p.Samples {
				if smp.Name != "all" || len(smp.Barcodes) == 0 {
					continue
				}
				bc := smp.Barcodes[0]
				for _, b := range smp.Barcodes {
					if b.Name == "all" {
						bc = b
					}
				}
				for _, l := range bc.Lanes {
					counts[l.Number] += l.BarcodeCount
				}
			}
		}
	}
	return counts
}

// Undetermined reads the demultiplexer's DemultiplexingStats.xml and returns
// the lanes with clusters, in order. Undetermined clusters are those of
// project "default"; totals are those of project "all".
func Undetermined(r io.Reader) ([]LaneCount, error) {
	var s demuxStats
	if err := xml.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.E(errors.Invalid, err, "DemultiplexingStats.xml")
	}
	undetermined, totals := s.lanes("default"), s.lanes("all")
	var out []LaneCount
	for lane, total := range totals {
		if total == 0 {
			continue
		}
		out = append(out, LaneCount{Lane: lane, Undetermined: undetermined[lane], Total: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lane < out[j].Lane })
	return out, nil
}

// Usage is the size and free space of a volume in GiB.
type Usage struct {
	Total, Free float64
}

func (u Usage) String() string {
	var pct float64
	if u.Total > 0 {
		pct = 100 * u.Free / u.Total
	}
	return fmt.Sprintf("Current free space: %d of %d gigs (%5.2f%%)", int64(u.Free), int64(u.Total), pct)
}

const gib = 1 << 30

// DiskUsage returns the usage of the volume holding path.
func DiskUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, errors.E(err, "statfs", path)
	}
	bs := float64(st.Bsize)
	return Usage{
		Total: float64(st.Blocks) * bs / gib,
		Free:  float64(st.Bavail) * bs / gib,
	}, nil
}

// Summary renders the operator summary of a lane group: free space,
// undetermined indices per lane, and the contamination table.
func Summary(u Usage, lanes []LaneCount, rows []Row) (string, error) {
	var b strings.Builder
	b.WriteString(u.String())
	b.WriteString("\n")
	for _, l := range lanes {
		b.WriteString("\n")
		b.WriteString(l.String())
	}
	b.WriteString("\n\n")
	if err := WriteContamination(&b, rows); err != nil {
		return "", err
	}
	return b.String(), nil
}
