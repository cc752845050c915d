// Package mask derives the demultiplexer's base-usage mask for a lane group.
package mask

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/samplesheet"
)

// Mask is a resolved demultiplexing parameterization.
type Mask struct {
	// Bases is the base-usage mask, such as "Y151,I6nn,I8,Y151". It is
	// empty when the demultiplexer's default applies.
	Bases string
	// Lanes restricts demultiplexing to these lanes; empty means all.
	Lanes []int
	// Exception is set when a structural exception template was used. The
	// demultiplexer's default options do not apply then.
	Exception bool
	// Flags are extra demultiplexer flags of the exception path.
	Flags []string
}

// Tiles renders the lane restriction as "s_1,s_2", or "".
func (m Mask) Tiles() string {
	parts := make([]string, len(m.Lanes))
	for i, l := range m.Lanes {
		parts[i] = fmt.Sprintf("s_%d", l)
	}
	return strings.Join(parts, ",")
}

// Args renders the mask as demultiplexer arguments.
func (m Mask) Args() []string {
	var args []string
	if m.Bases != "" {
		args = append(args, "--use-bases-mask", m.Bases)
	}
	if len(m.Lanes) > 0 {
		args = append(args, "--tiles", m.Tiles())
	}
	return append(args, m.Flags...)
}

func (m Mask) String() string { return strings.Join(m.Args(), " ") }

// Planner computes masks.
type Planner struct {
	// Override, when set, is used verbatim as the base-usage mask.
	Override string
	// Exceptions lists the library types handled by the exception template.
	Exceptions []string
	// ExceptionPatterns are the read structures, such as "I8,Y16", that the
	// exception template applies to.
	ExceptionPatterns []string
	// ExceptionFlags are passed to the demultiplexer on the exception path.
	ExceptionFlags []string
	// LibraryTypes maps project names to library types.
	LibraryTypes map[string]string
}

// Plan computes the mask for g over the run's read structure.
func (p Planner) Plan(runID string, reads runinfo.ReadStructure, g *samplesheet.LaneGroup) Mask {
	m := Mask{Lanes: g.Lanes}
	switch {
	case p.Override != "":
		m.Bases = p.Override
	case g.Implicit():
		// No sample sheet: the demultiplexer reads every cycle.
	default:
		if template, ok := p.exception(runID, reads, g); ok {
			m.Bases = template
			m.Exception = true
			m.Flags = p.ExceptionFlags
			return m
		}
		m.Bases = Generic(runID, reads, g.Key)
	}
	return m
}

// libraryType returns the library type of project. Project names are
// compared case-insensitively, before and after sanitizing.
func (p Planner) libraryType(project string) string {
	if t, ok := p.LibraryTypes[project]; ok {
		return t
	}
	for k, t := range p.LibraryTypes {
		if strings.EqualFold(k, project) || strings.EqualFold(samplesheet.Sanitize(k), samplesheet.Sanitize(project)) {
			return t
		}
	}
	return ""
}

func (p Planner) exception(runID string, reads runinfo.ReadStructure, g *samplesheet.LaneGroup) (string, bool) {
	if len(p.Exceptions) == 0 {
		return "", false
	}
	var libType string
	for _, project := range g.Projects() {
		t := p.libraryType(project)
		for _, exc := range p.Exceptions {
			if t != "" && strings.EqualFold(t, exc) {
				libType = t
			}
		}
	}
	if libType == "" {
		return "", false
	}
	template := Template(reads)
	for _, pattern := range p.ExceptionPatterns {
		if strings.Contains(template, pattern) {
			log.Printf("%s: lane group %v: %s library, using mask template %s", runID, g.Key, libType, template)
			return template, true
		}
	}
	log.Printf("%s: lane group %v: %s library but read structure %s matches no exception pattern",
		runID, g.Key, libType, reads)
	return "", false
}

// Template renders the exception template for reads: the first index read
// is read as an index and every other read, including further index reads,
// as sequence.
func Template(reads runinfo.ReadStructure) string {
	parts := make([]string, len(reads))
	first := true
	for i, r := range reads {
		if r.Indexed && first {
			parts[i] = fmt.Sprintf("I%d", r.NumCycles)
			first = false
			continue
		}
		parts[i] = fmt.Sprintf("Y%d", r.NumCycles)
	}
	return strings.Join(parts, ",")
}

// Generic renders the base-usage mask for barcode lengths key. Sequence
// reads are read in full. Each index read takes the next declared length:
// shorter barcodes read that many cycles and skip the rest, zero-length
// barcodes skip the whole read, and lengths beyond the read are clamped.
// Index reads past the second take length zero.
func Generic(runID string, reads runinfo.ReadStructure, key samplesheet.MaskKey) string {
	lengths := []int{key.I1, key.I2}
	parts := make([]string, len(reads))
	next := 0
	for i, r := range reads {
		if !r.Indexed {
			parts[i] = fmt.Sprintf("Y%d", r.NumCycles)
			continue
		}
		n := 0
		if next < len(lengths) {
			n = lengths[next]
		}
		next++
		switch {
		case n <= 0:
			parts[i] = strings.Repeat("n", r.NumCycles)
		case n < r.NumCycles:
			parts[i] = fmt.Sprintf("I%d%s", n, strings.Repeat("n", r.NumCycles-n))
		default:
			if n > r.NumCycles {
				log.Printf("%s: barcode length %d exceeds index read %d of %d cycles; clamping",
					runID, n, r.Number, r.NumCycles)
			}
			parts[i] = fmt.Sprintf("I%d", r.NumCycles)
		}
	}
	return strings.Join(parts, ",")
}
