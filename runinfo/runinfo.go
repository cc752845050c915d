// Package runinfo describes a sequencer run: its identifier, the instrument
// class that produced it, and its read structure as recorded in RunInfo.xml.
package runinfo

import (
	"context"
	"encoding/xml"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Instrument is an instrument class. Classes differ in BCL layout, tile
// geometry and whether lanes are physically distinct.
type Instrument int

const (
	Unknown Instrument = iota
	HiSeq2500
	HiSeq3000
	HiSeqX
	NovaSeq
	NextSeq
	MiniSeq
	MiSeq
)

var instrumentNames = [...]string{
	Unknown:   "Unknown",
	HiSeq2500: "HiSeq2500",
	HiSeq3000: "HiSeq3000",
	HiSeqX:    "HiSeqX",
	NovaSeq:   "NovaSeq",
	NextSeq:   "NextSeq",
	MiniSeq:   "MiniSeq",
	MiSeq:     "MiSeq",
}

func (i Instrument) String() string {
	if i < 0 || int(i) >= len(instrumentNames) {
		return fmt.Sprintf("Instrument(%d)", int(i))
	}
	return instrumentNames[i]
}

// Patterned reports whether the instrument uses a patterned flow cell, on
// which optical duplicates are removed after conversion.
func (i Instrument) Patterned() bool {
	return i == HiSeq3000 || i == HiSeqX || i == NovaSeq
}

// classify derives the instrument class from the instrument serial embedded
// in a run ID.
func classify(serial string) Instrument {
	switch {
	case strings.HasPrefix(serial, "NB"), strings.HasPrefix(serial, "NS"):
		return NextSeq
	case strings.HasPrefix(serial, "MN"):
		return MiniSeq
	case strings.HasPrefix(serial, "M"):
		return MiSeq
	case strings.HasPrefix(serial, "J"), strings.HasPrefix(serial, "K"):
		return HiSeq3000
	case strings.HasPrefix(serial, "E"), strings.HasPrefix(serial, "ST-E"):
		return HiSeqX
	case strings.HasPrefix(serial, "A"):
		return NovaSeq
	case strings.HasPrefix(serial, "SN"), strings.HasPrefix(serial, "D"), strings.HasPrefix(serial, "C"):
		return HiSeq2500
	}
	return Unknown
}

// ID is a parsed run identifier, such as 170101_J00182_0001_AHXXXXXX.
type ID struct {
	Name       string
	Date       time.Time
	Serial     string
	Number     string
	Flowcell   string
	Instrument Instrument
}

// ParseID parses a run identifier of the form
// YYMMDD_<instrument>_<number>_<flowcell>.
func ParseID(name string) (ID, error) {
	parts := strings.SplitN(name, "_", 4)
	if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return ID{}, errors.E(errors.Invalid, "malformed run ID", name)
	}
	date, err := time.Parse("060102", parts[0])
	if err != nil {
		return ID{}, errors.E(errors.Invalid, err, "malformed run date", name)
	}
	return ID{
		Name:       name,
		Date:       date,
		Serial:     parts[1],
		Number:     parts[2],
		Flowcell:   parts[3],
		Instrument: classify(parts[1]),
	}, nil
}

func (id ID) String() string { return id.Name }

// Run is a discovered sequencer run.
type Run struct {
	ID ID
	// Dir is the run's input directory under baseDir.
	Dir string
	// OutputDir is the pipeline's output root; group directories live
	// beneath it.
	OutputDir string
	// CompletionMarker is the path of the instrument's completion signal.
	CompletionMarker string
	// Info is the run's parsed RunInfo.xml.
	Info Info
}

// Read is one read in acquisition order.
type Read struct {
	Number    int
	NumCycles int
	Indexed   bool
}

// Layout is the flow cell geometry.
type Layout struct {
	LaneCount    int
	SurfaceCount int
	SwathCount   int
	TileCount    int
}

// Info is the subset of RunInfo.xml the pipeline uses.
type Info struct {
	RunID      string
	Flowcell   string
	Instrument string
	Reads      ReadStructure
	Layout     Layout
}

type xmlRead struct {
	Number        int    `xml:"Number,attr"`
	NumCycles     int    `xml:"NumCycles,attr"`
	IsIndexedRead string `xml:"IsIndexedRead,attr"`
}

type xmlRunInfo struct {
	Run struct {
		ID         string    `xml:"Id,attr"`
		Flowcell   string    `xml:"Flowcell"`
		Instrument string    `xml:"Instrument"`
		Reads      []xmlRead `xml:"Reads>Read"`
		Layout     struct {
			LaneCount    int `xml:"LaneCount,attr"`
			SurfaceCount int `xml:"SurfaceCount,attr"`
			SwathCount   int `xml:"SwathCount,attr"`
			TileCount    int `xml:"TileCount,attr"`
		} `xml:"FlowcellLayout"`
	} `xml:"Run"`
}

// ParseInfo parses the contents of a RunInfo.xml file.
func ParseInfo(data []byte) (Info, error) {
	var x xmlRunInfo
	if err := xml.Unmarshal(data, &x); err != nil {
		return Info{}, errors.E(errors.Invalid, err, "parse RunInfo.xml")
	}
	if len(x.Run.Reads) == 0 {
		return Info{}, errors.E(errors.Invalid, "RunInfo.xml lists no reads")
	}
	info := Info{
		RunID:      x.Run.ID,
		Flowcell:   x.Run.Flowcell,
		Instrument: x.Run.Instrument,
		Layout: Layout{
			LaneCount:    x.Run.Layout.LaneCount,
			SurfaceCount: x.Run.Layout.SurfaceCount,
			SwathCount:   x.Run.Layout.SwathCount,
			TileCount:    x.Run.Layout.TileCount,
		},
	}
	for _, r := range x.Run.Reads {
		if r.NumCycles <= 0 {
			return Info{}, errors.E(errors.Invalid, fmt.Sprintf("read %d has %d cycles", r.Number, r.NumCycles))
		}
		info.Reads = append(info.Reads, Read{
			Number:    r.Number,
			NumCycles: r.NumCycles,
			Indexed:   strings.EqualFold(r.IsIndexedRead, "Y"),
		})
	}
	if info.Layout.LaneCount == 0 {
		info.Layout.LaneCount = 1
	}
	return info, nil
}

// ReadInfo reads and parses <runDir>/RunInfo.xml.
func ReadInfo(ctx context.Context, runDir string) (info Info, err error) {
	path := filepath.Join(runDir, "RunInfo.xml")
	f, err := file.Open(ctx, path)
	if err != nil {
		return Info{}, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	data, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return Info{}, errors.E(err, "read", path)
	}
	return ParseInfo(data)
}

// ReadStructure is the ordered list of reads of a run.
type ReadStructure []Read

// IndexReads returns the index reads in acquisition order.
func (s ReadStructure) IndexReads() []Read {
	var out []Read
	for _, r := range s {
		if r.Indexed {
			out = append(out, r)
		}
	}
	return out
}

// IndexOffsets returns the zero-based cycle offset of the first cycle of
// each index read.
func (s ReadStructure) IndexOffsets() []int {
	var (
		out    []int
		offset int
	)
	for _, r := range s {
		if r.Indexed {
			out = append(out, offset)
		}
		offset += r.NumCycles
	}
	return out
}

// String renders the structure as, e.g., "Y151,I8,I8,Y151".
func (s ReadStructure) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		if r.Indexed {
			parts[i] = fmt.Sprintf("I%d", r.NumCycles)
		} else {
			parts[i] = fmt.Sprintf("Y%d", r.NumCycles)
		}
	}
	return strings.Join(parts, ",")
}
