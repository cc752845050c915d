// Package samplesheet parses Illumina sample sheets and partitions their
// samples into lane groups that share one demultiplexing parameterization.
package samplesheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/grailbio/base/errors"
)

// Column names as written to synthesized sheets.
const (
	ColLane    = "Lane"
	ColID      = "Sample_ID"
	ColName    = "Sample_Name"
	ColIndex   = "index"
	ColIndex2  = "index2"
	ColProject = "Sample_Project"
)

// canonical maps the lowercased header spellings seen across sample sheet
// schema versions to the column they denote.
var canonical = map[string]string{
	"lane":           ColLane,
	"sample_id":      ColID,
	"sampleid":       ColID,
	"sample_name":    ColName,
	"samplename":     ColName,
	"index":          ColIndex,
	"index1":         ColIndex,
	"index2":         ColIndex2,
	"sample_project": ColProject,
	"sampleproject":  ColProject,
	"project":        ColProject,
}

// Field is a passthrough column value, such as Description.
type Field struct {
	Name, Value string
}

// Record is one row of a sample sheet's data section.
type Record struct {
	// Lane is the lane number, or 0 if the row names none.
	Lane    int
	ID      string
	Name    string
	Index   string
	Index2  string
	Project string
	// Extra holds the remaining columns in sheet order.
	Extra []Field
}

// Sheet is a parsed sample sheet.
type Sheet struct {
	Path string
	// Preamble holds the lines preceding the data section, with Adapter
	// settings removed so that the demultiplexer does not trim adapters.
	Preamble []string
	// Reads holds the read lengths of the [Reads] block, if any.
	Reads []int
	// Columns is the data header, canonicalized where recognized.
	Columns []string
	Records []Record
	// HasLane tells whether the data header has a Lane column.
	HasLane bool
}

// Parse parses a sample sheet. The data section starts either after a
// "[Data]" line or, in older schema versions, at a header row whose first
// column is Lane or Sample_ID. A sheet without a data section, or whose data
// header lacks an index or sample ID column, is invalid.
func Parse(r io.Reader, path string) (*Sheet, error) {
	data, err := readLatin1(r)
	if err != nil {
		return nil, errors.E(err, "read sample sheet", path)
	}
	s := &Sheet{Path: path}
	var (
		inData, wantHeader bool
		inReads            bool
		colIndex           = map[string]int{}
	)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		fields, err := splitCSV(line)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "sample sheet", path)
		}
		first := ""
		if len(fields) > 0 {
			first = strings.TrimSpace(fields[0])
		}
		section := strings.HasPrefix(first, "[")
		switch {
		case inData && !wantHeader:
			if section {
				inData = false
				s.Preamble = append(s.Preamble, line)
				continue
			}
			if blank(fields) {
				continue
			}
			rec, err := s.record(fields, colIndex)
			if err != nil {
				return nil, errors.E(errors.Invalid, err, "sample sheet", path)
			}
			s.Records = append(s.Records, rec)
		case strings.EqualFold(first, "[Data]"):
			inData, wantHeader, inReads = true, true, false
		case wantHeader || isHeader(first):
			if blank(fields) {
				continue
			}
			s.header(fields, colIndex)
			inData, wantHeader, inReads = true, false, false
		case strings.EqualFold(first, "[Reads]"):
			inReads = true
			s.Preamble = append(s.Preamble, line)
		case section:
			inReads = false
			s.Preamble = append(s.Preamble, line)
		case inReads && !blank(fields):
			if n, err := strconv.Atoi(first); err == nil {
				s.Reads = append(s.Reads, n)
			}
			s.Preamble = append(s.Preamble, line)
		case strings.HasPrefix(first, "Adapter"):
			// Dropped: adapter trimming is disabled.
		default:
			s.Preamble = append(s.Preamble, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(err, "read sample sheet", path)
	}
	if s.Columns == nil {
		return nil, errors.E(errors.Invalid, "no data section in sample sheet", path)
	}
	if _, ok := colIndex[ColIndex]; !ok {
		if _, ok := colIndex[ColID]; !ok {
			return nil, errors.E(errors.Invalid, "sample sheet data header lacks Sample_ID and index", path)
		}
	}
	return s, nil
}

func isHeader(first string) bool {
	switch strings.ToLower(first) {
	case "lane", "sample_id", "sampleid":
		return true
	}
	return false
}

func (s *Sheet) header(fields []string, colIndex map[string]int) {
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name := f
		if c, ok := canonical[strings.ToLower(f)]; ok {
			name = c
		}
		if _, dup := colIndex[name]; dup {
			continue
		}
		colIndex[name] = i
		s.Columns = append(s.Columns, name)
	}
	_, s.HasLane = colIndex[ColLane]
}

func (s *Sheet) record(fields []string, colIndex map[string]int) (Record, error) {
	get := func(col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(fields) {
			return ""
		}
		return strings.TrimSpace(fields[i])
	}
	rec := Record{
		ID:      get(ColID),
		Name:    get(ColName),
		Index:   strings.ToUpper(get(ColIndex)),
		Index2:  strings.ToUpper(get(ColIndex2)),
		Project: get(ColProject),
	}
	if lane := get(ColLane); lane != "" {
		n, err := strconv.Atoi(lane)
		if err != nil || n < 1 {
			return Record{}, errors.E(errors.Invalid, "bad lane number", strconv.Quote(lane))
		}
		rec.Lane = n
	}
	for _, col := range s.Columns {
		switch col {
		case ColLane, ColID, ColName, ColIndex, ColIndex2, ColProject:
			continue
		}
		rec.Extra = append(rec.Extra, Field{col, get(col)})
	}
	return rec, nil
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func splitCSV(line string) ([]string, error) {
	if line == "" {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	fields, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	return fields, err
}

// readLatin1 reads r as UTF-8, falling back to ISO-8859-1 when the input is
// not valid UTF-8.
func readLatin1(r io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	b := buf.Bytes()
	if utf8.Valid(b) {
		return string(b), nil
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes), nil
}

var sanitizer = strings.NewReplacer(
	" ", "_",
	".", "_dot_",
	"+", "_plus_",
	"ö", "oe",
	"Ö", "Oe",
	"ä", "ae",
	"Ä", "Ae",
	"ü", "ue",
	"Ü", "Ue",
	"ß", "sz",
	"&", "_and_",
	"%%", "_percent_",
	"'", "",
)

// Sanitize rewrites a sample sheet value into characters the demultiplexer
// accepts in sample and project names.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
