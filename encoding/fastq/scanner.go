package fastq

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

var (
	// ErrShort is returned when the input ends inside a record.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when a record's ID line does not start with
	// '@' or its separator line does not start with '+'.
	ErrInvalid = errors.New("invalid FASTQ file")
	// ErrDiscordant is returned when the mates of a pair run out at
	// different records.
	ErrDiscordant = errors.New("discordant FASTQ pairs")
)

// DuplicateTag is appended to the ID line of reads that clumpify marked as
// optical duplicates.
const DuplicateTag = " duplicate"

// Read is one FASTQ record. Unk holds the '+' separator line.
type Read struct {
	ID, Seq, Unk, Qual string
}

// Name returns the read name: the ID line up to the first space, without
// the leading '@'.
func (r *Read) Name() string {
	name := strings.TrimPrefix(r.ID, "@")
	if i := strings.IndexByte(name, ' '); i >= 0 {
		name = name[:i]
	}
	return name
}

// Duplicate reports whether the read was marked as an optical duplicate.
func (r *Read) Duplicate() bool {
	return strings.HasSuffix(r.ID, DuplicateTag)
}

// ClearDuplicate removes the duplicate mark from the ID line.
func (r *Read) ClearDuplicate() {
	r.ID = strings.TrimSuffix(r.ID, DuplicateTag)
}

// Field selects the parts of a record a Scanner fills in.
type Field uint

const (
	ID Field = 1 << iota
	Seq
	Unk
	Qual
	All = ID | Seq | Unk | Qual
)

// maxLine bounds the length of a FASTQ line. Long-read ID lines with
// appended tags exceed bufio's default.
const maxLine = 1 << 20

var errEOF = errors.New("eof")

// Scanner reads FASTQ records line by line. It checks the '@' and '+'
// prefixes but not that sequence and quality agree in length. A Scanner
// must not be shared between goroutines.
type Scanner struct {
	lines  *bufio.Scanner
	fields Field
	err    error
}

// NewScanner returns a Scanner over r that fills the given fields.
func NewScanner(r io.Reader, fields Field) *Scanner {
	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 64<<10), maxLine)
	return &Scanner{lines: lines, fields: fields}
}

// line advances to the next line. The end of input yields atEOF, which is
// errEOF at a record boundary and ErrShort inside one.
func (s *Scanner) line(atEOF error) bool {
	if s.lines.Scan() {
		return true
	}
	if s.err = s.lines.Err(); s.err == nil {
		s.err = atEOF
	}
	return false
}

// field stores the current line into dst if f was requested. When prefix is
// non-zero the line must start with it.
func (s *Scanner) field(f Field, prefix byte, dst *string) bool {
	b := s.lines.Bytes()
	if prefix != 0 && (len(b) == 0 || b[0] != prefix) {
		s.err = ErrInvalid
		return false
	}
	if s.fields&f != 0 {
		*dst = string(b)
	}
	return true
}

// Scan reads the next record into read and reports whether it succeeded.
// Once Scan returns false it keeps doing so; Err then tells an error from
// the end of the input.
func (s *Scanner) Scan(read *Read) bool {
	if s.err != nil {
		return false
	}
	return s.line(errEOF) && s.field(ID, '@', &read.ID) &&
		s.line(ErrShort) && s.field(Seq, 0, &read.Seq) &&
		s.line(ErrShort) && s.field(Unk, '+', &read.Unk) &&
		s.line(ErrShort) && s.field(Qual, 0, &read.Qual)
}

// Err returns the error that stopped Scan, or nil at a clean end of input.
func (s *Scanner) Err() error {
	if s.err == errEOF {
		return nil
	}
	return s.err
}

// PairScanner reads mates from a pair of FASTQ streams, or from one
// interleaved stream.
type PairScanner struct {
	r1, r2 *Scanner
	err    error
}

// NewPairScanner returns a PairScanner over the R1 and R2 streams.
func NewPairScanner(r1, r2 io.Reader, fields Field) *PairScanner {
	return &PairScanner{r1: NewScanner(r1, fields), r2: NewScanner(r2, fields)}
}

// NewInterleavedScanner returns a PairScanner over a stream in which each
// R1 record is directly followed by its mate.
func NewInterleavedScanner(r io.Reader, fields Field) *PairScanner {
	s := NewScanner(r, fields)
	return &PairScanner{r1: s, r2: s}
}

// Scan reads the next pair into r1, r2 and reports whether it succeeded.
func (p *PairScanner) Scan(r1, r2 *Read) bool {
	if p.r1 == p.r2 {
		if !p.r1.Scan(r1) {
			return false
		}
		ok := p.r2.Scan(r2)
		if !ok && p.r2.Err() == nil {
			p.err = ErrDiscordant
		}
		return ok
	}
	ok1, ok2 := p.r1.Scan(r1), p.r2.Scan(r2)
	if ok1 != ok2 {
		p.err = ErrDiscordant
	}
	return ok1 && ok2
}

// Err returns the scanning error, if any. It should be checked after Scan
// returns false.
func (p *PairScanner) Err() error {
	for _, err := range []error{p.r1.Err(), p.r2.Err(), p.err} {
		if err != nil {
			return err
		}
	}
	return nil
}
