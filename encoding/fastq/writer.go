package fastq

import "io"

// Writer writes FASTQ records. Each record reaches the underlying writer in
// a single Write call.
type Writer struct {
	w   io.Writer
	buf []byte
	n   int64
	err error
}

// NewWriter returns a Writer that writes records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes the read r in FASTQ format. An empty line 3 is written as
// "+". Once a write fails, Write keeps returning that error.
func (w *Writer) Write(r *Read) error {
	if w.err != nil {
		return w.err
	}
	unk := r.Unk
	if unk == "" {
		unk = "+"
	}
	w.buf = w.buf[:0]
	for _, line := range [...]string{r.ID, r.Seq, unk, r.Qual} {
		w.buf = append(w.buf, line...)
		w.buf = append(w.buf, '\n')
	}
	if _, w.err = w.w.Write(w.buf); w.err == nil {
		w.n++
	}
	return w.err
}

// Count returns the number of records written.
func (w *Writer) Count() int64 { return w.n }
