package fastq

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/klauspost/compress/gzip"
)

// InFile is a FASTQ file opened for reading. Compressed files are
// decompressed transparently.
type InFile struct {
	ctx context.Context
	f   file.File
	r   io.Reader
	u   io.ReadCloser
}

// Open opens the FASTQ file at path.
func Open(ctx context.Context, path string) (*InFile, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	in := &InFile{ctx: ctx, f: f, r: f.Reader(ctx)}
	if u := compress.NewReaderPath(in.r, f.Name()); u != nil {
		in.u = u
		in.r = u
	}
	return in, nil
}

// Read implements io.Reader.
func (in *InFile) Read(p []byte) (int, error) { return in.r.Read(p) }

// Close closes the file.
func (in *InFile) Close() error {
	var once errors.Once
	if in.u != nil {
		once.Set(in.u.Close())
	}
	once.Set(in.f.Close(in.ctx))
	return once.Err()
}

// OutFile is a FASTQ file opened for writing. Paths ending in ".gz" are
// gzip-compressed.
type OutFile struct {
	ctx context.Context
	f   file.File
	buf *bufio.Writer
	w   io.Writer
	gz  *gzip.Writer
}

// Create creates the FASTQ file at path. The file appears at path once it
// is closed.
func Create(ctx context.Context, path string) (*OutFile, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	out := &OutFile{ctx: ctx, f: f, buf: bufio.NewWriterSize(f.Writer(ctx), 1<<20)}
	out.w = out.buf
	if strings.HasSuffix(path, ".gz") {
		out.gz = gzip.NewWriter(out.w)
		out.w = out.gz
	}
	return out, nil
}

// Write implements io.Writer.
func (out *OutFile) Write(p []byte) (int, error) { return out.w.Write(p) }

// Close flushes and closes the file.
func (out *OutFile) Close() error {
	var once errors.Once
	if out.gz != nil {
		once.Set(out.gz.Close())
	}
	once.Set(out.buf.Flush())
	once.Set(out.f.Close(out.ctx))
	return once.Err()
}

// Discard abandons the file. Nothing appears at its path.
func (out *OutFile) Discard() {
	out.f.Discard(out.ctx)
}
