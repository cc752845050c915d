package fastq

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"

	"github.com/pkg/errors"
)

const (
	linesPerRead = 4
)

// Sample copies a random subset of the records of in to out. Each record is
// kept with probability rate, drawn from a source seeded with seed, so the
// same input and seed always yield the same subset. It returns the number of
// records kept and read.
func Sample(rate float64, seed int64, in io.Reader, out io.Writer) (kept, total int, err error) {
	if rate < 0.0 || rate > 1.0 {
		return 0, 0, errors.New("rate must be between 0 and 1 (inclusive)")
	}
	random := rand.New(rand.NewSource(seed))
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64<<10), maxLine)
	w := bufio.NewWriter(out)
	for {
		rec, err := scanRead(scanner)
		if err == io.EOF {
			break
		}
		if err != nil {
			return kept, total, errors.Wrapf(err, "error reading record %d", total+1)
		}
		total++
		if random.Float64() < rate {
			kept++
			if _, err := w.Write(rec); err != nil {
				return kept, total, errors.Wrap(err, "error writing sample")
			}
		}
	}
	return kept, total, errors.Wrap(w.Flush(), "error writing sample")
}

func scanRead(scanner *bufio.Scanner) ([]byte, error) {
	var buffer bytes.Buffer
	for i := 0; i < linesPerRead; i++ {
		if !scanner.Scan() {
			if i == 0 && scanner.Err() == nil {
				// Reached end of input.
				return nil, io.EOF
			}
			if scanner.Err() != nil {
				return nil, scanner.Err()
			}
			return nil, errors.Errorf("too few lines in FASTQ record: want %d, got %d", linesPerRead, i)
		}
		buffer.Write(scanner.Bytes())
		buffer.WriteByte('\n')
	}
	return buffer.Bytes(), nil
}
