package fastq_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/encoding/fastq"
)

func records(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(record(string(rune('a'+i%26)), "1", false))
	}
	return b.String()
}

func TestSample(t *testing.T) {
	in := records(1000)
	for _, test := range []struct {
		rate     float64
		min, max int
	}{
		{1.0, 1000, 1000},
		{0.0, 0, 0},
		{0.1, 60, 140},
	} {
		var out bytes.Buffer
		kept, total, err := fastq.Sample(test.rate, 1, strings.NewReader(in), &out)
		assert.NoError(t, err)
		expect.EQ(t, total, 1000)
		expect.True(t, kept >= test.min && kept <= test.max)
		expect.EQ(t, strings.Count(out.String(), "\n"), 4*kept)
	}

	// The subset is a function of the seed.
	var a, b bytes.Buffer
	_, _, err := fastq.Sample(0.5, 7, strings.NewReader(in), &a)
	assert.NoError(t, err)
	_, _, err = fastq.Sample(0.5, 7, strings.NewReader(in), &b)
	assert.NoError(t, err)
	expect.EQ(t, a.String(), b.String())
}

func TestSampleErrors(t *testing.T) {
	var out bytes.Buffer
	_, _, err := fastq.Sample(1.2, 0, strings.NewReader(""), &out)
	expect.NotNil(t, err)

	_, total, err := fastq.Sample(1, 0, strings.NewReader(records(1)+"@x\nAC\n"), &out)
	expect.NotNil(t, err)
	expect.EQ(t, total, 1)
	expect.True(t, strings.Contains(err.Error(), "too few lines in FASTQ record: want 4, got 2"))
}
