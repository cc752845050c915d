package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const testINI = `
[Paths]
baseDir = /data/runs
outputDir = /data/output
seqFacDir = /data/seqfac

[Options]
sleepTime = 0.5
minSpace = 100
postMakeThreads = 8
index_mask =

[bcl2fastq]
bcl2fastq = /usr/bin/bcl2fastq
bcl2fastq_options = --no-lane-splitting

[lib]
exceptions = scATAC, 10xATAC

[LibraryTypes]
Project_A = scATAC
`

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "bcl2fastq.ini")
	assert.NoError(t, ioutil.WriteFile(path, []byte(testINI), 0644))

	c, err := Load(path)
	assert.NoError(t, err)
	expect.EQ(t, c.Path(), path)
	expect.EQ(t, c.Get("Paths", "baseDir"), "/data/runs")
	// Option names are case insensitive, like Python's configparser.
	expect.EQ(t, c.Get("Paths", "BASEDIR"), "/data/runs")
	expect.EQ(t, c.Get("bcl2fastq", "bcl2fastq_options"), "--no-lane-splitting")
	expect.EQ(t, c.Get("Nope", "x"), "")
	expect.True(t, c.Has("Options", "index_mask"))
	expect.False(t, c.Has("Options", "nope"))
	expect.EQ(t, c.List("lib", "exceptions", ","), []string{"scATAC", "10xATAC"})
	expect.EQ(t, c.Sections(), []string{"Paths", "Options", "bcl2fastq", "lib", "LibraryTypes"})
}

func TestImmutable(t *testing.T) {
	c := New(map[string]map[string]string{"Paths": {"baseDir": "/a"}})
	sec := c.Section("Paths")
	sec["basedir"] = "/b"
	expect.EQ(t, c.Get("Paths", "baseDir"), "/a")

	names := c.Sections()
	names[0] = "Other"
	expect.EQ(t, c.Sections(), []string{"Paths"})
}

func TestTypedGetters(t *testing.T) {
	c := New(map[string]map[string]string{
		"Options": {"n": "3", "f": "1.5", "b": "yes", "h": "2", "d": "90m", "bad": "x"},
	})
	n, err := c.Int("Options", "n", 0)
	assert.NoError(t, err)
	expect.EQ(t, n, 3)
	n, err = c.Int("Options", "missing", 7)
	assert.NoError(t, err)
	expect.EQ(t, n, 7)
	_, err = c.Int("Options", "bad", 0)
	expect.NotNil(t, err)

	f, err := c.Float("Options", "f", 0)
	assert.NoError(t, err)
	expect.EQ(t, f, 1.5)

	b, err := c.Bool("Options", "b", false)
	assert.NoError(t, err)
	expect.True(t, b)

	h, err := c.Hours("Options", "h", 0)
	assert.NoError(t, err)
	expect.EQ(t, h, 2*time.Hour)
	h, err = c.Hours("Options", "d", 0)
	assert.NoError(t, err)
	expect.EQ(t, h, 90*time.Minute)
}

func TestOptions(t *testing.T) {
	c, err := Parse([]byte(testINI))
	assert.NoError(t, err)
	o, err := c.Options()
	assert.NoError(t, err)
	expect.EQ(t, o.BaseDir, "/data/runs")
	expect.EQ(t, o.LogDir, "/data/output")
	expect.EQ(t, o.SleepTime, 30*time.Minute)
	expect.EQ(t, o.MinSpaceGiB, 100.0)
	expect.EQ(t, o.PostMakeThreads, 8)
	expect.EQ(t, o.DeduplicateInstances, 2)
	expect.EQ(t, o.IndexMask, "")
	expect.EQ(t, o.CompletionMarker, "RTAComplete.txt")
	expect.EQ(t, o.SampleSheetGlob, "SampleSheet*.csv")
	expect.EQ(t, o.ExceptionPatterns, []string{"I8,Y16", "I8,Y24"})
	expect.EQ(t, o.MinRatio, 2.0)
	expect.EQ(t, o.MaxClusters, 1000000)
	expect.EQ(t, o.MergedLaneInstruments, []string{"NextSeq", "MiniSeq", "MiSeq"})
	expect.True(t, len(o.ExceptionFlags) > 5)
}

func TestOptionsValidation(t *testing.T) {
	c := New(map[string]map[string]string{"Paths": {"baseDir": "/a"}})
	_, err := c.Options()
	expect.NotNil(t, err)

	c = New(map[string]map[string]string{
		"Paths":   {"baseDir": "/a", "outputDir": "/b"},
		"Options": {"postMakeThreads": "0"},
	})
	_, err = c.Options()
	expect.NotNil(t, err)

	c = New(map[string]map[string]string{
		"Paths":   {"baseDir": "/a", "outputDir": "/b"},
		"Options": {"postMakeThreads": "many"},
	})
	_, err = c.Options()
	expect.NotNil(t, err)
}
