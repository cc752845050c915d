package config

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/grailbio/base/errors"
)

// Options is the typed view of the settings every cycle needs. Command
// templates for external tools stay in the Context and are read by the
// tools package.
type Options struct {
	BaseDir    string `validate:"required"`
	OutputDir  string `validate:"required"`
	LogDir     string `validate:"required"`
	InterOpDir string `validate:"required"`
	SeqFacDir  string

	SleepTime time.Duration `validate:"gt=0"`
	// MinSpaceGiB is the free space needed on OutputDir before a run starts.
	MinSpaceGiB float64 `validate:"gte=0"`
	// PostMakeThreads bounds the FastQC/md5sum/fastq_screen/MultiQC pools.
	PostMakeThreads int `validate:"gte=1"`
	// DeduplicateInstances bounds the clumpify pool.
	DeduplicateInstances int `validate:"gte=1"`
	// IndexMask overrides the derived base-usage mask when non-empty.
	IndexMask string

	CompletionMarker string `validate:"required"`
	RunGlob          string `validate:"required"`
	SampleSheetGlob  string `validate:"required"`
	// SingleLaneThreshold is the physical lane count below which the sample
	// sheet's Lane column is ignored.
	SingleLaneThreshold int `validate:"gte=1"`
	// MergedLaneInstruments lists instrument classes whose lanes are always
	// demultiplexed together.
	MergedLaneInstruments []string

	MaxBarcodeMismatches int `validate:"gte=0,lte=2"`

	// Exceptions lists library types handled by the structural mask
	// templates; ExceptionPatterns are the read structures they apply to.
	Exceptions        []string
	ExceptionPatterns []string
	ExceptionFlags    []string

	// MinRatio is how many times the reverse-complement evidence must
	// exceed the as-declared evidence before index 2 is flipped.
	MinRatio    float64 `validate:"gte=1"`
	MaxClusters int     `validate:"gte=1"`
	MinEvidence int     `validate:"gte=0"`

	SubsampleRate float64 `validate:"gt=0,lte=1"`

	Listen string
}

const defaultExceptionFlags = "--create-fastq-for-index-reads --minimum-trimmed-read-length=8 " +
	"--mask-short-adapter-reads=8 --ignore-missing-positions --ignore-missing-controls " +
	"--ignore-missing-filter --ignore-missing-bcls -r 6 -w 6 -p 30 --no-lane-splitting"

// Options decodes and validates the typed view.
func (c Context) Options() (Options, error) {
	var (
		err  error
		once errors.Once
		o    Options
	)
	o.BaseDir = c.Get("Paths", "baseDir")
	o.OutputDir = c.Get("Paths", "outputDir")
	o.LogDir = c.GetDefault("Paths", "logDir", o.OutputDir)
	o.InterOpDir = c.GetDefault("Paths", "interOpDir", o.OutputDir)
	o.SeqFacDir = c.Get("Paths", "seqFacDir")

	o.SleepTime, err = c.Hours("Options", "sleepTime", time.Hour)
	once.Set(err)
	o.MinSpaceGiB, err = c.Float("Options", "minSpace", 0)
	once.Set(err)
	o.PostMakeThreads, err = c.Int("Options", "postMakeThreads", 4)
	once.Set(err)
	o.DeduplicateInstances, err = c.Int("Options", "deduplicateInstances", 2)
	once.Set(err)
	o.IndexMask = c.Get("Options", "index_mask")
	o.CompletionMarker = c.GetDefault("Options", "completionMarker", "RTAComplete.txt")
	o.RunGlob = c.GetDefault("Options", "runGlob", "*")
	o.SampleSheetGlob = c.GetDefault("Options", "sampleSheetGlob", "SampleSheet*.csv")
	o.SingleLaneThreshold, err = c.Int("Options", "singleLaneThreshold", 2)
	once.Set(err)
	o.MergedLaneInstruments = Split(c.GetDefault("Options", "mergedLaneInstruments", "NextSeq,MiniSeq,MiSeq"), ",")

	o.MaxBarcodeMismatches, err = c.Int("bcl2fastq", "maxBarcodeMismatches", 1)
	once.Set(err)

	o.Exceptions = c.List("lib", "exceptions", ",")
	o.ExceptionPatterns = Split(c.GetDefault("lib", "exceptionPatterns", "I8,Y16;I8,Y24"), ";")
	o.ExceptionFlags = Split(c.GetDefault("lib", "exceptionFlags", defaultExceptionFlags), " ")

	o.MinRatio, err = c.Float("Orientation", "minRatio", 2)
	once.Set(err)
	o.MaxClusters, err = c.Int("Orientation", "maxClusters", 1000000)
	once.Set(err)
	o.MinEvidence, err = c.Int("Orientation", "minEvidence", 0)
	once.Set(err)

	o.SubsampleRate, err = c.Float("fastq_screen", "subsample_rate", 0.05)
	once.Set(err)

	o.Listen = c.Get("Server", "listen")

	if err := once.Err(); err != nil {
		return Options{}, err
	}
	if err := validator.New().Struct(o); err != nil {
		return Options{}, errors.E(errors.Invalid, err, "config", c.path)
	}
	return o, nil
}
