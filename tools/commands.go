package tools

import (
	"path/filepath"
	"strconv"

	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/config"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/mask"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/runinfo"
)

// Set assembles command lines from the configured templates.
type Set struct {
	Config  config.Context
	Options config.Options
}

// Bcl2fastq demultiplexes run runID into <outputDir>/<dirName>. sheet is
// the group's sub-sheet, or "" when the run has none. On the exception path
// the configured default options are left out.
func (s Set) Bcl2fastq(runID, dirName, sheet string, m mask.Mask, mismatches int) Command {
	o := s.Options
	var opts string
	if !m.Exception {
		opts = s.Config.Get("bcl2fastq", "bcl2fastq_options")
	}
	var sheetArg string
	if sheet != "" {
		sheetArg = "--sample-sheet " + Quote(sheet)
	}
	var maskArgs []string
	for _, a := range m.Args() {
		maskArgs = append(maskArgs, Quote(a))
	}
	line := Join(
		s.Config.GetDefault("bcl2fastq", "bcl2fastq", "bcl2fastq"),
		opts,
		sheetArg,
		Join(maskArgs...),
		"-o", Quote(filepath.Join(o.OutputDir, dirName)),
		"-R", Quote(filepath.Join(o.BaseDir, runID)),
		"--interop-dir", Quote(filepath.Join(o.InterOpDir, dirName, "InterOp")),
		"--barcode-mismatches", strconv.Itoa(mismatches),
	)
	return Command{
		Name:   "bcl2fastq",
		Line:   line,
		Stdout: filepath.Join(o.LogDir, dirName+".stdout"),
		Stderr: filepath.Join(o.LogDir, dirName+".stderr"),
	}
}

// Clumpify marks optical duplicates of the reads in r1 (and r2, if not
// empty), writing them interleaved to out. The duplicate distance depends on
// the instrument class.
func (s Set) Clumpify(instrument runinfo.Instrument, dir, r1, r2, out string) Command {
	c := s.Config
	dist := c.Get("bbmap", "clumpify_HiSeq3000_dist")
	var extra string
	switch instrument {
	case runinfo.NovaSeq:
		dist = c.Get("bbmap", "clumpify_NovaSeq_dist")
	case runinfo.NextSeq:
		extra = c.Get("bbmap", "clumpify_NextSeq_options")
		dist = c.Get("bbmap", "clumpify_NextSeq_dist")
	}
	var in2 string
	if r2 != "" {
		in2 = "in2=" + Quote(r2)
	}
	var dupedist string
	if dist != "" {
		dupedist = "dupedist=" + dist
	}
	var threads string
	if t := c.Get("bbmap", "clumpify_threads"); t != "" {
		threads = "threads=" + t
	}
	return Command{
		Name: "clumpify",
		Dir:  dir,
		Line: Join(
			c.GetDefault("bbmap", "clumpify_command", "clumpify.sh"),
			"in="+Quote(r1), in2, "out="+Quote(out),
			c.Get("bbmap", "clumpify_options"), extra, dupedist, threads,
		),
	}
}

// FastQC writes the quality report of fastq into outDir.
func (s Set) FastQC(outDir, fastq string) Command {
	return Command{
		Name: "fastqc",
		Line: Join(
			s.Config.GetDefault("FastQC", "fastqc_command", "fastqc"),
			s.Config.Get("FastQC", "fastqc_options"),
			"-o", Quote(outDir), Quote(fastq),
		),
	}
}

// FastqScreen screens the subsampled reads in fastq. Its report is written
// next to the input as <name>_screen.txt.
func (s Set) FastqScreen(fastq string) Command {
	return Command{
		Name: "fastq_screen",
		Dir:  filepath.Dir(fastq),
		Line: Join(
			s.Config.GetDefault("fastq_screen", "fastq_screen_command", "fastq_screen"),
			s.Config.Get("fastq_screen", "fastq_screen_options"),
			Quote(fastq),
		),
	}
}

// MultiQC aggregates the FastQC reports in fastqcDir into projectDir.
func (s Set) MultiQC(projectDir, fastqcDir string) Command {
	return Command{
		Name: "multiqc",
		Dir:  projectDir,
		Line: Join(
			s.Config.GetDefault("MultiQC", "multiqc_command", "multiqc"),
			s.Config.Get("MultiQC", "multiqc_options"),
			Quote(fastqcDir)+"/*/*.zip",
		),
	}
}

// Transfer hands groupDir to the transfer service. ok is false when no
// transfer command is configured.
func (s Set) Transfer(runID, groupDir string) (c Command, ok bool) {
	return s.publish("transfer", "transfer_command", runID, groupDir)
}

// LIMS reports the group to the LIMS. ok is false when no LIMS command is
// configured.
func (s Set) LIMS(runID, groupDir string) (c Command, ok bool) {
	return s.publish("lims", "lims_command", runID, groupDir)
}

func (s Set) publish(name, key, runID, groupDir string) (Command, bool) {
	tmpl := s.Config.Get("Publish", key)
	if tmpl == "" {
		return Command{}, false
	}
	return Command{
		Name: name,
		Line: Join(tmpl, Quote(runID), Quote(groupDir)),
	}, true
}

// Mail returns the configured mail command, which reads a message with
// headers on its standard input. ok is false when mail is not configured.
func (s Set) Mail() (c Command, ok bool) {
	tmpl := s.Config.Get("Email", "command")
	if tmpl == "" {
		return Command{}, false
	}
	return Command{Name: "mail", Line: tmpl}, true
}
