package stages

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	projectPrefix = "Project_"
	samplePrefix  = "Sample_"
	fastqSuffix   = ".fastq.gz"
)

// Directories the demultiplexer writes next to the projects.
var notProjects = map[string]bool{
	"Reports": true,
	"Stats":   true,
	"InterOp": true,
}

// demuxName matches the file names the demultiplexer gives to reads:
// <sample>_S<n>[_L<lane>]_<read>_001.fastq.gz.
var demuxName = regexp.MustCompile(`^(.+?)(?:_S[0-9]+)?(_L[0-9]{3})?_([RI][123])_[0-9]{3}\.fastq\.gz$`)

var laneSuffix = regexp.MustCompile(`_L[0-9]{3}$`)

// FileName returns the normalized name of a FASTQ file: the sample number
// and the chunk number are dropped, so that "A_S1_R1_001.fastq.gz" becomes
// "A_R1.fastq.gz". Names already normalized are returned unchanged.
func FileName(name string) string {
	if strings.HasPrefix(name, "Undetermined_") {
		return name
	}
	return demuxName.ReplaceAllString(name, "${1}${2}_${3}"+fastqSuffix)
}

// Rename normalizes the demultiplexer's output in groupDir: project
// directories get a "Project_" prefix and are then renamed by
// RenameProject.
func Rename(ctx context.Context, groupDir string) error {
	entries, err := ioutil.ReadDir(groupDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || notProjects[name] || strings.HasPrefix(name, fastqcPrefix) {
			continue
		}
		dir := filepath.Join(groupDir, name)
		if !strings.HasPrefix(name, projectPrefix) {
			to := filepath.Join(groupDir, projectPrefix+name)
			if err := move(dir, to); err != nil {
				return err
			}
			dir = to
		}
		if err := RenameProject(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// RenameProject normalizes the sample directories and FASTQ names of a
// project directory. Reads the demultiplexer wrote straight into the
// project directory are moved into a sample directory named after them.
func RenameProject(ctx context.Context, projectDir string) error {
	entries, err := ioutil.ReadDir(projectDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(projectDir, name)
		switch {
		case e.IsDir():
			if !strings.HasPrefix(name, samplePrefix) {
				to := filepath.Join(projectDir, samplePrefix+name)
				if err := move(path, to); err != nil {
					return err
				}
				path = to
			}
			if err := renameReads(path); err != nil {
				return err
			}
		case strings.HasSuffix(name, fastqSuffix):
			base := FileName(name)
			sample := filepath.Join(projectDir, samplePrefix+sampleName(base))
			if err := os.MkdirAll(sample, 0755); err != nil {
				return err
			}
			if err := move(path, filepath.Join(sample, base)); err != nil {
				return err
			}
		}
	}
	log.Debug.Printf("%s: renamed", projectDir)
	return nil
}

func renameReads(sampleDir string) error {
	paths, err := glob(sampleDir, "*"+fastqSuffix)
	if err != nil {
		return err
	}
	for _, path := range paths {
		name := filepath.Base(path)
		if to := FileName(name); to != name {
			if err := move(path, filepath.Join(sampleDir, to)); err != nil {
				return err
			}
		}
	}
	return nil
}

// sampleName returns the sample part of a normalized FASTQ name.
func sampleName(name string) string {
	name = strings.TrimSuffix(name, fastqSuffix)
	if i := strings.LastIndex(name, "_"); i > 0 {
		name = name[:i]
	}
	return laneSuffix.ReplaceAllString(name, "")
}

// move renames from to to, refusing to overwrite an existing file.
func move(from, to string) error {
	if _, err := os.Lstat(to); err == nil {
		return errors.E(errors.Exists, "rename", from, "to", to)
	}
	return os.Rename(from, to)
}
