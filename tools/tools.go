// Package tools runs the pipeline's external collaborators: the
// demultiplexer, FastQC, fastq_screen, clumpify, MultiQC, and the transfer,
// LIMS and mail commands. Each is a shell command line assembled from the
// configured templates and judged by its exit status only.
package tools

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Command is one invocation of an external tool.
type Command struct {
	// Name labels the command in logs and errors, e.g. "fastqc".
	Name string
	// Line is the shell command line.
	Line string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Stdin, if set, is fed to the command.
	Stdin io.Reader
	// Stdout and Stderr are log files the command's output is appended to.
	// When empty, output is kept in memory and its tail is reported on
	// failure.
	Stdout, Stderr string
}

func (c Command) String() string {
	if c.Dir != "" {
		return "(cd " + Quote(c.Dir) + " && " + c.Line + ")"
	}
	return c.Line
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, c Command) error
}

// ExecRunner runs commands through "sh -c". Commands run to completion:
// the context is not used to kill them.
type ExecRunner struct{}

// tailSize bounds the captured output included in errors.
const tailSize = 2048

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, c Command) (err error) {
	log.Printf("%s: running %s", c.Name, c)
	cmd := exec.Command("sh", "-c", c.Line)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	var captured bytes.Buffer
	stdout, closeOut, err := logWriter(c.Stdout, &captured)
	if err != nil {
		return errors.E(err, c.Name, "open stdout log")
	}
	defer closeOut(&err)
	stderr, closeErr, err := logWriter(c.Stderr, &captured)
	if err != nil {
		return errors.E(err, c.Name, "open stderr log")
	}
	defer closeErr(&err)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		msg := []string{c.Name, c.Line}
		if tail := lastBytes(captured.Bytes(), tailSize); tail != "" {
			msg = append(msg, "output:", tail)
		}
		return errors.E(err, strings.Join(msg, "\n"))
	}
	return nil
}

// logWriter opens path for appending, or returns buf when path is empty.
func logWriter(path string, buf *bytes.Buffer) (io.Writer, func(*error), error) {
	if path == "" {
		return buf, func(*error) {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, func(errp *error) {
		if err := f.Close(); err != nil && *errp == nil {
			*errp = err
		}
	}, nil
}

func lastBytes(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// Quote quotes s for the shell when it contains anything beyond a
// conservative set of safe characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./=:,+@%", r):
		default:
			safe = false
		}
	}
	if safe {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// Join builds a command line from words, dropping empty ones. Words are
// inserted as is; callers quote paths with Quote.
func Join(words ...string) string {
	var out []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
