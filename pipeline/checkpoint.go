package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Checkpoint records completed stages.
type Checkpoint interface {
	// Done tells whether stage has completed.
	Done(ctx context.Context, stage string) (bool, error)
	// Mark records that stage has completed. Marking a completed stage is
	// a no-op.
	Mark(ctx context.Context, stage string) error
}

// PublishedMarker is the file marking a published lane group, in its
// output directory, and a fully processed run, in the run's output
// directory.
const PublishedMarker = "fastq.made"

// LegacyMarker marks runs processed by earlier pipelines.
const LegacyMarker = "casava.finished"

// FileCheckpoint keeps one marker file per stage in Dir: <stage>.done, and
// PublishedMarker for the publish stage.
type FileCheckpoint struct {
	Dir string
}

// Path returns the marker file of stage.
func (c FileCheckpoint) Path(stage string) string {
	if stage == Publish {
		return filepath.Join(c.Dir, PublishedMarker)
	}
	return filepath.Join(c.Dir, stage+".done")
}

// Done implements Checkpoint.
func (c FileCheckpoint) Done(ctx context.Context, stage string) (bool, error) {
	return Exists(ctx, c.Path(stage))
}

// Mark implements Checkpoint. An existing marker is left untouched.
func (c FileCheckpoint) Mark(ctx context.Context, stage string) (err error) {
	path := c.Path(stage)
	if ok, err := Exists(ctx, path); err != nil || ok {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create marker", path)
	}
	defer Commit(ctx, f, &err)
	_, err = fmt.Fprintf(f.Writer(ctx), "%s\n", time.Now().Format(time.RFC3339))
	return err
}

// Exists tells whether path exists.
func Exists(ctx context.Context, path string) (bool, error) {
	_, err := file.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err) || errors.Is(errors.NotExist, err):
		return false, nil
	default:
		return false, err
	}
}

// Commit finishes a file opened with file.Create. When *err is nil the file
// is closed, which makes it appear at its path, and a close error is stored
// in *err. Otherwise the partial file is discarded, so an existing artifact
// is always a complete one.
func Commit(ctx context.Context, f file.File, err *error) {
	if *err != nil {
		f.Discard(ctx)
		return
	}
	*err = f.Close(ctx)
}
