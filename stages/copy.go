package stages

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/traverse"
	"github.com/maxplanck-ie/TheWhoTheWhatTheHuh/pipeline"
)

// copyFile copies src to dst. dst appears once it is complete.
func copyFile(ctx context.Context, src, dst string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, "copy", src)
	}
	defer pipeline.Commit(ctx, out, &err)
	_, err = io.Copy(out.Writer(ctx), in.Reader(ctx))
	return err
}

// copyWorkers bounds the number of files copyTree copies at once.
const copyWorkers = 8

// copyTree copies the files below src to the same relative paths below dst.
func copyTree(ctx context.Context, src, dst string) error {
	var paths []string
	lister := file.List(ctx, src, true /*recursive*/)
	for lister.Scan() {
		if !lister.IsDir() {
			paths = append(paths, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		return err
	}
	return traverse.Limit(copyWorkers).Each(len(paths), func(i int) error {
		return copyFile(ctx, paths[i], dst+paths[i][len(src):])
	})
}

// copyIfExists copies src to dst, doing nothing when src does not exist.
func copyIfExists(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return err
	case info.IsDir():
		return copyTree(ctx, src, dst)
	}
	return copyFile(ctx, src, dst)
}

// glob joins parts into a pattern and returns its matches in lexical order.
func glob(parts ...string) ([]string, error) {
	return filepath.Glob(filepath.Join(parts...))
}
