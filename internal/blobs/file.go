package blobs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// writeFile copies src to a temporary file next to dst and renames it into place.
func writeFile(ctx context.Context, src io.Reader, dst string) (int64, error) {
	log := klog.FromContext(ctx)

	tmp, err := os.CreateTemp(filepath.Dir(dst), "download")
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	done := false
	defer func() {
		if done {
			return
		}
		tmp.Close()
		if err := os.Remove(tmp.Name()); err != nil {
			log.Error(err, "removing temp file", "path", tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, errors.Wrap(err, "copy blob")
	}
	if err := tmp.Close(); err != nil {
		return n, errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, errors.Wrap(err, "rename temp file")
	}
	done = true
	return n, nil
}
