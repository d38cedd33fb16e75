package blobs

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirBlobstore keeps archives in a local or mounted directory.
type DirBlobstore struct {
	Root string
}

var _ Blobstore = (*DirBlobstore)(nil)

func (s *DirBlobstore) path(info BlobInfo) string {
	return filepath.Join(s.Root, info.objectName())
}

func (s *DirBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	dst := s.path(info)
	if _, err := os.Stat(dst); err == nil {
		klog.FromContext(ctx).V(2).Info("compiled graph already stored", "path", dst)
		return nil
	}
	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer src.Close()
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", s.Root)
	}
	_, err = writeFile(ctx, src, dst)
	return err
}

func (s *DirBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	src, err := os.Open(s.path(info))
	if os.IsNotExist(err) {
		return errNotExist(s.path(info))
	}
	if err != nil {
		return errors.Wrap(err, "open stored archive")
	}
	defer src.Close()
	_, err = writeFile(ctx, src, destPath)
	return err
}
