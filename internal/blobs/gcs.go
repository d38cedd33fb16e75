package blobs

import (
	"context"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCSBlobstore keeps archives in a Google Cloud Storage bucket.
type GCSBlobstore struct {
	Bucket string
	Prefix string
}

var _ Blobstore = (*GCSBlobstore)(nil)

func (s *GCSBlobstore) url(key string) string {
	return "gs://" + s.Bucket + "/" + key
}

func (s *GCSBlobstore) Upload(ctx context.Context, sourcePath string, info BlobInfo) error {
	log := klog.FromContext(ctx)
	key := objectKey(s.Prefix, info)

	src, err := os.Open(sourcePath)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer src.Close()

	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "create GCS client")
	}
	defer client.Close()

	obj := client.Bucket(s.Bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		log.Info("compiled graph already stored", "url", s.url(key))
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "stat %s", s.url(key))
	}

	log.Info("uploading compiled graph", "source", sourcePath, "url", s.url(key))
	start := time.Now()
	w := obj.NewWriter(ctx)
	w.ContentType = "application/zip"
	n, err := io.Copy(w, src)
	if err != nil {
		w.Close()
		return errors.Wrapf(err, "upload %s", s.url(key))
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "finish upload of %s", s.url(key))
	}
	log.Info("uploaded compiled graph", "url", s.url(key), "bytes", n, "duration", time.Since(start))
	return nil
}

func (s *GCSBlobstore) Download(ctx context.Context, info BlobInfo, destPath string) error {
	log := klog.FromContext(ctx)
	key := objectKey(s.Prefix, info)

	client, err := storage.NewClient(ctx)
	if err != nil {
		return errors.Wrap(err, "create GCS client")
	}
	defer client.Close()

	start := time.Now()
	r, err := client.Bucket(s.Bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errNotExist(s.url(key))
	}
	if err != nil {
		return errors.Wrapf(err, "open %s", s.url(key))
	}
	defer r.Close()

	n, err := writeFile(ctx, r, destPath)
	if err != nil {
		return errors.Wrapf(err, "download %s", s.url(key))
	}
	log.Info("downloaded compiled graph", "url", s.url(key), "destination", destPath,
		"bytes", n, "duration", time.Since(start))
	return nil
}
