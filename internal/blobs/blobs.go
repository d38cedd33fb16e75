// Package blobs stores compiled graph archives in remote or local blob stores,
// keyed by graph hash.
package blobs

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/born-ml/graphrt/internal/archive"
	"github.com/born-ml/graphrt/internal/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BlobInfo identifies a stored archive.
type BlobInfo struct {
	Hash string
}

// objectName is the name of the archive of info inside a store.
func (info BlobInfo) objectName() string {
	return info.Hash + ".zip"
}

// BlobReader downloads archives.
type BlobReader interface {
	// Download writes the archive to destPath. A missing archive is reported with
	// an error matching os.ErrNotExist.
	Download(ctx context.Context, info BlobInfo, destPath string) error
}

// Blobstore uploads and downloads archives.
type Blobstore interface {
	BlobReader
	// Upload stores the file at sourcePath under info. Uploading a hash that is
	// already stored does nothing.
	Upload(ctx context.Context, sourcePath string, info BlobInfo) error
}

// Open returns the store named by location: gs://bucket/prefix for Google Cloud
// Storage, otherwise a local directory (optionally as a file:// URL).
func Open(location string) (Blobstore, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return &DirBlobstore{Root: location}, nil
	}
	switch u.Scheme {
	case "gs":
		if u.Host == "" {
			return nil, errs.Usagef("open blob store", "no bucket in %q", location)
		}
		return &GCSBlobstore{Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		return &DirBlobstore{Root: filepath.FromSlash(u.Path)}, nil
	default:
		return nil, errs.Usagef("open blob store", "unsupported scheme %q", u.Scheme)
	}
}

// Push uploads the archive at archivePath under its graph hash.
func Push(ctx context.Context, store Blobstore, archivePath string) (BlobInfo, error) {
	if fi, err := os.Stat(archivePath); err == nil && fi.IsDir() {
		return BlobInfo{}, errs.Usagef("push", "%s is a directory, save it as an archive first", archivePath)
	}
	meta, err := archive.ReadMeta(archivePath)
	if err != nil {
		return BlobInfo{}, err
	}
	info := BlobInfo{Hash: meta.GraphHash}
	if err := store.Upload(ctx, archivePath, info); err != nil {
		return BlobInfo{}, err
	}
	klog.FromContext(ctx).V(2).Info("pushed compiled graph", "path", archivePath, "hash", info.Hash)
	return info, nil
}

// Fetch downloads the archive of the graph with the given hash. If dest is a
// directory the archive is written to dest/<hash>.zip. The downloaded archive
// must carry the requested hash. Fetch returns the path written.
func Fetch(ctx context.Context, store BlobReader, hash, dest string) (string, error) {
	info := BlobInfo{Hash: hash}
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, info.objectName())
	}
	if err := store.Download(ctx, info, dest); err != nil {
		return "", err
	}
	meta, err := archive.ReadMeta(dest)
	if err != nil {
		os.Remove(dest)
		return "", err
	}
	if meta.GraphHash != hash {
		os.Remove(dest)
		return "", &errs.CorruptArchiveError{Path: dest,
			Reason: "archive holds graph " + meta.GraphHash + ", expected " + hash}
	}
	klog.FromContext(ctx).V(2).Info("fetched compiled graph", "hash", hash, "path", dest)
	return dest, nil
}

// objectKey joins a store prefix and an object name.
func objectKey(prefix string, info BlobInfo) string {
	if prefix == "" {
		return info.objectName()
	}
	return path.Join(prefix, info.objectName())
}

// errNotExist marks a missing blob.
func errNotExist(location string) error {
	return errors.Wrapf(os.ErrNotExist, "blob %s not found", location)
}
