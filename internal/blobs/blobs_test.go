package blobs

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/graphrt/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeArchive writes a minimal archive holding only graph metadata.
func writeArchive(t *testing.T, dir, hash string) string {
	t.Helper()
	path := filepath.Join(dir, hash+"-src.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	w, err := zw.Create("meta.json")
	require.NoError(t, err)
	_, err = w.Write([]byte(`{"schema_version": 1, "num_kernels": 0, "graph_hash": "` + hash + `"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return path
}

func TestOpen(t *testing.T) {
	tests := []struct {
		location string
		want     Blobstore
	}{
		{"gs://bucket", &GCSBlobstore{Bucket: "bucket"}},
		{"gs://bucket/graphs/prod/", &GCSBlobstore{Bucket: "bucket", Prefix: "graphs/prod"}},
		{"file:///srv/graphs", &DirBlobstore{Root: filepath.FromSlash("/srv/graphs")}},
		{"/srv/graphs", &DirBlobstore{Root: "/srv/graphs"}},
		{"graphs", &DirBlobstore{Root: "graphs"}},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			got, err := Open(tt.location)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Open("s3://bucket")
	assert.ErrorIs(t, err, errs.ErrUsage)
	_, err = Open("gs:///prefix")
	assert.ErrorIs(t, err, errs.ErrUsage)
}

func TestObjectKey(t *testing.T) {
	info := BlobInfo{Hash: "0123456789abcdef"}
	assert.Equal(t, "0123456789abcdef.zip", objectKey("", info))
	assert.Equal(t, "graphs/0123456789abcdef.zip", objectKey("graphs", info))
}

func TestPushFetch(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	store := &DirBlobstore{Root: filepath.Join(t.TempDir(), "store")}
	src := writeArchive(t, work, "feedfacecafebeef")

	info, err := Push(ctx, store, src)
	require.NoError(t, err)
	assert.Equal(t, "feedfacecafebeef", info.Hash)
	assert.FileExists(t, filepath.Join(store.Root, "feedfacecafebeef.zip"))

	// Pushing again is a no-op.
	_, err = Push(ctx, store, src)
	require.NoError(t, err)

	dest := t.TempDir()
	got, err := Fetch(ctx, store, "feedfacecafebeef", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "feedfacecafebeef.zip"), got)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, want, data)
}

func TestFetchMissing(t *testing.T) {
	store := &DirBlobstore{Root: t.TempDir()}
	_, err := Fetch(context.Background(), store, "0000000000000000", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFetchRejectsWrongHash(t *testing.T) {
	ctx := context.Background()
	store := &DirBlobstore{Root: t.TempDir()}
	src := writeArchive(t, t.TempDir(), "1111111111111111")
	require.NoError(t, store.Upload(ctx, src, BlobInfo{Hash: "2222222222222222"}))

	dest := filepath.Join(t.TempDir(), "graph.zip")
	_, err := Fetch(ctx, store, "2222222222222222", dest)
	assert.ErrorIs(t, err, errs.ErrCorruptArchive)
	assert.NoFileExists(t, dest)
}

func TestPushRejectsDirectory(t *testing.T) {
	_, err := Push(context.Background(), &DirBlobstore{Root: t.TempDir()}, t.TempDir())
	assert.ErrorIs(t, err, errs.ErrUsage)
}
