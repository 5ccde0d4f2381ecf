package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// BlobStore keeps audio copies under <root>/<recordID>/<sha256>.<ext>.
type BlobStore struct {
	fs   afero.Fs
	root string
	// source is where capture files are read from; it may differ from fs in tests.
	source afero.Fs
}

func NewBlobStore(fs afero.Fs, root string) *BlobStore {
	return &BlobStore{fs: fs, root: root, source: fs}
}

func NewOSBlobStore(root string) *BlobStore {
	return NewBlobStore(afero.NewOsFs(), root)
}

func (b *BlobStore) WithSource(source afero.Fs) *BlobStore {
	b.source = source
	return b
}

func (b *BlobStore) CopyAudio(ctx context.Context, sourcePath, recordID string) (string, error) {
	if !validRecordID(recordID) {
		return "", fmt.Errorf("copy audio: invalid record id %q", recordID)
	}
	sourcePath = strings.TrimPrefix(sourcePath, "file://")
	src, err := b.source.Open(sourcePath)
	if err != nil {
		return "", classifyOS(fmt.Errorf("open audio source %s: %w", sourcePath, err))
	}
	defer src.Close()

	dir := filepath.Join(b.root, recordID)
	if err := b.fs.MkdirAll(dir, 0o750); err != nil {
		return "", classifyOS(fmt.Errorf("create blob dir: %w", err))
	}
	tmpPath := filepath.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := b.fs.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", classifyOS(fmt.Errorf("create blob temp file: %w", err))
	}
	h := sha256.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: src})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = b.fs.Remove(tmpPath)
		return "", classifyOS(fmt.Errorf("copy audio into blob store: %w", err))
	}

	final := filepath.Join(dir, hex.EncodeToString(h.Sum(nil))+strings.ToLower(filepath.Ext(sourcePath)))
	if exists, _ := afero.Exists(b.fs, final); exists {
		_ = b.fs.Remove(tmpPath)
		return final, nil
	}
	if err := b.fs.Rename(tmpPath, final); err != nil {
		_ = b.fs.Remove(tmpPath)
		return "", classifyOS(fmt.Errorf("commit blob: %w", err))
	}
	return final, nil
}

func (b *BlobStore) Open(path string) (io.ReadCloser, int64, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, 0, classifyOS(fmt.Errorf("open blob %s: %w", path, err))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, classifyOS(fmt.Errorf("stat blob %s: %w", path, err))
	}
	return f, info.Size(), nil
}

func (b *BlobStore) Remove(recordID string) error {
	if !validRecordID(recordID) {
		return fmt.Errorf("remove blob: invalid record id %q", recordID)
	}
	if err := b.fs.RemoveAll(filepath.Join(b.root, recordID)); err != nil {
		return classifyOS(fmt.Errorf("remove blobs of %s: %w", recordID, err))
	}
	return nil
}

// validRecordID accepts a single path element that stays below the blob root.
func validRecordID(id string) bool {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return false
	}
	return filepath.IsLocal(id)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ repository.BlobStore = (*BlobStore)(nil)
