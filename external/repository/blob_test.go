package repository

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/spf13/afero"
)

func TestBlobStore_CopyAudioIsIndependentOfSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/capture/rec-001.wav", []byte("RIFF-audio"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	store := NewBlobStore(fs, "/data/audio")

	stored, err := store.CopyAudio(context.Background(), "file:///capture/rec-001.wav", "r1")
	if err != nil {
		t.Fatalf("copy audio: %v", err)
	}
	if !strings.HasPrefix(stored, "/data/audio/r1/") || !strings.HasSuffix(stored, ".wav") {
		t.Fatalf("unexpected stored path: %s", stored)
	}
	if err := fs.Remove("/capture/rec-001.wav"); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	rc, size, err := store.Open(stored)
	if err != nil {
		t.Fatalf("open stored: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "RIFF-audio" || size != int64(len(body)) {
		t.Fatalf("unexpected stored content %q size %d", body, size)
	}
}

func TestBlobStore_CopyIsContentAddressed(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/capture/a.wav", []byte("same"), 0o644)
	store := NewBlobStore(fs, "/data/audio")

	first, err := store.CopyAudio(context.Background(), "/capture/a.wav", "r1")
	if err != nil {
		t.Fatalf("first copy: %v", err)
	}
	second, err := store.CopyAudio(context.Background(), "/capture/a.wav", "r1")
	if err != nil {
		t.Fatalf("second copy: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical path for identical content: %s vs %s", first, second)
	}
}

func TestBlobStore_RemoveAndInvalidID(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/capture/a.wav", []byte("x"), 0o644)
	store := NewBlobStore(fs, "/data/audio")
	stored, err := store.CopyAudio(context.Background(), "/capture/a.wav", "r1")
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := store.Remove("r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := afero.Exists(fs, stored); ok {
		t.Fatal("expected blob to be removed")
	}
	if _, err := store.CopyAudio(context.Background(), "/capture/a.wav", "../escape"); err == nil {
		t.Fatal("expected error for path-like record id")
	}
}

func TestBlobStore_RejectsRecordIDsOutsideRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/data/keep.db", []byte("db"), 0o644)
	_ = afero.WriteFile(fs, "/capture/a.wav", []byte("x"), 0o644)
	store := NewBlobStore(fs, "/data/audio")
	if _, err := store.CopyAudio(context.Background(), "/capture/a.wav", "r1"); err != nil {
		t.Fatalf("copy: %v", err)
	}

	for _, id := range []string{"", ".", "..", "../audio", `..\audio`, "r1/.."} {
		if err := store.Remove(id); err == nil {
			t.Fatalf("remove %q: expected error", id)
		}
		if _, err := store.CopyAudio(context.Background(), "/capture/a.wav", id); err == nil {
			t.Fatalf("copy audio %q: expected error", id)
		}
	}
	if ok, _ := afero.Exists(fs, "/data/keep.db"); !ok {
		t.Fatal("files next to the blob root must survive")
	}
	if ok, _ := afero.DirExists(fs, "/data/audio/r1"); !ok {
		t.Fatal("existing blobs must survive rejected removals")
	}
}

type fullFs struct {
	afero.Fs
}

func (f fullFs) OpenFile(name string, _ int, _ os.FileMode) (afero.File, error) {
	return nil, &os.PathError{Op: "open", Path: name, Err: syscall.ENOSPC}
}

func TestBlobStore_DiskFullIsClassified(t *testing.T) {
	src := afero.NewMemMapFs()
	_ = afero.WriteFile(src, "/capture/a.wav", []byte("x"), 0o644)
	store := NewBlobStore(fullFs{Fs: afero.NewMemMapFs()}, "/data/audio").WithSource(src)

	_, err := store.CopyAudio(context.Background(), "/capture/a.wav", "r1")
	if !errors.Is(err, repository.ErrStorageFull) {
		t.Fatalf("expected ErrStorageFull, got %v", err)
	}
}
