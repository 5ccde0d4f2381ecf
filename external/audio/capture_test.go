package audio

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/spf13/afero"
)

var _ audio.Device = (*CaptureDevice)(nil)

func TestCaptureDevice_ExpandsPlaceholders(t *testing.T) {
	d := NewCaptureDevice(afero.NewMemMapFs(), "arecord -D {device} -c {channels} -r {rate}", "hw:1", "/run")
	got := strings.Join(d.expand(pcm16k), " ")
	if got != "arecord -D hw:1 -c 1 -r 16000" {
		t.Fatalf("unexpected args %q", got)
	}
}

func TestCaptureDevice_ReleaseStaleSkipsOwnRecordings(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewCaptureDevice(fs, "arecord", "", "/run")
	_ = afero.WriteFile(fs, "/capture/old.wav", []byte("partial"), 0o640)
	_ = afero.WriteFile(fs, "/capture/mine.wav", []byte("live"), 0o640)
	if err := writePIDFile(fs, "/run/old.pid", pidEntry{pid: 999999, owner: os.Getpid() + 1, path: "/capture/old.wav"}); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if err := writePIDFile(fs, "/run/mine.pid", pidEntry{pid: 999998, owner: os.Getpid(), path: "/capture/mine.wav"}); err != nil {
		t.Fatalf("write pid: %v", err)
	}

	if err := d.ReleaseStale(context.Background()); err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/capture/old.wav"); ok {
		t.Fatal("expected stale partial recording to be removed")
	}
	if ok, _ := afero.Exists(fs, "/run/old.pid"); ok {
		t.Fatal("expected stale pid file to be removed")
	}
	if ok, _ := afero.Exists(fs, "/capture/mine.wav"); !ok {
		t.Fatal("recording owned by this process must be kept")
	}
}

func TestCaptureDevice_RecordsCommandOutput(t *testing.T) {
	if _, err := exec.LookPath("head"); err != nil {
		t.Skip("head not available")
	}
	dir := t.TempDir()
	fs := afero.NewOsFs()
	d := NewCaptureDevice(fs, "head -c 32000 /dev/zero", "", filepath.Join(dir, "run"))

	granted, err := d.RequestPermission(context.Background())
	if err != nil || !granted {
		t.Fatalf("permission: %v %v", granted, err)
	}
	path := filepath.Join(dir, "capture", "rec.wav")
	h, err := d.Prepare(context.Background(), pcm16k, path)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.IsRecording() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.IsRecording() {
		t.Fatal("expected capture to end with its command")
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	uri, err := h.URI()
	if err != nil || uri != "file://"+path {
		t.Fatalf("unexpected uri %q err %v", uri, err)
	}
	if err := h.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("finished recording must survive unload: %v", err)
	}
	if info.Size() != wavHeaderSize+32000 {
		t.Fatalf("unexpected wav size %d", info.Size())
	}
	if matches, _ := filepath.Glob(filepath.Join(dir, "run", "*.pid")); len(matches) != 0 {
		t.Fatalf("expected pid file to be removed, found %v", matches)
	}
}

func TestCaptureHandle_UnloadBeforeStopDiscardsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	d := NewCaptureDevice(fs, "arecord", "", "/run")
	h, err := d.Prepare(context.Background(), pcm16k, "/capture/x.wav")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := h.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if ok, _ := afero.Exists(fs, "/capture/x.wav"); ok {
		t.Fatal("unfinished recording must be removed")
	}
}
