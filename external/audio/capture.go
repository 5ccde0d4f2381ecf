package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/spf13/afero"
)

const pidFileExt = ".pid"

// CaptureDevice records by running an external command that writes raw S16LE PCM to stdout.
type CaptureDevice struct {
	fs         afero.Fs
	command    []string
	devicePath string
	runDir     string
}

func NewCaptureDevice(fsys afero.Fs, commandTemplate, devicePath, runDir string) *CaptureDevice {
	return &CaptureDevice{
		fs:         fsys,
		command:    strings.Fields(commandTemplate),
		devicePath: devicePath,
		runDir:     runDir,
	}
}

func (d *CaptureDevice) RequestPermission(_ context.Context) (bool, error) {
	if len(d.command) == 0 {
		return false, errors.New("capture command is empty")
	}
	if _, err := exec.LookPath(d.command[0]); err != nil {
		return false, fmt.Errorf("capture command: %w", err)
	}
	if d.devicePath == "" {
		return true, nil
	}
	f, err := os.Open(d.devicePath)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		return false, fmt.Errorf("open capture device: %w", err)
	}
	_ = f.Close()
	return true, nil
}

func (d *CaptureDevice) Prepare(_ context.Context, cfg audio.Config, path string) (audio.Handle, error) {
	if err := d.fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	enc, err := newEncoder(d.fs, cfg, path)
	if err != nil {
		return nil, err
	}
	return &captureHandle{
		dev:  d,
		cfg:  cfg,
		path: path,
		args: d.expand(cfg),
		enc:  enc,
		done: make(chan struct{}),
	}, nil
}

func (d *CaptureDevice) expand(cfg audio.Config) []string {
	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(cfg.SampleRate),
		"{channels}", strconv.Itoa(cfg.Channels),
		"{device}", d.devicePath,
	)
	args := make([]string, len(d.command))
	for i, a := range d.command {
		args[i] = r.Replace(a)
	}
	return args
}

// ReleaseStale kills capture processes recorded by other, now dead, instances and
// removes their partial files.
func (d *CaptureDevice) ReleaseStale(_ context.Context) error {
	matches, err := afero.Glob(d.fs, filepath.Join(d.runDir, "*"+pidFileExt))
	if err != nil {
		return fmt.Errorf("list pid files: %w", err)
	}
	var errs []error
	for _, m := range matches {
		entry, err := readPIDFile(d.fs, m)
		if err != nil {
			errs = append(errs, err)
			_ = d.fs.Remove(m)
			continue
		}
		if entry.owner == os.Getpid() {
			continue
		}
		if len(d.command) > 0 && processMatches(entry.pid, d.command[0]) {
			if p, err := os.FindProcess(entry.pid); err == nil {
				if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("kill stale capture %d: %w", entry.pid, err))
				}
			}
		}
		if entry.path != "" {
			_ = d.fs.Remove(entry.path)
		}
		_ = d.fs.Remove(m)
		slog.Info("released stale recording", "pid", entry.pid, "path", entry.path)
	}
	return errors.Join(errs...)
}

type pidEntry struct {
	pid   int
	owner int
	path  string
}

func writePIDFile(fsys afero.Fs, name string, e pidEntry) error {
	body := fmt.Sprintf("%d\n%d\n%s\n", e.pid, e.owner, e.path)
	return afero.WriteFile(fsys, name, []byte(body), 0o640)
}

func readPIDFile(fsys afero.Fs, name string) (pidEntry, error) {
	raw, err := afero.ReadFile(fsys, name)
	if err != nil {
		return pidEntry{}, fmt.Errorf("read pid file %s: %w", name, err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		return pidEntry{}, fmt.Errorf("malformed pid file %s", name)
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return pidEntry{}, fmt.Errorf("malformed pid in %s: %w", name, err)
	}
	owner, err := strconv.Atoi(lines[1])
	if err != nil {
		return pidEntry{}, fmt.Errorf("malformed owner in %s: %w", name, err)
	}
	e := pidEntry{pid: pid, owner: owner}
	if len(lines) > 2 {
		e.path = lines[2]
	}
	return e, nil
}

// processMatches guards against pid reuse by checking the command name in /proc.
func processMatches(pid int, command string) bool {
	raw, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	argv0, _, _ := strings.Cut(string(raw), "\x00")
	return filepath.Base(argv0) == filepath.Base(command)
}

type captureHandle struct {
	dev  *CaptureDevice
	cfg  audio.Config
	path string
	args []string
	enc  encoder

	cmd     *exec.Cmd
	pidFile string
	done    chan struct{}
	pumpErr error

	running  atomic.Bool
	paused   atomic.Bool
	finished atomic.Bool

	reapOnce   sync.Once
	closeOnce  sync.Once
	unloadOnce sync.Once
}

func (h *captureHandle) Start(_ context.Context) error {
	if h.cmd != nil {
		return errors.New("capture already started")
	}
	cmd := exec.Command(h.args[0], h.args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start capture command: %w", err)
	}
	h.cmd = cmd
	h.running.Store(true)

	if err := h.dev.fs.MkdirAll(h.dev.runDir, 0o750); err == nil {
		h.pidFile = filepath.Join(h.dev.runDir, strings.TrimSuffix(filepath.Base(h.path), filepath.Ext(h.path))+pidFileExt)
		if err := writePIDFile(h.dev.fs, h.pidFile, pidEntry{pid: cmd.Process.Pid, owner: os.Getpid(), path: h.path}); err != nil {
			slog.Warn("failed to write capture pid file", "error", err)
		}
	}

	go h.pump(stdout)
	return nil
}

func (h *captureHandle) pump(r io.Reader) {
	defer close(h.done)
	defer h.running.Store(false)
	frame := make([]byte, h.enc.FrameBytes())
	for {
		if _, err := io.ReadFull(r, frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				h.pumpErr = fmt.Errorf("read capture: %w", err)
			}
			return
		}
		if h.paused.Load() {
			continue
		}
		if err := h.enc.Write(frame); err != nil {
			h.pumpErr = fmt.Errorf("encode capture: %w", err)
			return
		}
	}
}

func (h *captureHandle) IsRecording() bool {
	return h.running.Load()
}

func (h *captureHandle) Pause() error {
	h.paused.Store(true)
	return nil
}

func (h *captureHandle) Resume() error {
	h.paused.Store(false)
	return nil
}

func (h *captureHandle) Stop(ctx context.Context) error {
	if h.cmd == nil {
		return audio.ErrNotRecording
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("failed to interrupt capture command", "error", err)
	}
	select {
	case <-h.done:
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
	}
	h.reap()

	err := h.closeEncoder()
	h.finished.Store(err == nil)
	if h.pumpErr != nil {
		return h.pumpErr
	}
	return err
}

// reap waits for the pump to drain stdout before collecting the process.
func (h *captureHandle) reap() {
	h.reapOnce.Do(func() {
		<-h.done
		_ = h.cmd.Wait()
	})
}

func (h *captureHandle) closeEncoder() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.enc.Close()
	})
	return err
}

func (h *captureHandle) URI() (string, error) {
	if !h.finished.Load() {
		return "", nil
	}
	info, err := h.dev.fs.Stat(h.path)
	if err != nil {
		return "", fmt.Errorf("stat recording: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}
	return "file://" + h.path, nil
}

// Unload releases the process. A recording that never finished is deleted.
func (h *captureHandle) Unload() error {
	var err error
	h.unloadOnce.Do(func() {
		if h.cmd != nil {
			if h.running.Load() {
				_ = h.cmd.Process.Kill()
			}
			h.reap()
		}
		if cerr := h.closeEncoder(); cerr != nil && !h.finished.Load() {
			err = cerr
		}
		if !h.finished.Load() {
			_ = h.dev.fs.Remove(h.path)
		}
		if h.pidFile != "" {
			_ = h.dev.fs.Remove(h.pidFile)
		}
	})
	return err
}
