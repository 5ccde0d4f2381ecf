package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const uriRetryDelay = 100 * time.Millisecond

type Options struct {
	Ladder       []Config
	MaxAttempts  int
	StartTimeout time.Duration
	Settle       time.Duration
	Backoff      time.Duration
	// Dir is where capture files are written before the interview copies them.
	Dir string
}

type Session struct {
	Config    Config
	Path      string
	StartedAt time.Time
}

type Result struct {
	URI      string
	Config   Config
	Duration time.Duration
}

// Controller owns the single recording session of the device. Start calls that overlap
// share one start sequence, so there is never more than one prepared recording.
type Controller struct {
	device Device
	opts   Options
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	flight singleflight.Group

	mu          sync.Mutex
	machine     Machine
	handle      Handle
	session     Session
	lastURI     string
	pausedAt    time.Time
	pausedTotal time.Duration
	// released is closed once a stopping recording has been unloaded.
	released chan struct{}
	// waiting counts Start callers still blocked on the flight; claimed is set once one
	// of them has received the current session.
	waiting int
	claimed bool
}

func NewController(device Device, opts Options) *Controller {
	if len(opts.Ladder) == 0 {
		opts.Ladder = DefaultLadder
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = len(opts.Ladder)
	}
	return &Controller{
		device:  device,
		opts:    opts,
		now:     time.Now,
		sleep:   sleepContext,
		machine: NewMachine(len(opts.Ladder), opts.MaxAttempts, opts.Backoff),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State
}

// Start begins a recording, or returns the running one. A start that completes after
// every caller has given up is stopped and unloaded again.
func (c *Controller) Start(ctx context.Context) (Session, error) {
	c.mu.Lock()
	c.waiting++
	c.mu.Unlock()

	ch := c.flight.DoChan("start", func() (any, error) {
		return c.start(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		c.mu.Lock()
		c.waiting--
		if res.Err == nil {
			c.claimed = true
		}
		c.mu.Unlock()
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	case <-ctx.Done():
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
		go c.discardUnclaimed(ch)
		return Session{}, ctx.Err()
	}
}

func (c *Controller) discardUnclaimed(ch <-chan singleflight.Result) {
	res := <-ch
	if res.Err != nil {
		return
	}
	sess := res.Val.(Session)
	_, err := c.stop(context.Background(), func() bool {
		return c.claimed || c.waiting > 0 || c.session.Path != sess.Path
	})
	if errors.Is(err, ErrNotRecording) {
		return
	}
	slog.Warn("discarded recording started after its caller gave up", "path", sess.Path, "error", err)
}

func (c *Controller) start(parent context.Context) (Session, error) {
	ctx := parent
	if c.opts.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.opts.StartTimeout)
		defer cancel()
	}

	c.mu.Lock()
	for c.machine.State == StateStopping {
		released := c.released
		c.mu.Unlock()
		select {
		case <-released:
		case <-ctx.Done():
			return Session{}, fmt.Errorf("%w: %w", ErrRecordingUnavailable, ErrStartTimeout)
		}
		c.mu.Lock()
	}
	switch c.machine.State {
	case StateRecording, StatePaused:
		sess := c.session
		c.mu.Unlock()
		return sess, nil
	case StateStopped:
		c.machine = NewMachine(len(c.opts.Ladder), c.opts.MaxAttempts, c.opts.Backoff)
	}
	var eff Effect
	c.machine, eff = Transition(c.machine, Event{Kind: EventStart})
	c.mu.Unlock()

	if err := c.device.ReleaseStale(ctx); err != nil {
		slog.Warn("failed to release stale recording", "error", err)
	}

	var (
		handle Handle
		cfg    Config
		path   string
	)
	for {
		var ev Event
		switch eff.Kind {
		case EffectRequestPermission:
			granted, err := c.device.RequestPermission(ctx)
			switch {
			case err != nil:
				ev = Event{Kind: EventPermissionError, Err: err}
			case granted:
				ev = Event{Kind: EventPermissionGranted}
			default:
				ev = Event{Kind: EventPermissionDenied}
			}
		case EffectRunAttempt:
			cfg = c.opts.Ladder[eff.ConfigIndex]
			path = filepath.Join(c.opts.Dir, uuid.NewString()+cfg.Extension())
			var err error
			if err = c.sleep(ctx, eff.Backoff); err == nil {
				handle, err = c.attempt(ctx, cfg, path)
			}
			if err != nil {
				slog.Warn("recording attempt failed", "error", err, "config", cfg.Name, "attempt", c.attemptNumber())
				ev = Event{Kind: EventAttemptFailed, Err: err}
			} else {
				ev = Event{Kind: EventAttemptSucceeded}
			}
		case EffectReady:
			c.mu.Lock()
			c.handle = handle
			c.lastURI = "file://" + path
			c.session = Session{Config: cfg, Path: path, StartedAt: c.now()}
			c.pausedTotal = 0
			c.claimed = false
			sess := c.session
			c.mu.Unlock()
			slog.Info("recording started", "config", cfg.Name, "path", path)
			return sess, nil
		case EffectFail:
			slog.Error("recording could not start", "error", eff.Err)
			return Session{}, eff.Err
		default:
			return Session{}, fmt.Errorf("unexpected start effect %d", eff.Kind)
		}
		if ctx.Err() != nil {
			if ev.Kind == EventAttemptSucceeded {
				c.unload(handle)
			}
			ev = Event{Kind: EventTimeout, Err: ctx.Err()}
		}
		c.mu.Lock()
		c.machine, eff = Transition(c.machine, ev)
		c.mu.Unlock()
	}
}

func (c *Controller) attemptNumber() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Attempt + 1
}

// attempt prepares and starts one configuration, and keeps it only if it is still
// recording after the settle delay.
func (c *Controller) attempt(ctx context.Context, cfg Config, path string) (Handle, error) {
	h, err := c.device.Prepare(ctx, cfg, path)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", cfg.Name, err)
	}
	if err := h.Start(ctx); err != nil {
		c.unload(h)
		return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
	}
	if !h.IsRecording() {
		c.unload(h)
		return nil, fmt.Errorf("start %s: %w", cfg.Name, ErrNotRecording)
	}
	if err := c.sleep(ctx, c.opts.Settle); err != nil {
		c.unload(h)
		return nil, err
	}
	if !h.IsRecording() {
		c.unload(h)
		return nil, fmt.Errorf("start %s: %w", cfg.Name, ErrUnstableRecording)
	}
	return h, nil
}

func (c *Controller) unload(h Handle) {
	if err := h.Unload(); err != nil {
		slog.Warn("failed to unload recording", "error", err)
	}
}

func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, eff := Transition(c.machine, Event{Kind: EventPause})
	if eff.Kind != EffectPause {
		return nil
	}
	if err := c.handle.Pause(); err != nil {
		return fmt.Errorf("pause recording: %w", err)
	}
	c.machine = next
	c.pausedAt = c.now()
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, eff := Transition(c.machine, Event{Kind: EventResume})
	if eff.Kind != EffectResume {
		return nil
	}
	if err := c.handle.Resume(); err != nil {
		return fmt.Errorf("resume recording: %w", err)
	}
	c.machine = next
	c.pausedTotal += c.now().Sub(c.pausedAt)
	return nil
}

// Stop finishes the recording and always releases the device, even when stopping fails.
// Start waits until the release is done.
func (c *Controller) Stop(ctx context.Context) (Result, error) {
	return c.stop(ctx, nil)
}

// stop leaves the recording running when keep, called under the lock, returns true.
func (c *Controller) stop(ctx context.Context, keep func() bool) (Result, error) {
	c.mu.Lock()
	if keep != nil && keep() {
		c.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	wasPaused := c.machine.State == StatePaused
	next, eff := Transition(c.machine, Event{Kind: EventStop})
	if eff.Kind != EffectRelease {
		c.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	c.machine = next
	released := make(chan struct{})
	c.released = released
	h := c.handle
	sess := c.session
	lastURI := c.lastURI
	paused := c.pausedTotal
	if wasPaused {
		paused += c.now().Sub(c.pausedAt)
	}
	c.mu.Unlock()

	defer func() {
		c.unload(h)
		c.mu.Lock()
		if c.handle == h {
			c.handle = nil
		}
		c.machine, _ = Transition(c.machine, Event{Kind: EventReleased})
		c.mu.Unlock()
		close(released)
	}()

	res := Result{Config: sess.Config, Duration: c.now().Sub(sess.StartedAt) - paused}
	stopErr := h.Stop(ctx)

	uri, err := h.URI()
	if err != nil || uri == "" {
		if serr := c.sleep(ctx, uriRetryDelay); serr == nil {
			uri, err = h.URI()
		}
	}
	if err != nil || uri == "" {
		slog.Warn("recording uri unavailable after stop; using last known uri", "error", err, "uri", lastURI)
		uri = lastURI
	}
	res.URI = uri
	if stopErr != nil {
		return res, fmt.Errorf("stop recording: %w", stopErr)
	}
	slog.Info("recording stopped", "uri", uri, "duration_sec", int(res.Duration.Seconds()))
	return res, nil
}

// Cleanup releases anything left behind by a crashed process or an abandoned start.
func (c *Controller) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	var orphan Handle
	switch c.machine.State {
	case StateRecording, StatePaused, StateStarting, StateStopping:
	default:
		orphan = c.handle
		c.handle = nil
	}
	c.mu.Unlock()
	if orphan != nil {
		c.unload(orphan)
	}
	if err := c.device.ReleaseStale(ctx); err != nil {
		return fmt.Errorf("release stale recording: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
