package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/fieldsync/internal/backend"
	"github.com/foxseedlab/fieldsync/internal/connectivity"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	stuckReason     = "sync attempt did not finish in time"
	restartedReason = "sync attempt interrupted by restart"
)

type Options struct {
	Interval        time.Duration
	Concurrency     int
	RetryDelay      time.Duration
	StuckAfter      time.Duration
	SyncedRetention time.Duration
}

type PassReport struct {
	Offline    bool
	ResetStuck int
	Requeued   int
	Attempted  int
	Synced     int
	Failed     int
	Skipped    int
	Collected  int
}

// Engine is the only writer of synced status. A record is claimed (pending to syncing)
// before any network call for it, and the claim is the per-record lock.
type Engine struct {
	repo    repository.Repository
	blobs   repository.BlobStore
	client  backend.Client
	probe   connectivity.Probe
	opts    Options
	now     func() time.Time
	flight  singleflight.Group
	trigger chan struct{}
}

func NewEngine(repo repository.Repository, blobs repository.BlobStore, client backend.Client, probe connectivity.Probe, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	return &Engine{
		repo:    repo,
		blobs:   blobs,
		client:  client,
		probe:   probe,
		opts:    opts,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger asks Run for a pass soon. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Recover resets records left syncing by a process that died mid-pass and queues them
// again. Call it once before the first pass.
func (e *Engine) Recover(ctx context.Context) error {
	cutoff := e.now().Add(time.Second)
	n, err := e.repo.ResetStuck(ctx, cutoff, restartedReason)
	if err != nil {
		return fmt.Errorf("reset interrupted records: %w", err)
	}
	requeued, err := e.repo.RequeueFailed(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("requeue failed records: %w", err)
	}
	if n > 0 || requeued > 0 {
		slog.Info("recovered records after restart", "interrupted", n, "requeued", requeued)
	}
	return nil
}

func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		slog.Error("sync recovery failed", "error", err)
	}
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		if _, err := e.RunPass(ctx); err != nil && ctx.Err() == nil {
			slog.Error("sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

// RunPass processes every pending record once. Overlapping calls share one pass.
func (e *Engine) RunPass(ctx context.Context) (PassReport, error) {
	v, err, shared := e.flight.Do("pass", func() (any, error) {
		return e.runPass(ctx)
	})
	if shared {
		slog.Debug("sync pass coalesced with a running pass")
	}
	report, _ := v.(PassReport)
	return report, err
}

func (e *Engine) runPass(ctx context.Context) (PassReport, error) {
	var report PassReport
	if !e.probe.IsOnline(ctx) {
		slog.Debug("offline; sync pass skipped")
		report.Offline = true
		return report, nil
	}

	now := e.now()
	if e.opts.StuckAfter > 0 {
		n, err := e.repo.ResetStuck(ctx, now.Add(-e.opts.StuckAfter), stuckReason)
		if err != nil {
			return report, fmt.Errorf("reset stuck records: %w", err)
		}
		report.ResetStuck = n
	}
	n, err := e.repo.RequeueFailed(ctx, now.Add(-e.opts.RetryDelay))
	if err != nil {
		return report, fmt.Errorf("requeue failed records: %w", err)
	}
	report.Requeued = n

	pending, err := e.repo.ListByStatus(ctx, repository.RecordStatusPending)
	if err != nil {
		return report, fmt.Errorf("list pending records: %w", err)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(e.opts.Concurrency)
	for _, rec := range pending {
		id := rec.ID
		g.Go(func() error {
			outcome := e.syncRecord(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSynced:
				report.Attempted++
				report.Synced++
			case outcomeFailed:
				report.Attempted++
				report.Failed++
			default:
				report.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()

	if e.opts.SyncedRetention > 0 {
		report.Collected = e.collect(ctx, now.Add(-e.opts.SyncedRetention))
	}
	if report.Attempted > 0 || report.ResetStuck > 0 || report.Collected > 0 {
		slog.Info("sync pass finished",
			"attempted", report.Attempted,
			"synced", report.Synced,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"reset_stuck", report.ResetStuck,
			"requeued", report.Requeued,
			"collected", report.Collected,
		)
	}
	return report, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSynced
	outcomeFailed
)

func (e *Engine) syncRecord(ctx context.Context, id string) outcome {
	rec, err := e.repo.ClaimForSync(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotClaimable) || errors.Is(err, repository.ErrNotFound) {
			slog.Debug("record no longer pending", "record_id", id)
		} else {
			slog.Error("failed to claim record", "error", err, "record_id", id)
		}
		return outcomeSkipped
	}

	if err := e.process(ctx, rec); err != nil {
		slog.Warn("record sync failed", "error", err, "record_id", id, "attempt", rec.SyncAttempts)
		if merr := e.repo.MarkFailed(context.WithoutCancel(ctx), id, err.Error()); merr != nil {
			slog.Error("failed to mark record failed", "error", merr, "record_id", id)
		}
		return outcomeFailed
	}
	slog.Info("record synced", "record_id", id, "survey_id", rec.SurveyID, "server_response_id", rec.ServerResponseID())
	return outcomeSynced
}

func (e *Engine) process(ctx context.Context, rec *repository.InterviewRecord) error {
	if needsAudioUpload(rec) {
		if err := e.uploadAudio(ctx, rec); err != nil {
			if merr := e.repo.MarkAudioUploadFailed(context.WithoutCancel(ctx), rec.ID, err.Error()); merr != nil {
				slog.Error("failed to record audio upload failure", "error", merr, "record_id", rec.ID)
			}
			return fmt.Errorf("upload audio: %w", err)
		}
	}

	ack, err := e.client.SubmitCompletion(ctx, backend.NewSubmission(rec))
	if err != nil {
		return err
	}
	if ack.ResponseID == "" {
		return backend.ErrVerificationFailed
	}
	if err := e.repo.CompleteSync(ctx, rec.ID, ack.ResponseID, e.now()); err != nil {
		return fmt.Errorf("record sync completion: %w", err)
	}
	rec.Metadata = ensureMetadata(rec.Metadata)
	rec.Metadata[repository.MetaServerResponseID] = ack.ResponseID
	return nil
}

// needsAudioUpload is false once a remote URL is known, so a retried record never
// uploads its audio twice.
func needsAudioUpload(rec *repository.InterviewRecord) bool {
	if rec.IsCatiMode || rec.AudioOfflinePath == "" {
		return false
	}
	if rec.AudioUploadStatus == repository.AudioUploadUploaded {
		return false
	}
	return rec.Metadata.String(repository.MetaAudioURL) == ""
}

func (e *Engine) uploadAudio(ctx context.Context, rec *repository.InterviewRecord) error {
	rc, size, err := e.blobs.Open(rec.AudioOfflinePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := e.repo.MarkAudioUploading(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark audio uploading: %w", err)
	}
	res, err := e.client.UploadAudio(ctx, backend.AudioUpload{
		RecordID:  rec.ID,
		SessionID: rec.SessionID,
		SurveyID:  rec.SurveyID,
		FileName:  backend.AudioFileName(rec),
		Body:      rc,
		Size:      size,
	})
	if err != nil {
		return err
	}
	upload := repository.AudioUpload{URL: res.AudioURL, Size: res.Size, UploadedAt: res.UploadedAt}
	if upload.UploadedAt.IsZero() {
		upload.UploadedAt = e.now()
	}
	if err := e.repo.RecordAudioUpload(ctx, rec.ID, upload); err != nil {
		return fmt.Errorf("record audio upload: %w", err)
	}
	rec.Metadata = ensureMetadata(rec.Metadata)
	rec.Metadata[repository.MetaAudioURL] = upload.URL
	rec.Metadata[repository.MetaAudioSize] = upload.Size
	rec.Metadata[repository.MetaAudioUploadedAt] = upload.UploadedAt.UTC().Format(time.RFC3339)
	rec.AudioUploadStatus = repository.AudioUploadUploaded
	slog.Info("audio uploaded", "record_id", rec.ID, "audio_url", upload.URL, "size", upload.Size)
	return nil
}

// collect deletes synced records past retention together with their audio.
func (e *Engine) collect(ctx context.Context, before time.Time) int {
	ids, err := e.repo.DeleteSynced(ctx, before)
	if err != nil {
		slog.Error("failed to collect synced records", "error", err)
		return 0
	}
	for _, id := range ids {
		if err := e.blobs.Remove(id); err != nil {
			slog.Warn("failed to remove audio of collected record", "error", err, "record_id", id)
		}
	}
	return len(ids)
}

func ensureMetadata(m repository.Metadata) repository.Metadata {
	if m == nil {
		return repository.Metadata{}
	}
	return m
}
