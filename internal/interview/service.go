package interview

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Recorder interface {
	Start(ctx context.Context) (audio.Session, error)
	Stop(ctx context.Context) (audio.Result, error)
}

type SyncTrigger interface {
	Trigger()
}

type CompletionInput struct {
	QualityMetrics map[string]any
	CallStatus     string
	Metadata       map[string]any
}

type AbandonInput struct {
	Reason     string `validate:"required"`
	Notes      string
	CallStatus string
	Metadata   map[string]any
}

// Service owns the active draft and turns it into a pending record. Saving the record
// is the commit point shown to the interviewer; nothing here talks to the network.
type Service struct {
	cfg      *config.Config
	repo     repository.Repository
	blobs    repository.BlobStore
	recorder Recorder
	rules    survey.Rules
	sync     SyncTrigger
	validate *validator.Validate
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active *Draft
}

func NewService(cfg *config.Config, repo repository.Repository, blobs repository.BlobStore, recorder Recorder, rules survey.Rules, trigger SyncTrigger) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		blobs:    blobs,
		recorder: recorder,
		rules:    rules,
		sync:     trigger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) Active() *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Begin opens a draft. CAPI interviews start recording here and cannot begin without it.
func (s *Service) Begin(ctx context.Context, in BeginInput) (*Draft, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	d := &Draft{
		id:        s.newID(),
		input:     in,
		startedAt: s.now(),
		answers:   make(map[string]survey.Answer),
		overrides: make(map[string]string),
	}
	s.mu.Lock()
	if s.active != nil {
		active := s.active
		s.mu.Unlock()
		slog.Warn("interview already in progress", "active_session_id", active.SessionID(), "session_id", in.SessionID)
		return nil, ErrDraftActive
	}
	s.active = d
	s.mu.Unlock()

	if !in.IsCatiMode {
		sess, err := s.recorder.Start(ctx)
		if err != nil {
			s.release(d)
			slog.Error("interview blocked: audio could not start", "error", err, "survey_id", in.SurveyID, "session_id", in.SessionID)
			return nil, fmt.Errorf("start audio: %w", err)
		}
		d.recording = &sess
		d.startedAt = sess.StartedAt
	}
	slog.Info("interview started", "record_id", d.id, "survey_id", in.SurveyID, "session_id", in.SessionID, "cati", in.IsCatiMode)
	return d, nil
}

func (s *Service) Complete(ctx context.Context, d *Draft, in CompletionInput) (*repository.InterviewRecord, error) {
	meta := repository.Metadata{}
	if in.QualityMetrics != nil {
		meta.SetOnce(repository.MetaQualityMetrics, in.QualityMetrics)
	}
	if in.CallStatus != "" {
		meta.SetOnce(repository.MetaCallStatus, in.CallStatus)
	}
	for k, v := range in.Metadata {
		meta.SetOnce(k, v)
	}
	return s.finalize(ctx, d, repository.InterviewCompleted, meta)
}

func (s *Service) Abandon(ctx context.Context, d *Draft, in AbandonInput) (*repository.InterviewRecord, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	meta := repository.Metadata{}
	meta.SetOnce(repository.MetaAbandonReason, in.Reason)
	if in.Notes != "" {
		meta.SetOnce(repository.MetaAbandonNotes, in.Notes)
	}
	if in.CallStatus != "" {
		meta.SetOnce(repository.MetaCallStatus, in.CallStatus)
	}
	for k, v := range in.Metadata {
		meta.SetOnce(k, v)
	}
	return s.finalize(ctx, d, repository.InterviewAbandoned, meta)
}

// finalize stops audio, assembles the final responses and saves the record as pending.
// On error the draft stays open so the interviewer can retry.
func (s *Service) finalize(ctx context.Context, d *Draft, status repository.InterviewStatus, meta repository.Metadata) (*repository.InterviewRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDraftClosed
	}

	end := s.now()
	rec := &repository.InterviewRecord{
		ID:                     d.id,
		SurveyID:               d.input.SurveyID,
		SessionID:              d.input.SessionID,
		CatiQueueID:            d.input.CatiQueueID,
		CallID:                 d.input.CallID,
		IsCatiMode:             d.input.IsCatiMode,
		Responses:              maps.Clone(d.answers),
		LocationData:           d.input.Location,
		SelectedAC:             d.input.SelectedAC,
		SelectedPollingStation: d.input.PollingStation,
		SelectedSetNumber:      d.input.SetNumber,
		StartTime:              d.startedAt,
		EndTime:                &end,
		Duration:               int64(end.Sub(d.startedAt).Seconds()),
		InterviewStatus:        status,
		Metadata:               meta,
		Status:                 repository.RecordStatusPending,
	}
	if s.cfg != nil && s.cfg.DeviceID != "" {
		rec.Metadata.SetOnce(repository.MetaDeviceID, s.cfg.DeviceID)
	}

	if d.recording != nil {
		if err := s.attachAudio(ctx, d, rec); err != nil {
			return nil, err
		}
	}

	questions := s.rules.Apply(d.input.SurveyID, d.input.Questions)
	rec.FinalResponses = survey.Assemble(d.answers, questions, d.overrides)

	if err := s.repo.Save(ctx, rec); err != nil {
		slog.Error("failed to save interview offline", "error", err, "record_id", rec.ID, "survey_id", rec.SurveyID)
		return nil, fmt.Errorf("save interview: %w", err)
	}
	d.closed = true
	s.release(d)
	slog.Info("interview saved offline", "record_id", rec.ID, "survey_id", rec.SurveyID, "status", string(status), "has_audio", rec.HasAudio())

	if s.sync != nil {
		s.sync.Trigger()
	}
	return rec, nil
}

// attachAudio stops the recording once and copies it into the blob area.
func (s *Service) attachAudio(ctx context.Context, d *Draft, rec *repository.InterviewRecord) error {
	if d.stopped == nil {
		res, err := s.recorder.Stop(ctx)
		if err != nil {
			slog.Warn("audio stop reported an error", "error", err, "record_id", d.id, "uri", res.URI)
		}
		if res.URI == "" {
			res.URI = "file://" + d.recording.Path
		}
		d.stopped = &res
	}
	res := *d.stopped

	stored, err := s.blobs.CopyAudio(ctx, res.URI, d.id)
	if err != nil {
		slog.Error("failed to copy audio into storage", "error", err, "record_id", d.id)
		return fmt.Errorf("store audio: %w", err)
	}
	info := &repository.AudioInfo{
		Format:          res.Config.Format,
		Codec:           res.Config.Codec,
		BitRate:         res.Config.BitRate,
		SampleRate:      res.Config.SampleRate,
		DurationSeconds: res.Duration.Seconds(),
	}
	if rc, size, err := s.blobs.Open(stored); err == nil {
		info.FileSize = size
		_ = rc.Close()
	}
	rec.AudioURI = res.URI
	rec.AudioOfflinePath = stored
	rec.AudioUploadStatus = repository.AudioUploadPending
	rec.AudioInfo = info
	return nil
}

func (s *Service) release(d *Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == d {
		s.active = nil
	}
}
