package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/interview"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 4 << 20

type Interviews interface {
	Active() *interview.Draft
	Begin(ctx context.Context, in interview.BeginInput) (*interview.Draft, error)
	Complete(ctx context.Context, d *interview.Draft, in interview.CompletionInput) (*repository.InterviewRecord, error)
	Abandon(ctx context.Context, d *interview.Draft, in interview.AbandonInput) (*repository.InterviewRecord, error)
}

type Recorder interface {
	State() audio.State
	Pause() error
	Resume() error
}

// Handler exposes the interview lifecycle to the survey UI running on the same device.
type Handler struct {
	interviews Interviews
	recorder   Recorder
}

func NewHandler(interviews Interviews, recorder Recorder) *Handler {
	return &Handler{interviews: interviews, recorder: recorder}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.healthHandler())
	r.Post("/interviews", h.beginHandler())
	r.Route("/interviews/active", func(r chi.Router) {
		r.Get("/", h.activeHandler())
		r.Put("/answers/{questionId}", h.answerHandler())
		r.Put("/overrides/{questionId}", h.overrideHandler())
		r.Post("/complete", h.completeHandler())
		r.Post("/abandon", h.abandonHandler())
	})
	r.Get("/recording", h.recordingHandler())
	r.Post("/recording/pause", h.pauseHandler())
	r.Post("/recording/resume", h.resumeHandler())
}

type beginRequest struct {
	SurveyID       string                     `json:"surveyId"`
	SessionID      string                     `json:"sessionId"`
	IsCatiMode     bool                       `json:"isCatiMode"`
	CatiQueueID    string                     `json:"catiQueueId,omitempty"`
	CallID         string                     `json:"callId,omitempty"`
	Questions      []survey.Question          `json:"questions"`
	Location       *repository.Location       `json:"locationData,omitempty"`
	SelectedAC     string                     `json:"selectedAC,omitempty"`
	PollingStation *repository.PollingStation `json:"selectedPollingStation,omitempty"`
	SetNumber      *int                       `json:"selectedSetNumber,omitempty"`
}

type draftResponse struct {
	ID        string                   `json:"id"`
	SessionID string                   `json:"sessionId"`
	Answers   map[string]survey.Answer `json:"answers"`
}

type overrideRequest struct {
	Text string `json:"text"`
}

type completeRequest struct {
	QualityMetrics map[string]any `json:"qualityMetrics,omitempty"`
	CallStatus     string         `json:"callStatus,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type abandonRequest struct {
	Reason     string         `json:"reason"`
	Notes      string         `json:"notes,omitempty"`
	CallStatus string         `json:"callStatus,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type recordResponse struct {
	RecordID        string `json:"recordId"`
	Status          string `json:"status"`
	InterviewStatus string `json:"interviewStatus"`
	HasAudio        bool   `json:"hasAudio"`
}

func (h *Handler) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) beginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req beginRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		d, err := h.interviews.Begin(r.Context(), interview.BeginInput{
			SurveyID:       req.SurveyID,
			SessionID:      req.SessionID,
			IsCatiMode:     req.IsCatiMode,
			CatiQueueID:    req.CatiQueueID,
			CallID:         req.CallID,
			Questions:      req.Questions,
			Location:       req.Location,
			SelectedAC:     req.SelectedAC,
			PollingStation: req.PollingStation,
			SetNumber:      req.SetNumber,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDraftResponse(d))
	}
}

func (h *Handler) activeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		d := h.interviews.Active()
		if d == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no interview in progress"})
			return
		}
		writeJSON(w, http.StatusOK, toDraftResponse(d))
	}
}

func (h *Handler) answerHandler() http.HandlerFunc {
	return h.withActive(func(w http.ResponseWriter, r *http.Request, d *interview.Draft) {
		var a survey.Answer
		if !decodeJSON(w, r, &a) {
			return
		}
		if err := d.SetAnswer(chi.URLParam(r, "questionId"), a); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) overrideHandler() http.HandlerFunc {
	return h.withActive(func(w http.ResponseWriter, r *http.Request, d *interview.Draft) {
		var req overrideRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := d.SetOverride(chi.URLParam(r, "questionId"), req.Text); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) completeHandler() http.HandlerFunc {
	return h.withActive(func(w http.ResponseWriter, r *http.Request, d *interview.Draft) {
		var req completeRequest
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		rec, err := h.interviews.Complete(r.Context(), d, interview.CompletionInput{
			QualityMetrics: req.QualityMetrics,
			CallStatus:     req.CallStatus,
			Metadata:       req.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordResponse(rec))
	})
}

func (h *Handler) abandonHandler() http.HandlerFunc {
	return h.withActive(func(w http.ResponseWriter, r *http.Request, d *interview.Draft) {
		var req abandonRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		rec, err := h.interviews.Abandon(r.Context(), d, interview.AbandonInput{
			Reason:     req.Reason,
			Notes:      req.Notes,
			CallStatus: req.CallStatus,
			Metadata:   req.Metadata,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRecordResponse(rec))
	})
}

func (h *Handler) recordingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"state": h.recorder.State().String()})
	}
}

func (h *Handler) pauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := h.recorder.Pause(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": h.recorder.State().String()})
	}
}

func (h *Handler) resumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := h.recorder.Resume(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": h.recorder.State().String()})
	}
}

func (h *Handler) withActive(next func(http.ResponseWriter, *http.Request, *interview.Draft)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := h.interviews.Active()
		if d == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no interview in progress"})
			return
		}
		next(w, r, d)
	}
}

func toDraftResponse(d *interview.Draft) draftResponse {
	return draftResponse{ID: d.ID(), SessionID: d.SessionID(), Answers: d.Answers()}
}

func toRecordResponse(rec *repository.InterviewRecord) recordResponse {
	return recordResponse{
		RecordID:        rec.ID,
		Status:          string(rec.Status),
		InterviewStatus: string(rec.InterviewStatus),
		HasAudio:        rec.HasAudio(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, interview.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, interview.ErrDraftActive), errors.Is(err, interview.ErrDraftClosed):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrRecordingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, repository.ErrStorageFull):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("local api request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("failed to encode local api response", "error", err)
	}
}
