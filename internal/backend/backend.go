package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrSubmissionFailed   = errors.New("backend submission failed")
	ErrVerificationFailed = errors.New("backend acknowledgment has no response id")
)

type AudioUpload struct {
	RecordID  string
	SessionID string
	SurveyID  string
	FileName  string
	Body      io.Reader
	Size      int64
}

type AudioUploadResult struct {
	AudioURL   string
	Size       int64
	UploadedAt time.Time
}

type Submission struct {
	// RecordID is sent as the idempotency key so a replay after a crash is recognized.
	RecordID    string
	IsCatiMode  bool
	SessionID   string
	CatiQueueID string
	Payload     CompletionPayload
}

// Ack is a verified completion acknowledgment.
type Ack struct {
	ResponseID string
	Message    string
}

type Client interface {
	UploadAudio(ctx context.Context, upload AudioUpload) (AudioUploadResult, error)
	SubmitCompletion(ctx context.Context, sub Submission) (Ack, error)
}
