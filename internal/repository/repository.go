package repository

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound           = errors.New("interview record not found")
	ErrNotClaimable       = errors.New("interview record is not pending")
	ErrInvalidTransition  = errors.New("interview record status transition not allowed")
	ErrStorageFull        = errors.New("device storage is full")
	ErrStorageUnavailable = errors.New("device storage is unavailable")
)

// AudioUpload is the result of a successful audio upload, persisted in one update.
type AudioUpload struct {
	URL        string
	Size       int64
	UploadedAt time.Time
}

// Repository is the durable local queue. Every method is atomic: a reader never
// observes a partially applied write.
type Repository interface {
	// Save inserts or replaces the record by ID.
	Save(ctx context.Context, r *InterviewRecord) error
	GetByID(ctx context.Context, id string) (*InterviewRecord, error)
	// ListByStatus returns records oldest first.
	ListByStatus(ctx context.Context, status RecordStatus) ([]InterviewRecord, error)
	UpdateStatus(ctx context.Context, id string, status RecordStatus, lastError string) error

	// ClaimForSync moves a pending record to syncing and bumps SyncAttempts.
	// It returns ErrNotClaimable when the record is not pending.
	ClaimForSync(ctx context.Context, id string) (*InterviewRecord, error)
	// MarkAudioUploading flags a syncing record whose audio is being sent.
	MarkAudioUploading(ctx context.Context, id string) error
	RecordAudioUpload(ctx context.Context, id string, upload AudioUpload) error
	MarkAudioUploadFailed(ctx context.Context, id string, reason string) error
	// CompleteSync stores the server response ID and moves syncing to synced together.
	CompleteSync(ctx context.Context, id, serverResponseID string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string) error

	RequeueFailed(ctx context.Context, updatedBefore time.Time) (int, error)
	ResetStuck(ctx context.Context, updatedBefore time.Time, reason string) (int, error)
	DeleteSynced(ctx context.Context, syncedBefore time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error

	Close() error
}

// BlobStore owns copies of audio recordings, independent of the capture path's lifetime.
type BlobStore interface {
	CopyAudio(ctx context.Context, sourcePath, recordID string) (string, error)
	Open(path string) (io.ReadCloser, int64, error)
	Remove(recordID string) error
}
