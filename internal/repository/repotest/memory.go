// Package repotest provides in-memory stores for tests of packages that depend on
// the repository contracts.
package repotest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/fieldsync/internal/repository"
)

type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Repository keeps records in a map and follows the same status rules as the real stores.
type Repository struct {
	mu      sync.Mutex
	records map[string]repository.InterviewRecord
	now     func() time.Time

	// SaveErr, when set, is returned by Save without storing anything.
	SaveErr error
	// CompleteErr, when set, is returned by CompleteSync without changing anything.
	CompleteErr error
	Saves       int
}

func NewRepository(now func() time.Time) *Repository {
	if now == nil {
		now = time.Now
	}
	return &Repository{records: make(map[string]repository.InterviewRecord), now: now}
}

func clone(r repository.InterviewRecord) *repository.InterviewRecord {
	c := r
	c.Responses = maps.Clone(r.Responses)
	c.FinalResponses = slices.Clone(r.FinalResponses)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

func (m *Repository) Save(_ context.Context, r *repository.InterviewRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if existing, ok := m.records[r.ID]; ok {
		if existing.Status == repository.RecordStatusSyncing || existing.Status == repository.RecordStatusSynced {
			return fmt.Errorf("%w: record %s is %s", repository.ErrInvalidTransition, r.ID, existing.Status)
		}
	}
	now := m.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.records[r.ID] = *clone(*r)
	m.Saves++
	return nil
}

func (m *Repository) GetByID(_ context.Context, id string) (*repository.InterviewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	return clone(r), nil
}

func (m *Repository) ListByStatus(_ context.Context, status repository.RecordStatus) ([]repository.InterviewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.InterviewRecord
	for _, r := range m.records {
		if r.Status == status {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Repository) UpdateStatus(_ context.Context, id string, status repository.RecordStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	if !repository.CanTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, r.Status, status)
	}
	r.Status = status
	r.LastError = lastError
	r.UpdatedAt = m.now()
	m.records[id] = r
	return nil
}

func (m *Repository) ClaimForSync(_ context.Context, id string) (*repository.InterviewRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	if r.Status != repository.RecordStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", repository.ErrNotClaimable, id, r.Status)
	}
	r.Status = repository.RecordStatusSyncing
	r.SyncAttempts++
	r.UpdatedAt = m.now()
	m.records[id] = r
	return clone(r), nil
}

func (m *Repository) patchSyncing(id string, meta repository.Metadata, apply func(*repository.InterviewRecord)) error {
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	if r.Status != repository.RecordStatusSyncing {
		return fmt.Errorf("%w: %s is %s", repository.ErrInvalidTransition, id, r.Status)
	}
	r.Metadata = maps.Clone(r.Metadata)
	if r.Metadata == nil {
		r.Metadata = repository.Metadata{}
	}
	maps.Copy(r.Metadata, meta)
	apply(&r)
	r.UpdatedAt = m.now()
	m.records[id] = r
	return nil
}

func (m *Repository) MarkAudioUploading(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchSyncing(id, nil, func(r *repository.InterviewRecord) {
		r.AudioUploadStatus = repository.AudioUploadUploading
		r.AudioUploadError = ""
	})
}

func (m *Repository) RecordAudioUpload(_ context.Context, id string, upload repository.AudioUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.patchSyncing(id, repository.Metadata{
		repository.MetaAudioURL:        upload.URL,
		repository.MetaAudioSize:       upload.Size,
		repository.MetaAudioUploadedAt: upload.UploadedAt.UTC().Format(time.RFC3339),
	}, func(r *repository.InterviewRecord) {
		r.AudioUploadStatus = repository.AudioUploadUploaded
		r.AudioUploadError = ""
	})
}

func (m *Repository) MarkAudioUploadFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	r.AudioUploadStatus = repository.AudioUploadFailed
	r.AudioUploadError = reason
	m.records[id] = r
	return nil
}

func (m *Repository) CompleteSync(_ context.Context, id, serverResponseID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CompleteErr != nil {
		return m.CompleteErr
	}
	return m.patchSyncing(id, repository.Metadata{repository.MetaServerResponseID: serverResponseID}, func(r *repository.InterviewRecord) {
		r.Status = repository.RecordStatusSynced
		r.LastError = ""
		synced := at
		r.SyncedAt = &synced
	})
}

func (m *Repository) MarkFailed(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
	}
	if r.Status != repository.RecordStatusSyncing {
		return fmt.Errorf("%w: %s is %s", repository.ErrInvalidTransition, id, r.Status)
	}
	r.Status = repository.RecordStatusFailed
	r.LastError = reason
	r.UpdatedAt = m.now()
	m.records[id] = r
	return nil
}

func (m *Repository) moveOlder(from, to repository.RecordStatus, before time.Time, reason *string) int {
	n := 0
	for id, r := range m.records {
		if r.Status != from || !r.UpdatedAt.Before(before) {
			continue
		}
		r.Status = to
		if reason != nil {
			r.LastError = *reason
		}
		r.UpdatedAt = m.now()
		m.records[id] = r
		n++
	}
	return n
}

func (m *Repository) RequeueFailed(_ context.Context, updatedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveOlder(repository.RecordStatusFailed, repository.RecordStatusPending, updatedBefore, nil), nil
}

func (m *Repository) ResetStuck(_ context.Context, updatedBefore time.Time, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveOlder(repository.RecordStatusSyncing, repository.RecordStatusFailed, updatedBefore, &reason), nil
}

func (m *Repository) DeleteSynced(_ context.Context, syncedBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.records {
		if r.Status == repository.RecordStatusSynced && r.SyncedAt != nil && r.SyncedAt.Before(syncedBefore) {
			ids = append(ids, id)
			delete(m.records, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Repository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Repository) Close() error {
	return nil
}

// ForceStatus sets a status directly, bypassing transition rules. It simulates state
// left behind by a crashed process.
func (m *Repository) ForceStatus(id string, status repository.RecordStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.records[id]
	r.Status = status
	m.records[id] = r
}

// BlobStore keeps blobs in memory, keyed by "<recordID>/<name>".
type BlobStore struct {
	mu      sync.Mutex
	Sources map[string][]byte
	blobs   map[string][]byte
	// CopyErr, when set, is returned by CopyAudio.
	CopyErr error
}

func NewBlobStore() *BlobStore {
	return &BlobStore{Sources: make(map[string][]byte), blobs: make(map[string][]byte)}
}

func (b *BlobStore) CopyAudio(_ context.Context, sourcePath, recordID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CopyErr != nil {
		return "", b.CopyErr
	}
	data, ok := b.Sources[strings.TrimPrefix(sourcePath, "file://")]
	if !ok {
		return "", fmt.Errorf("source %s not found", sourcePath)
	}
	name := sourcePath[strings.LastIndex(sourcePath, "/")+1:]
	stored := recordID + "/" + name
	b.blobs[stored] = bytes.Clone(data)
	return stored, nil
}

func (b *BlobStore) Put(path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = bytes.Clone(data)
}

func (b *BlobStore) Open(path string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]
	if !ok {
		return nil, 0, fmt.Errorf("blob %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *BlobStore) Remove(recordID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.blobs {
		if strings.HasPrefix(k, recordID+"/") {
			delete(b.blobs, k)
		}
	}
	return nil
}

func (b *BlobStore) Has(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[path]
	return ok
}

var (
	_ repository.Repository = (*Repository)(nil)
	_ repository.BlobStore  = (*BlobStore)(nil)
)
