package syncer

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/fieldsync/internal/backend"
	"github.com/foxseedlab/fieldsync/internal/connectivity"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/repository/repotest"
	"github.com/foxseedlab/fieldsync/internal/survey"
)

type mockBackend struct {
	mu        sync.Mutex
	submits   map[string]int
	uploads   map[string]int
	bodies    map[string]string
	omitID    bool
	submitErr error
	uploadErr error
	gate      chan struct{}
	entered   chan struct{}
	onUpload  func(recordID string)
}

func newMockBackend() *mockBackend {
	return &mockBackend{submits: map[string]int{}, uploads: map[string]int{}, bodies: map[string]string{}}
}

func (m *mockBackend) UploadAudio(_ context.Context, up backend.AudioUpload) (backend.AudioUploadResult, error) {
	body, _ := io.ReadAll(up.Body)
	if m.onUpload != nil {
		m.onUpload(up.RecordID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[up.RecordID]++
	if m.uploadErr != nil {
		return backend.AudioUploadResult{}, m.uploadErr
	}
	m.bodies[up.RecordID] = string(body)
	return backend.AudioUploadResult{AudioURL: "https://cdn.example.org/" + up.FileName, Size: int64(len(body))}, nil
}

func (m *mockBackend) SubmitCompletion(_ context.Context, sub backend.Submission) (backend.Ack, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits[sub.RecordID]++
	if m.submitErr != nil {
		return backend.Ack{}, m.submitErr
	}
	if m.omitID {
		return backend.Ack{Message: "saved"}, nil
	}
	return backend.Ack{ResponseID: "resp-" + sub.RecordID}, nil
}

func (m *mockBackend) submitCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits[id]
}

func (m *mockBackend) uploadCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads[id]
}

type switchProbe struct {
	mu     sync.Mutex
	online bool
}

func (p *switchProbe) IsOnline(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

type testEnv struct {
	clock  *repotest.Clock
	repo   *repotest.Repository
	blobs  *repotest.BlobStore
	client *mockBackend
	engine *Engine
}

func newTestEnv(t *testing.T, probe connectivity.Probe, opts Options) *testEnv {
	t.Helper()
	clock := repotest.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	env := &testEnv{
		clock:  clock,
		repo:   repotest.NewRepository(clock.Now),
		blobs:  repotest.NewBlobStore(),
		client: newMockBackend(),
	}
	env.engine = NewEngine(env.repo, env.blobs, env.client, probe, opts)
	env.engine.now = clock.Now
	return env
}

func (env *testEnv) savePending(t *testing.T, id string, cati bool) {
	t.Helper()
	rec := &repository.InterviewRecord{
		ID:              id,
		SurveyID:        "survey-1",
		SessionID:       "sess-" + id,
		IsCatiMode:      cati,
		StartTime:       env.clock.Now().Add(-10 * time.Minute),
		InterviewStatus: repository.InterviewCompleted,
		FinalResponses: []survey.FinalResponse{
			{QuestionID: "q1", QuestionType: survey.QuestionText, Response: survey.Text("yes")},
		},
		Metadata: repository.Metadata{},
		Status:   repository.RecordStatusPending,
	}
	if cati {
		rec.CatiQueueID = "queue-" + id
	} else {
		rec.AudioOfflinePath = id + "/capture.wav"
		rec.AudioUploadStatus = repository.AudioUploadPending
		env.blobs.Put(rec.AudioOfflinePath, []byte("RIFF-"+id))
	}
	if err := env.repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
	env.clock.Advance(time.Second)
}

func (env *testEnv) status(t *testing.T, id string) *repository.InterviewRecord {
	t.Helper()
	rec, err := env.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestRunPass_SyncsPendingRecordsOnce(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{Concurrency: 2})
	env.savePending(t, "r1", false)
	env.savePending(t, "r2", true)

	report, err := env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Synced != 2 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, id := range []string{"r1", "r2"} {
		rec := env.status(t, id)
		if rec.Status != repository.RecordStatusSynced {
			t.Fatalf("%s: expected synced, got %s", id, rec.Status)
		}
		if rec.ServerResponseID() != "resp-"+id {
			t.Fatalf("%s: unexpected server response id %q", id, rec.ServerResponseID())
		}
	}
	if env.client.uploadCount("r2") != 0 {
		t.Fatal("CATI records have no audio step")
	}
	if env.client.bodies["r1"] != "RIFF-r1" {
		t.Fatalf("unexpected uploaded audio %q", env.client.bodies["r1"])
	}

	for i := 0; i < 3; i++ {
		if _, err := env.engine.RunPass(context.Background()); err != nil {
			t.Fatalf("repeat pass: %v", err)
		}
	}
	if env.client.submitCount("r1") != 1 || env.client.submitCount("r2") != 1 {
		t.Fatalf("synced records were resubmitted: r1=%d r2=%d", env.client.submitCount("r1"), env.client.submitCount("r2"))
	}
}

func TestRunPass_MissingResponseIDFailsRecord(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{RetryDelay: time.Hour})
	env.client.omitID = true
	env.savePending(t, "r1", true)

	report, err := env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	rec := env.status(t, "r1")
	if rec.Status != repository.RecordStatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.ServerResponseID() != "" {
		t.Fatal("no server id may be stored for an unverified submission")
	}
	if !strings.Contains(rec.LastError, "response id") {
		t.Fatalf("unexpected last error %q", rec.LastError)
	}
}

func TestRunPass_OfflineIsNoop(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(false), Options{})
	env.savePending(t, "r1", false)

	report, err := env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if !report.Offline {
		t.Fatalf("expected offline report, got %+v", report)
	}
	if env.status(t, "r1").Status != repository.RecordStatusPending {
		t.Fatal("record must stay pending while offline")
	}
	if env.client.submitCount("r1") != 0 {
		t.Fatal("no network call may happen while offline")
	}
}

func TestRunPass_RetryReusesUploadedAudio(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{RetryDelay: time.Minute})
	env.client.submitErr = errors.New("gateway timeout")
	env.savePending(t, "r1", false)

	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	rec := env.status(t, "r1")
	if rec.Status != repository.RecordStatusFailed {
		t.Fatalf("expected failed after submit error, got %s", rec.Status)
	}
	if rec.Metadata.String(repository.MetaAudioURL) == "" || rec.AudioUploadStatus != repository.AudioUploadUploaded {
		t.Fatal("audio upload must be recorded even though submission failed")
	}

	report, err := env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Requeued != 0 {
		t.Fatal("failed record requeued before retry delay")
	}

	env.client.mu.Lock()
	env.client.submitErr = nil
	env.client.mu.Unlock()
	env.clock.Advance(2 * time.Minute)
	report, err = env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if report.Requeued != 1 || report.Synced != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if env.client.uploadCount("r1") != 1 {
		t.Fatalf("audio uploaded %d times", env.client.uploadCount("r1"))
	}
	if env.client.submitCount("r1") != 2 {
		t.Fatalf("expected two submissions, got %d", env.client.submitCount("r1"))
	}
	if env.status(t, "r1").SyncAttempts != 2 {
		t.Fatal("expected two sync attempts to be counted")
	}
}

func TestRunPass_AudioUploadFailure(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{RetryDelay: time.Hour})
	env.client.uploadErr = errors.New("413 payload too large")
	env.savePending(t, "r1", false)

	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	rec := env.status(t, "r1")
	if rec.Status != repository.RecordStatusFailed || rec.AudioUploadStatus != repository.AudioUploadFailed {
		t.Fatalf("unexpected state status=%s audio=%s", rec.Status, rec.AudioUploadStatus)
	}
	if env.client.submitCount("r1") != 0 {
		t.Fatal("completion must not be submitted without its audio")
	}
}

func TestRunPass_MarksAudioUploadingDuringUpload(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{})
	env.savePending(t, "r1", false)

	var during repository.AudioUploadStatus
	env.client.onUpload = func(id string) {
		if rec, err := env.repo.GetByID(context.Background(), id); err == nil {
			during = rec.AudioUploadStatus
		}
	}
	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	if during != repository.AudioUploadUploading {
		t.Fatalf("expected uploading while the audio is sent, got %q", during)
	}
	if got := env.status(t, "r1").AudioUploadStatus; got != repository.AudioUploadUploaded {
		t.Fatalf("expected uploaded after the pass, got %q", got)
	}
}

func TestRecover_ProcessesInterruptedRecordOnce(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{RetryDelay: time.Hour})
	env.savePending(t, "r1", false)
	if _, err := env.repo.ClaimForSync(context.Background(), "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// A new engine over the same store stands in for the relaunched process.
	restarted := NewEngine(env.repo, env.blobs, env.client, connectivity.Static(true), Options{RetryDelay: time.Hour})
	restarted.now = env.clock.Now
	if err := restarted.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if env.status(t, "r1").Status != repository.RecordStatusPending {
		t.Fatal("interrupted record must be pending after recovery")
	}

	for i := 0; i < 2; i++ {
		if _, err := restarted.RunPass(context.Background()); err != nil {
			t.Fatalf("pass: %v", err)
		}
	}
	if env.client.submitCount("r1") != 1 {
		t.Fatalf("expected exactly one submission, got %d", env.client.submitCount("r1"))
	}
	if env.status(t, "r1").Status != repository.RecordStatusSynced {
		t.Fatal("expected synced")
	}
}

func TestRunPass_WatchdogResetsStuckRecords(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{StuckAfter: 5 * time.Minute, RetryDelay: 10 * time.Minute})
	env.savePending(t, "r1", true)
	if _, err := env.repo.ClaimForSync(context.Background(), "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	report, _ := env.engine.RunPass(context.Background())
	if report.ResetStuck != 0 {
		t.Fatal("fresh syncing record must not be reset")
	}
	env.clock.Advance(6 * time.Minute)
	report, _ = env.engine.RunPass(context.Background())
	if report.ResetStuck != 1 {
		t.Fatalf("expected stuck record reset, got %+v", report)
	}
	rec := env.status(t, "r1")
	if rec.Status != repository.RecordStatusFailed || rec.LastError != stuckReason {
		t.Fatalf("unexpected state %s %q", rec.Status, rec.LastError)
	}
	env.clock.Advance(11 * time.Minute)
	report, _ = env.engine.RunPass(context.Background())
	if report.Synced != 1 {
		t.Fatalf("expected the reset record to sync, got %+v", report)
	}
}

func TestRunPass_ConcurrentPassesShareWork(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{})
	env.client.gate = make(chan struct{})
	env.client.entered = make(chan struct{}, 4)
	env.savePending(t, "r1", true)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.engine.RunPass(context.Background())
		}()
	}
	<-env.client.entered
	close(env.client.gate)
	wg.Wait()

	if env.client.submitCount("r1") != 1 {
		t.Fatalf("expected one submission, got %d", env.client.submitCount("r1"))
	}
}

func TestRunPass_CompleteSyncFailureLeavesNoIdentifier(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{RetryDelay: time.Hour})
	env.repo.CompleteErr = repository.ErrStorageFull
	env.savePending(t, "r1", true)

	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	rec := env.status(t, "r1")
	if rec.Status != repository.RecordStatusFailed || rec.ServerResponseID() != "" {
		t.Fatalf("identifier and status must move together: status=%s id=%q", rec.Status, rec.ServerResponseID())
	}
}

func TestRunPass_CollectsSyncedRecordsAndAudio(t *testing.T) {
	env := newTestEnv(t, connectivity.Static(true), Options{SyncedRetention: time.Hour})
	env.savePending(t, "r1", false)

	if _, err := env.engine.RunPass(context.Background()); err != nil {
		t.Fatalf("pass: %v", err)
	}
	env.clock.Advance(2 * time.Hour)
	report, err := env.engine.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass: %v", err)
	}
	if report.Collected != 1 {
		t.Fatalf("expected one collected record, got %+v", report)
	}
	if _, err := env.repo.GetByID(context.Background(), "r1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected record deleted, got %v", err)
	}
	if env.blobs.Has("r1/capture.wav") {
		t.Fatal("expected audio blob removed with the record")
	}
}

func TestRun_TriggerStartsPass(t *testing.T) {
	probe := &switchProbe{}
	env := newTestEnv(t, probe, Options{Interval: time.Hour})
	env.savePending(t, "r1", true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.engine.Run(ctx) }()

	probe.mu.Lock()
	probe.online = true
	probe.mu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	for env.client.submitCount("r1") == 0 && time.Now().Before(deadline) {
		env.engine.Trigger()
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run result %v", err)
	}
	if env.client.submitCount("r1") != 1 {
		t.Fatalf("expected one submission after trigger, got %d", env.client.submitCount("r1"))
	}
}
