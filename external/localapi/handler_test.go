package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/interview"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/repository/repotest"
	"github.com/foxseedlab/fieldsync/internal/survey"
)

type idleRecorder struct{}

func (idleRecorder) Start(context.Context) (audio.Session, error) {
	return audio.Session{}, audio.ErrRecordingUnavailable
}

func (idleRecorder) Stop(context.Context) (audio.Result, error) {
	return audio.Result{}, audio.ErrNotRecording
}

type stubRecorder struct {
	state audio.State
}

func (r *stubRecorder) State() audio.State { return r.state }

func (r *stubRecorder) Pause() error {
	if r.state == audio.StateRecording {
		r.state = audio.StatePaused
	}
	return nil
}

func (r *stubRecorder) Resume() error {
	if r.state == audio.StatePaused {
		r.state = audio.StateRecording
	}
	return nil
}

type apiEnv struct {
	repo     *repotest.Repository
	recorder *stubRecorder
	server   *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	clock := repotest.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	repo := repotest.NewRepository(clock.Now)
	service := interview.NewService(&config.Config{DeviceID: "tablet-3"}, repo, repotest.NewBlobStore(), idleRecorder{}, survey.Rules{}, nil)
	recorder := &stubRecorder{state: audio.StateRecording}
	srv := httptest.NewServer(NewServer("", NewHandler(service, recorder)).Router())
	t.Cleanup(srv.Close)
	return &apiEnv{repo: repo, recorder: recorder, server: srv}
}

func (env *apiEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s %s: response is not JSON: %s", method, path, raw)
		}
	}
	return resp.StatusCode, out
}

const catiBegin = `{
	"surveyId": "survey-1",
	"sessionId": "sess-1",
	"isCatiMode": true,
	"catiQueueId": "queue-1",
	"questions": [{"id": "q1", "type": "single_choice", "text": "Party", "options": [{"text": "A", "value": "a"}]}]
}`

func TestHandler_InterviewLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/interviews", catiBegin)
	if status != http.StatusCreated {
		t.Fatalf("begin: status %d body %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" || body["sessionId"] != "sess-1" {
		t.Fatalf("unexpected draft %v", body)
	}

	status, body = env.do(t, http.MethodPost, "/interviews", catiBegin)
	if status != http.StatusConflict {
		t.Fatalf("second begin: expected 409, got %d %v", status, body)
	}

	status, _ = env.do(t, http.MethodPut, "/interviews/active/answers/q1", `{"kind":"single_choice","value":"a"}`)
	if status != http.StatusNoContent {
		t.Fatalf("answer: status %d", status)
	}
	status, body = env.do(t, http.MethodGet, "/interviews/active", "")
	if status != http.StatusOK || body["id"] != id {
		t.Fatalf("active: status %d body %v", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/interviews/active/complete", `{"callStatus":"success"}`)
	if status != http.StatusOK {
		t.Fatalf("complete: status %d body %v", status, body)
	}
	if body["recordId"] != id || body["status"] != string(repository.RecordStatusPending) {
		t.Fatalf("unexpected record %v", body)
	}
	rec, err := env.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("record not saved: %v", err)
	}
	if len(rec.FinalResponses) != 1 || rec.FinalResponses[0].Response.String() != "a" {
		t.Fatalf("unexpected final responses %+v", rec.FinalResponses)
	}

	status, _ = env.do(t, http.MethodGet, "/interviews/active", "")
	if status != http.StatusNotFound {
		t.Fatalf("expected no active interview after completion, got %d", status)
	}
}

func TestHandler_BeginErrors(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/interviews", `{"surveyId": "survey-1"}`)
	if status != http.StatusBadRequest {
		t.Fatalf("invalid input: expected 400, got %d", status)
	}
	status, _ = env.do(t, http.MethodPost, "/interviews", `not json`)
	if status != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", status)
	}

	capi := strings.Replace(catiBegin, `"isCatiMode": true`, `"isCatiMode": false, "selectedAC": "Bhowanipore", "locationData": {"latitude": 22.5, "longitude": 88.3, "timestamp": "2026-03-01T09:00:00Z"}`, 1)
	status, body := env.do(t, http.MethodPost, "/interviews", capi)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("audio unavailable: expected 503, got %d %v", status, body)
	}
	status, _ = env.do(t, http.MethodGet, "/interviews/active", "")
	if status != http.StatusNotFound {
		t.Fatalf("failed begin must not leave a draft, got %d", status)
	}
}

func TestHandler_AbandonRequiresReason(t *testing.T) {
	env := newAPIEnv(t)
	if status, _ := env.do(t, http.MethodPost, "/interviews", catiBegin); status != http.StatusCreated {
		t.Fatalf("begin: status %d", status)
	}

	status, _ := env.do(t, http.MethodPost, "/interviews/active/abandon", `{}`)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", status)
	}
	status, body := env.do(t, http.MethodPost, "/interviews/active/abandon", `{"reason":"respondent left"}`)
	if status != http.StatusOK || body["interviewStatus"] != string(repository.InterviewAbandoned) {
		t.Fatalf("abandon: status %d body %v", status, body)
	}
}

func TestHandler_RecordingPauseResume(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/recording/pause", "")
	if status != http.StatusOK || body["state"] != "paused" {
		t.Fatalf("pause: status %d body %v", status, body)
	}
	status, body = env.do(t, http.MethodPost, "/recording/resume", "")
	if status != http.StatusOK || body["state"] != "recording" {
		t.Fatalf("resume: status %d body %v", status, body)
	}
}

func TestServer_StopsWhenContextEnds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), NewHandler(nil, &stubRecorder{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, ln) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
}
