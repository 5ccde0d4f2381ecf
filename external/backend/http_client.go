package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/foxseedlab/fieldsync/internal/backend"
	"github.com/go-resty/resty/v2"
)

const (
	uploadAudioPath  = "/api/survey-responses/upload-audio"
	capiCompletePath = "/api/survey-responses/%s/complete"
	catiCompletePath = "/api/cati-interview/complete/%s"
)

type HTTPClient struct {
	client *resty.Client
	now    func() time.Time
}

func NewHTTPClient(baseURL, apiToken string, timeout time.Duration) *HTTPClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiToken != "" {
		c.SetAuthToken(apiToken)
	}
	return &HTTPClient{client: c, now: time.Now}
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type uploadData struct {
	AudioURL string `json:"audioUrl"`
	Size     int64  `json:"size"`
}

type ackData struct {
	ResponseID string `json:"responseId"`
	ID         string `json:"_id"`
}

func (c *HTTPClient) UploadAudio(ctx context.Context, upload backend.AudioUpload) (backend.AudioUploadResult, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", upload.RecordID).
		SetFileReader("audio", upload.FileName, upload.Body).
		SetFormData(map[string]string{
			"sessionId": upload.SessionID,
			"surveyId":  upload.SurveyID,
		}).
		Post(uploadAudioPath)
	if err != nil {
		return backend.AudioUploadResult{}, fmt.Errorf("%w: upload audio: %w", backend.ErrSubmissionFailed, err)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return backend.AudioUploadResult{}, fmt.Errorf("upload audio: %w", err)
	}

	var data uploadData
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	if data.AudioURL == "" {
		_ = json.Unmarshal(resp.Body(), &data)
	}
	if data.AudioURL == "" {
		return backend.AudioUploadResult{}, fmt.Errorf("%w: upload audio: response has no audioUrl", backend.ErrSubmissionFailed)
	}
	if data.Size == 0 {
		data.Size = upload.Size
	}
	return backend.AudioUploadResult{AudioURL: data.AudioURL, Size: data.Size, UploadedAt: c.now()}, nil
}

func (c *HTTPClient) SubmitCompletion(ctx context.Context, sub backend.Submission) (backend.Ack, error) {
	endpoint := fmt.Sprintf(capiCompletePath, url.PathEscape(sub.SessionID))
	if sub.IsCatiMode {
		endpoint = fmt.Sprintf(catiCompletePath, url.PathEscape(sub.CatiQueueID))
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", sub.RecordID).
		SetBody(sub.Payload).
		Post(endpoint)
	if err != nil {
		return backend.Ack{}, fmt.Errorf("%w: submit completion: %w", backend.ErrSubmissionFailed, err)
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return backend.Ack{}, fmt.Errorf("submit completion: %w", err)
	}

	var data ackData
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	id := data.ResponseID
	if id == "" {
		id = data.ID
	}
	if id == "" {
		return backend.Ack{}, fmt.Errorf("submit completion for %s: %w", sub.RecordID, backend.ErrVerificationFailed)
	}
	return backend.Ack{ResponseID: id, Message: env.Message}, nil
}

func decodeEnvelope(resp *resty.Response) (envelope, error) {
	var env envelope
	if !isHTTPSuccessStatus(resp.StatusCode()) {
		_ = json.Unmarshal(resp.Body(), &env)
		return env, fmt.Errorf("%w: backend returned status %d: %s", backend.ErrSubmissionFailed, resp.StatusCode(), env.Message)
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return env, fmt.Errorf("%w: decode response: %w", backend.ErrSubmissionFailed, err)
	}
	if env.Success != nil && !*env.Success {
		return env, fmt.Errorf("%w: backend reported failure: %s", backend.ErrSubmissionFailed, env.Message)
	}
	return env, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

var _ backend.Client = (*HTTPClient)(nil)
