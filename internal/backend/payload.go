package backend

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
)

type CompletionPayload struct {
	Responses      []ResponseEntry    `json:"responses"`
	QualityMetrics map[string]any     `json:"qualityMetrics"`
	Metadata       SubmissionMetadata `json:"metadata"`
}

type ResponseEntry struct {
	QuestionID          string          `json:"questionId"`
	QuestionNumber      string          `json:"questionNumber,omitempty"`
	QuestionType        string          `json:"questionType"`
	QuestionText        string          `json:"questionText"`
	QuestionDescription string          `json:"questionDescription,omitempty"`
	QuestionOptions     []survey.Option `json:"questionOptions"`
	Response            any             `json:"response"`
	IsRequired          bool            `json:"isRequired"`
	IsSkipped           bool            `json:"isSkipped"`
}

type SubmissionMetadata struct {
	Status                 string                     `json:"status"`
	SessionID              string                     `json:"sessionId"`
	SurveyID               string                     `json:"surveyId"`
	LocalRecordID          string                     `json:"localRecordId"`
	StartTime              time.Time                  `json:"startTime"`
	EndTime                *time.Time                 `json:"endTime,omitempty"`
	TotalTimeSpent         int64                      `json:"totalTimeSpent"`
	Location               *repository.Location       `json:"location,omitempty"`
	SelectedAC             string                     `json:"selectedAC,omitempty"`
	SelectedPollingStation *repository.PollingStation `json:"selectedPollingStation,omitempty"`
	SetNumber              *int                       `json:"setNumber,omitempty"`
	AudioRecording         *AudioRecording            `json:"audioRecording,omitempty"`
	CallID                 string                     `json:"callId,omitempty"`
	CallStatus             string                     `json:"callStatus,omitempty"`
	AbandonReason          string                     `json:"abandonReason,omitempty"`
	AbandonNotes           string                     `json:"abandonNotes,omitempty"`
	DeviceID               string                     `json:"deviceId,omitempty"`
}

type AudioRecording struct {
	AudioURL          string     `json:"audioUrl"`
	HasAudio          bool       `json:"hasAudio"`
	RecordingDuration float64    `json:"recordingDuration"`
	Format            string     `json:"format"`
	Codec             string     `json:"codec"`
	BitRate           int        `json:"bitrate"`
	FileSize          int64      `json:"fileSize"`
	UploadedAt        *time.Time `json:"uploadedAt,omitempty"`
}

// NewSubmission maps a stored record to the completion request. It reads the uploaded
// audio URL from the record's metadata, so audio must be uploaded first.
func NewSubmission(rec *repository.InterviewRecord) Submission {
	responses := make([]ResponseEntry, 0, len(rec.FinalResponses))
	for _, fr := range rec.FinalResponses {
		opts := fr.QuestionOptions
		if opts == nil {
			opts = []survey.Option{}
		}
		responses = append(responses, ResponseEntry{
			QuestionID:          fr.QuestionID,
			QuestionNumber:      fr.QuestionNumber,
			QuestionType:        string(fr.QuestionType),
			QuestionText:        fr.QuestionText,
			QuestionDescription: fr.QuestionDescription,
			QuestionOptions:     opts,
			Response:            fr.Response.Raw(),
			IsRequired:          fr.IsRequired,
			IsSkipped:           fr.IsSkipped,
		})
	}

	quality, _ := rec.Metadata[repository.MetaQualityMetrics].(map[string]any)
	if quality == nil {
		quality = map[string]any{}
	}
	meta := SubmissionMetadata{
		Status:                 string(rec.InterviewStatus),
		SessionID:              rec.SessionID,
		SurveyID:               rec.SurveyID,
		LocalRecordID:          rec.ID,
		StartTime:              rec.StartTime.UTC(),
		EndTime:                utc(rec.EndTime),
		TotalTimeSpent:         rec.Duration,
		Location:               rec.LocationData,
		SelectedAC:             rec.SelectedAC,
		SelectedPollingStation: rec.SelectedPollingStation,
		SetNumber:              rec.SelectedSetNumber,
		CallID:                 rec.CallID,
		CallStatus:             rec.Metadata.String(repository.MetaCallStatus),
		AbandonReason:          rec.Metadata.String(repository.MetaAbandonReason),
		AbandonNotes:           rec.Metadata.String(repository.MetaAbandonNotes),
		DeviceID:               rec.Metadata.String(repository.MetaDeviceID),
	}
	if !rec.IsCatiMode {
		meta.AudioRecording = audioRecording(rec)
	}
	return Submission{
		RecordID:    rec.ID,
		IsCatiMode:  rec.IsCatiMode,
		SessionID:   rec.SessionID,
		CatiQueueID: rec.CatiQueueID,
		Payload: CompletionPayload{
			Responses:      responses,
			QualityMetrics: quality,
			Metadata:       meta,
		},
	}
}

func audioRecording(rec *repository.InterviewRecord) *AudioRecording {
	url := rec.Metadata.String(repository.MetaAudioURL)
	ar := &AudioRecording{AudioURL: url, HasAudio: url != ""}
	if info := rec.AudioInfo; info != nil {
		ar.RecordingDuration = info.DurationSeconds
		ar.Format = info.Format
		ar.Codec = info.Codec
		ar.BitRate = info.BitRate
		ar.FileSize = info.FileSize
	}
	if size := metaInt(rec.Metadata[repository.MetaAudioSize]); size > 0 {
		ar.FileSize = size
	}
	if ts, err := time.Parse(time.RFC3339, rec.Metadata.String(repository.MetaAudioUploadedAt)); err == nil {
		ar.UploadedAt = &ts
	}
	return ar
}

// metaInt reads a number that may have been decoded from JSON as float64.
func metaInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// AudioFileName is the upload name for a stored recording.
func AudioFileName(rec *repository.InterviewRecord) string {
	ext := filepath.Ext(rec.AudioOfflinePath)
	if ext == "" {
		ext = ".wav"
	}
	return rec.ID + ext
}
