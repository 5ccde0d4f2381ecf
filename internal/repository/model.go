package repository

import (
	"time"

	"github.com/foxseedlab/fieldsync/internal/survey"
)

type RecordStatus string

const (
	RecordStatusPending RecordStatus = "pending"
	RecordStatusSyncing RecordStatus = "syncing"
	RecordStatusSynced  RecordStatus = "synced"
	RecordStatusFailed  RecordStatus = "failed"
)

// CanTransition reports whether a record may move from one sync status to another.
func CanTransition(from, to RecordStatus) bool {
	switch from {
	case RecordStatusPending:
		return to == RecordStatusSyncing
	case RecordStatusSyncing:
		return to == RecordStatusSynced || to == RecordStatusFailed
	case RecordStatusFailed:
		return to == RecordStatusPending
	default:
		return false
	}
}

type AudioUploadStatus string

const (
	AudioUploadAbsent    AudioUploadStatus = ""
	AudioUploadPending   AudioUploadStatus = "pending"
	AudioUploadUploading AudioUploadStatus = "uploading"
	AudioUploadUploaded  AudioUploadStatus = "uploaded"
	AudioUploadFailed    AudioUploadStatus = "failed"
)

// InterviewStatus is how the interview itself ended, independent of sync state.
type InterviewStatus string

const (
	InterviewCompleted InterviewStatus = "Completed"
	InterviewAbandoned InterviewStatus = "abandoned"
)

const (
	MetaServerResponseID = "serverResponseId"
	MetaAudioURL         = "audioUrl"
	MetaAudioSize        = "audioSize"
	MetaAudioUploadedAt  = "audioUploadedAt"
	MetaQualityMetrics   = "qualityMetrics"
	MetaCallStatus       = "callStatus"
	MetaAbandonReason    = "abandonReason"
	MetaAbandonNotes     = "abandonNotes"
	MetaDeviceID         = "deviceId"
)

type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Address   string    `json:"address,omitempty"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PollingStation struct {
	State       string `json:"state,omitempty"`
	District    string `json:"district,omitempty"`
	ACNo        string `json:"acNo,omitempty"`
	ACName      string `json:"acName,omitempty"`
	PCNo        string `json:"pcNo,omitempty"`
	PCName      string `json:"pcName,omitempty"`
	GroupName   string `json:"groupName,omitempty"`
	StationName string `json:"stationName,omitempty"`
	GPSLocation string `json:"gpsLocation,omitempty"`
	RoundNumber string `json:"roundNumber,omitempty"`
}

// AudioInfo describes the captured file. It is filled when the recording stops.
type AudioInfo struct {
	Format          string  `json:"format,omitempty"`
	Codec           string  `json:"codec,omitempty"`
	BitRate         int     `json:"bitrate,omitempty"`
	SampleRate      int     `json:"sampleRate,omitempty"`
	FileSize        int64   `json:"fileSize,omitempty"`
	DurationSeconds float64 `json:"recordingDuration,omitempty"`
}

// Metadata is a write-once bag of completion details.
type Metadata map[string]any

// SetOnce stores v under key unless the key already holds a value.
func (m Metadata) SetOnce(key string, v any) bool {
	if _, exists := m[key]; exists {
		return false
	}
	m[key] = v
	return true
}

func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

type InterviewRecord struct {
	ID          string
	SurveyID    string
	SessionID   string
	CatiQueueID string
	CallID      string
	IsCatiMode  bool

	Responses      map[string]survey.Answer
	FinalResponses []survey.FinalResponse

	LocationData           *Location
	SelectedAC             string
	SelectedPollingStation *PollingStation
	SelectedSetNumber      *int

	StartTime time.Time
	EndTime   *time.Time
	Duration  int64

	InterviewStatus InterviewStatus

	AudioURI          string
	AudioOfflinePath  string
	AudioUploadStatus AudioUploadStatus
	AudioUploadError  string
	AudioInfo         *AudioInfo

	Metadata Metadata

	Status       RecordStatus
	SyncAttempts int
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
	SyncedAt  *time.Time
}

func (r *InterviewRecord) HasAudio() bool {
	return !r.IsCatiMode && (r.AudioOfflinePath != "" || r.AudioUploadStatus == AudioUploadUploaded)
}

func (r *InterviewRecord) ServerResponseID() string {
	return r.Metadata.String(MetaServerResponseID)
}
