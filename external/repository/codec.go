package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
)

// recordRow is the persisted shape of an interview record. Nested values are stored as JSON.
type recordRow struct {
	ID                     string     `gorm:"column:id;primaryKey"`
	SurveyID               string     `gorm:"column:survey_id;not null"`
	SessionID              string     `gorm:"column:session_id"`
	CatiQueueID            string     `gorm:"column:cati_queue_id"`
	CallID                 string     `gorm:"column:call_id"`
	IsCatiMode             bool       `gorm:"column:is_cati_mode;not null"`
	Responses              string     `gorm:"column:responses;not null"`
	FinalResponses         string     `gorm:"column:final_responses;not null"`
	LocationData           string     `gorm:"column:location_data"`
	SelectedAC             string     `gorm:"column:selected_ac"`
	SelectedPollingStation string     `gorm:"column:selected_polling_station"`
	SelectedSetNumber      *int       `gorm:"column:selected_set_number"`
	StartTime              time.Time  `gorm:"column:start_time;not null"`
	EndTime                *time.Time `gorm:"column:end_time"`
	Duration               int64      `gorm:"column:duration"`
	InterviewStatus        string     `gorm:"column:interview_status"`
	AudioURI               string     `gorm:"column:audio_uri"`
	AudioOfflinePath       string     `gorm:"column:audio_offline_path"`
	AudioUploadStatus      string     `gorm:"column:audio_upload_status"`
	AudioUploadError       string     `gorm:"column:audio_upload_error"`
	AudioInfo              string     `gorm:"column:audio_info"`
	Metadata               string     `gorm:"column:metadata;not null"`
	Status                 string     `gorm:"column:status;not null;index:idx_interview_records_status"`
	SyncAttempts           int        `gorm:"column:sync_attempts;not null"`
	LastError              string     `gorm:"column:last_error"`
	CreatedAt              time.Time  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt              time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
	SyncedAt               *time.Time `gorm:"column:synced_at"`
}

func (recordRow) TableName() string {
	return "interview_records"
}

func toRow(r *repository.InterviewRecord) (recordRow, error) {
	responses, err := marshalJSON(r.Responses, "{}")
	if err != nil {
		return recordRow{}, fmt.Errorf("encode responses: %w", err)
	}
	final, err := marshalJSON(r.FinalResponses, "[]")
	if err != nil {
		return recordRow{}, fmt.Errorf("encode final responses: %w", err)
	}
	location, err := marshalOptional(r.LocationData)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode location: %w", err)
	}
	station, err := marshalOptional(r.SelectedPollingStation)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode polling station: %w", err)
	}
	audioInfo, err := marshalOptional(r.AudioInfo)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode audio info: %w", err)
	}
	metadata, err := marshalJSON(r.Metadata, "{}")
	if err != nil {
		return recordRow{}, fmt.Errorf("encode metadata: %w", err)
	}
	return recordRow{
		ID:                     r.ID,
		SurveyID:               r.SurveyID,
		SessionID:              r.SessionID,
		CatiQueueID:            r.CatiQueueID,
		CallID:                 r.CallID,
		IsCatiMode:             r.IsCatiMode,
		Responses:              responses,
		FinalResponses:         final,
		LocationData:           location,
		SelectedAC:             r.SelectedAC,
		SelectedPollingStation: station,
		SelectedSetNumber:      r.SelectedSetNumber,
		StartTime:              r.StartTime.UTC(),
		EndTime:                utcPtr(r.EndTime),
		Duration:               r.Duration,
		InterviewStatus:        string(r.InterviewStatus),
		AudioURI:               r.AudioURI,
		AudioOfflinePath:       r.AudioOfflinePath,
		AudioUploadStatus:      string(r.AudioUploadStatus),
		AudioUploadError:       r.AudioUploadError,
		AudioInfo:              audioInfo,
		Metadata:               metadata,
		Status:                 string(r.Status),
		SyncAttempts:           r.SyncAttempts,
		LastError:              r.LastError,
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
		SyncedAt:               utcPtr(r.SyncedAt),
	}, nil
}

func fromRow(row recordRow) (*repository.InterviewRecord, error) {
	r := &repository.InterviewRecord{
		ID:                row.ID,
		SurveyID:          row.SurveyID,
		SessionID:         row.SessionID,
		CatiQueueID:       row.CatiQueueID,
		CallID:            row.CallID,
		IsCatiMode:        row.IsCatiMode,
		SelectedAC:        row.SelectedAC,
		SelectedSetNumber: row.SelectedSetNumber,
		StartTime:         row.StartTime,
		EndTime:           row.EndTime,
		Duration:          row.Duration,
		InterviewStatus:   repository.InterviewStatus(row.InterviewStatus),
		AudioURI:          row.AudioURI,
		AudioOfflinePath:  row.AudioOfflinePath,
		AudioUploadStatus: repository.AudioUploadStatus(row.AudioUploadStatus),
		AudioUploadError:  row.AudioUploadError,
		Status:            repository.RecordStatus(row.Status),
		SyncAttempts:      row.SyncAttempts,
		LastError:         row.LastError,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		SyncedAt:          row.SyncedAt,
	}
	r.Responses = map[string]survey.Answer{}
	if err := unmarshalJSON(row.Responses, &r.Responses); err != nil {
		return nil, fmt.Errorf("decode responses of %s: %w", row.ID, err)
	}
	if err := unmarshalJSON(row.FinalResponses, &r.FinalResponses); err != nil {
		return nil, fmt.Errorf("decode final responses of %s: %w", row.ID, err)
	}
	if row.LocationData != "" {
		r.LocationData = &repository.Location{}
		if err := unmarshalJSON(row.LocationData, r.LocationData); err != nil {
			return nil, fmt.Errorf("decode location of %s: %w", row.ID, err)
		}
	}
	if row.SelectedPollingStation != "" {
		r.SelectedPollingStation = &repository.PollingStation{}
		if err := unmarshalJSON(row.SelectedPollingStation, r.SelectedPollingStation); err != nil {
			return nil, fmt.Errorf("decode polling station of %s: %w", row.ID, err)
		}
	}
	if row.AudioInfo != "" {
		r.AudioInfo = &repository.AudioInfo{}
		if err := unmarshalJSON(row.AudioInfo, r.AudioInfo); err != nil {
			return nil, fmt.Errorf("decode audio info of %s: %w", row.ID, err)
		}
	}
	r.Metadata = repository.Metadata{}
	if err := unmarshalJSON(row.Metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", row.ID, err)
	}
	return r, nil
}

// mergeMetadata overlays patch onto the stored metadata JSON.
func mergeMetadata(stored string, patch repository.Metadata) (string, error) {
	m := repository.Metadata{}
	if err := unmarshalJSON(stored, &m); err != nil {
		return "", err
	}
	for k, v := range patch {
		m[k] = v
	}
	return marshalJSON(m, "{}")
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func marshalOptional[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	return marshalJSON(v, "")
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
