package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository serves kiosk deployments where several tablets share one host.
type PostgresRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, now: time.Now}
}

const selectRecordColumns = `id, survey_id, session_id, cati_queue_id, call_id, is_cati_mode,
	responses::text, final_responses::text, COALESCE(location_data::text, ''), selected_ac,
	COALESCE(selected_polling_station::text, ''), selected_set_number, start_time, end_time, duration,
	interview_status, audio_uri, audio_offline_path, audio_upload_status, audio_upload_error,
	COALESCE(audio_info::text, ''), metadata::text, status::text, sync_attempts, last_error,
	created_at, updated_at, synced_at`

func scanRecord(row pgx.Row) (recordRow, error) {
	var r recordRow
	err := row.Scan(&r.ID, &r.SurveyID, &r.SessionID, &r.CatiQueueID, &r.CallID, &r.IsCatiMode,
		&r.Responses, &r.FinalResponses, &r.LocationData, &r.SelectedAC,
		&r.SelectedPollingStation, &r.SelectedSetNumber, &r.StartTime, &r.EndTime, &r.Duration,
		&r.InterviewStatus, &r.AudioURI, &r.AudioOfflinePath, &r.AudioUploadStatus, &r.AudioUploadError,
		&r.AudioInfo, &r.Metadata, &r.Status, &r.SyncAttempts, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt, &r.SyncedAt)
	return r, err
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) Save(ctx context.Context, rec *repository.InterviewRecord) error {
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO interview_records (id, survey_id, session_id, cati_queue_id, call_id, is_cati_mode,
			responses, final_responses, location_data, selected_ac, selected_polling_station, selected_set_number,
			start_time, end_time, duration, interview_status, audio_uri, audio_offline_path, audio_upload_status,
			audio_upload_error, audio_info, metadata, status, sync_attempts, last_error, created_at, updated_at, synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, NULLIF($9, '')::jsonb, $10, NULLIF($11, '')::jsonb, $12,
			$13, $14, $15, $16, $17, $18, $19, $20, NULLIF($21, '')::jsonb, $22::jsonb, $23::record_status, $24, $25, $26, $27, $28)
		 ON CONFLICT (id) DO UPDATE SET
			survey_id = EXCLUDED.survey_id, session_id = EXCLUDED.session_id, cati_queue_id = EXCLUDED.cati_queue_id,
			call_id = EXCLUDED.call_id, is_cati_mode = EXCLUDED.is_cati_mode, responses = EXCLUDED.responses,
			final_responses = EXCLUDED.final_responses, location_data = EXCLUDED.location_data,
			selected_ac = EXCLUDED.selected_ac, selected_polling_station = EXCLUDED.selected_polling_station,
			selected_set_number = EXCLUDED.selected_set_number, start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time, duration = EXCLUDED.duration, interview_status = EXCLUDED.interview_status,
			audio_uri = EXCLUDED.audio_uri, audio_offline_path = EXCLUDED.audio_offline_path,
			audio_upload_status = EXCLUDED.audio_upload_status, audio_upload_error = EXCLUDED.audio_upload_error,
			audio_info = EXCLUDED.audio_info, metadata = EXCLUDED.metadata, status = EXCLUDED.status,
			sync_attempts = EXCLUDED.sync_attempts, last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at, synced_at = EXCLUDED.synced_at
		 WHERE interview_records.status NOT IN ('syncing', 'synced')`,
		row.ID, row.SurveyID, row.SessionID, row.CatiQueueID, row.CallID, row.IsCatiMode,
		row.Responses, row.FinalResponses, row.LocationData, row.SelectedAC, row.SelectedPollingStation, row.SelectedSetNumber,
		row.StartTime, row.EndTime, row.Duration, row.InterviewStatus, row.AudioURI, row.AudioOfflinePath, row.AudioUploadStatus,
		row.AudioUploadError, row.AudioInfo, row.Metadata, row.Status, row.SyncAttempts, row.LastError, row.CreatedAt, row.UpdatedAt, row.SyncedAt)
	if err != nil {
		return classifyPostgres(fmt.Errorf("save record %s: %w", rec.ID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save record %s: %w", rec.ID, repository.ErrInvalidTransition)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*repository.InterviewRecord, error) {
	row, err := scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+selectRecordColumns+` FROM interview_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
		}
		return nil, classifyPostgres(fmt.Errorf("get record %s: %w", id, err))
	}
	return fromRow(row)
}

func (r *PostgresRepository) ListByStatus(ctx context.Context, status repository.RecordStatus) ([]repository.InterviewRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+selectRecordColumns+` FROM interview_records WHERE status = $1::record_status ORDER BY created_at ASC`,
		string(status))
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("list %s records: %w", status, err))
	}
	defer rows.Close()
	var list []repository.InterviewRecord
	for rows.Next() {
		row, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status repository.RecordStatus, lastError string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status::text FROM interview_records WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
			}
			return classifyPostgres(err)
		}
		from := repository.RecordStatus(current)
		if !repository.CanTransition(from, status) {
			return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, status)
		}
		_, err = tx.Exec(ctx,
			`UPDATE interview_records SET status = $2::record_status, last_error = $3, updated_at = $4 WHERE id = $1`,
			id, string(status), lastError, r.now().UTC())
		return classifyPostgres(err)
	})
}

func (r *PostgresRepository) ClaimForSync(ctx context.Context, id string) (*repository.InterviewRecord, error) {
	row, err := scanRecord(r.pool.QueryRow(ctx,
		`UPDATE interview_records SET status = 'syncing', sync_attempts = sync_attempts + 1, updated_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+selectRecordColumns, id, r.now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM interview_records WHERE id = $1)`, id).Scan(&exists); qerr == nil && !exists {
				return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
			}
			return nil, fmt.Errorf("%w: %s", repository.ErrNotClaimable, id)
		}
		return nil, classifyPostgres(fmt.Errorf("claim record %s: %w", id, err))
	}
	return fromRow(row)
}

func (r *PostgresRepository) MarkAudioUploading(ctx context.Context, id string) error {
	return r.execSyncing(ctx, id, "mark audio uploading",
		`UPDATE interview_records SET audio_upload_status = 'uploading', audio_upload_error = '', updated_at = $2
		 WHERE id = $1 AND status = 'syncing'`,
		id, r.now().UTC())
}

func (r *PostgresRepository) RecordAudioUpload(ctx context.Context, id string, upload repository.AudioUpload) error {
	patch, err := json.Marshal(repository.Metadata{
		repository.MetaAudioURL:        upload.URL,
		repository.MetaAudioSize:       upload.Size,
		repository.MetaAudioUploadedAt: upload.UploadedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return r.execSyncing(ctx, id, "record audio upload",
		`UPDATE interview_records SET audio_upload_status = 'uploaded', audio_upload_error = '',
			metadata = metadata || $2::jsonb, updated_at = $3
		 WHERE id = $1 AND status = 'syncing'`,
		id, string(patch), r.now().UTC())
}

func (r *PostgresRepository) MarkAudioUploadFailed(ctx context.Context, id string, reason string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE interview_records SET audio_upload_status = 'failed', audio_upload_error = $2, updated_at = $3 WHERE id = $1`,
		id, reason, r.now().UTC())
	if err != nil {
		return classifyPostgres(fmt.Errorf("mark audio upload failed for %s: %w", id, err))
	}
	return nil
}

func (r *PostgresRepository) CompleteSync(ctx context.Context, id, serverResponseID string, at time.Time) error {
	if serverResponseID == "" {
		return fmt.Errorf("complete sync of %s: empty server response id", id)
	}
	patch, err := json.Marshal(repository.Metadata{repository.MetaServerResponseID: serverResponseID})
	if err != nil {
		return err
	}
	return r.execSyncing(ctx, id, "complete sync",
		`UPDATE interview_records SET status = 'synced', synced_at = $3, last_error = '',
			metadata = metadata || $2::jsonb, updated_at = $4
		 WHERE id = $1 AND status = 'syncing'`,
		id, string(patch), at.UTC(), r.now().UTC())
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	return r.execSyncing(ctx, id, "mark failed",
		`UPDATE interview_records SET status = 'failed', last_error = $2, updated_at = $3
		 WHERE id = $1 AND status = 'syncing'`,
		id, reason, r.now().UTC())
}

func (r *PostgresRepository) execSyncing(ctx context.Context, id, op, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return classifyPostgres(fmt.Errorf("%s for %s: %w", op, id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s for %s: %w", op, id, repository.ErrInvalidTransition)
	}
	return nil
}

func (r *PostgresRepository) RequeueFailed(ctx context.Context, updatedBefore time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE interview_records SET status = 'pending', updated_at = $2 WHERE status = 'failed' AND updated_at < $1`,
		updatedBefore.UTC(), r.now().UTC())
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("requeue failed records: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) ResetStuck(ctx context.Context, updatedBefore time.Time, reason string) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE interview_records SET status = 'failed', last_error = $2, updated_at = $3 WHERE status = 'syncing' AND updated_at < $1`,
		updatedBefore.UTC(), reason, r.now().UTC())
	if err != nil {
		return 0, classifyPostgres(fmt.Errorf("reset stuck records: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) DeleteSynced(ctx context.Context, syncedBefore time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM interview_records WHERE status = 'synced' AND synced_at < $1 RETURNING id`, syncedBefore.UTC())
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("delete synced records: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPostgres(fmt.Errorf("delete synced records: %w", err))
	}
	return ids, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM interview_records WHERE id = $1`, id); err != nil {
		return classifyPostgres(fmt.Errorf("delete record %s: %w", id, err))
	}
	return nil
}

func classifyPostgres(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53100":
			return fmt.Errorf("%w: %w", repository.ErrStorageFull, err)
		case "53000", "53200", "53300", "57P01", "57P03", "08000", "08003", "08006", "25006":
			return fmt.Errorf("%w: %w", repository.ErrStorageUnavailable, err)
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %w", repository.ErrStorageUnavailable, err)
	}
	return classifyOS(err)
}
