package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SQLiteRepository stores interview records in a file on the device.
// Writers take the database lock at BEGIN (_txlock=immediate), so read-modify-write
// transactions never interleave.
type SQLiteRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate&_foreign_keys=on", path)
}

func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("open sqlite store: %w", err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, classifySQLite(fmt.Errorf("migrate sqlite store: %w", err))
	}
	return &SQLiteRepository{db: db, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r *SQLiteRepository) Save(ctx context.Context, rec *repository.InterviewRecord) error {
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		err := tx.Select("status").Where("id = ?", rec.ID).Take(&existing).Error
		switch {
		case err == nil:
			if s := repository.RecordStatus(existing.Status); s == repository.RecordStatusSyncing || s == repository.RecordStatusSynced {
				return fmt.Errorf("%w: record %s is %s", repository.ErrInvalidTransition, rec.ID, s)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return classifySQLite(fmt.Errorf("save record %s: %w", rec.ID, err))
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*repository.InterviewRecord, error) {
	var row recordRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", repository.ErrNotFound, id)
		}
		return nil, classifySQLite(fmt.Errorf("get record %s: %w", id, err))
	}
	return fromRow(row)
}

func (r *SQLiteRepository) ListByStatus(ctx context.Context, status repository.RecordStatus) ([]repository.InterviewRecord, error) {
	var rows []recordRow
	if err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, classifySQLite(fmt.Errorf("list %s records: %w", status, err))
	}
	list := make([]repository.InterviewRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status repository.RecordStatus, lastError string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		if err := tx.Select("status").Where("id = ?", id).Take(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
			}
			return err
		}
		from := repository.RecordStatus(existing.Status)
		if !repository.CanTransition(from, status) {
			return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, status)
		}
		return tx.Model(&recordRow{}).
			Where("id = ? AND status = ?", id, existing.Status).
			Updates(map[string]any{
				"status":     string(status),
				"last_error": lastError,
				"updated_at": r.now().UTC(),
			}).Error
	})
	if err != nil {
		return classifySQLite(fmt.Errorf("update status of %s: %w", id, err))
	}
	return nil
}

func (r *SQLiteRepository) ClaimForSync(ctx context.Context, id string) (*repository.InterviewRecord, error) {
	var claimed recordRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&recordRow{}).
			Where("id = ? AND status = ?", id, string(repository.RecordStatusPending)).
			Updates(map[string]any{
				"status":        string(repository.RecordStatusSyncing),
				"sync_attempts": gorm.Expr("sync_attempts + 1"),
				"updated_at":    r.now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := tx.Select("id").Where("id = ?", id).Take(&recordRow{}).Error; errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
			}
			return fmt.Errorf("%w: %s", repository.ErrNotClaimable, id)
		}
		return tx.Where("id = ?", id).Take(&claimed).Error
	})
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("claim record %s: %w", id, err))
	}
	return fromRow(claimed)
}

func (r *SQLiteRepository) MarkAudioUploading(ctx context.Context, id string) error {
	return r.patchSyncing(ctx, id, "mark audio uploading", nil, map[string]any{
		"audio_upload_status": string(repository.AudioUploadUploading),
		"audio_upload_error":  "",
	})
}

func (r *SQLiteRepository) RecordAudioUpload(ctx context.Context, id string, upload repository.AudioUpload) error {
	return r.patchSyncing(ctx, id, "record audio upload", repository.Metadata{
		repository.MetaAudioURL:        upload.URL,
		repository.MetaAudioSize:       upload.Size,
		repository.MetaAudioUploadedAt: upload.UploadedAt.UTC().Format(time.RFC3339),
	}, map[string]any{
		"audio_upload_status": string(repository.AudioUploadUploaded),
		"audio_upload_error":  "",
	})
}

func (r *SQLiteRepository) MarkAudioUploadFailed(ctx context.Context, id string, reason string) error {
	err := r.db.WithContext(ctx).Model(&recordRow{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"audio_upload_status": string(repository.AudioUploadFailed),
			"audio_upload_error":  reason,
			"updated_at":          r.now().UTC(),
		}).Error
	if err != nil {
		return classifySQLite(fmt.Errorf("mark audio upload failed for %s: %w", id, err))
	}
	return nil
}

func (r *SQLiteRepository) CompleteSync(ctx context.Context, id, serverResponseID string, at time.Time) error {
	if serverResponseID == "" {
		return fmt.Errorf("complete sync of %s: empty server response id", id)
	}
	syncedAt := at.UTC()
	return r.patchSyncing(ctx, id, "complete sync", repository.Metadata{
		repository.MetaServerResponseID: serverResponseID,
	}, map[string]any{
		"status":     string(repository.RecordStatusSynced),
		"synced_at":  syncedAt,
		"last_error": "",
	})
}

// patchSyncing merges metadata and applies fields to a record that is currently syncing,
// as one statement inside one transaction.
func (r *SQLiteRepository) patchSyncing(ctx context.Context, id, op string, patch repository.Metadata, fields map[string]any) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing recordRow
		if err := tx.Select("status", "metadata").Where("id = ?", id).Take(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", repository.ErrNotFound, id)
			}
			return err
		}
		if existing.Status != string(repository.RecordStatusSyncing) {
			return fmt.Errorf("%w: record %s is %s", repository.ErrInvalidTransition, id, existing.Status)
		}
		merged, err := mergeMetadata(existing.Metadata, patch)
		if err != nil {
			return fmt.Errorf("merge metadata: %w", err)
		}
		fields["metadata"] = merged
		fields["updated_at"] = r.now().UTC()
		return tx.Model(&recordRow{}).
			Where("id = ? AND status = ?", id, string(repository.RecordStatusSyncing)).
			Updates(fields).Error
	})
	if err != nil {
		return classifySQLite(fmt.Errorf("%s for %s: %w", op, id, err))
	}
	return nil
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	result := r.db.WithContext(ctx).Model(&recordRow{}).
		Where("id = ? AND status = ?", id, string(repository.RecordStatusSyncing)).
		Updates(map[string]any{
			"status":     string(repository.RecordStatusFailed),
			"last_error": reason,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return classifySQLite(fmt.Errorf("mark %s failed: %w", id, result.Error))
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("mark %s failed: %w", id, repository.ErrInvalidTransition)
	}
	return nil
}

func (r *SQLiteRepository) RequeueFailed(ctx context.Context, updatedBefore time.Time) (int, error) {
	result := r.db.WithContext(ctx).Model(&recordRow{}).
		Where("status = ? AND updated_at < ?", string(repository.RecordStatusFailed), updatedBefore.UTC()).
		Updates(map[string]any{
			"status":     string(repository.RecordStatusPending),
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return 0, classifySQLite(fmt.Errorf("requeue failed records: %w", result.Error))
	}
	return int(result.RowsAffected), nil
}

func (r *SQLiteRepository) ResetStuck(ctx context.Context, updatedBefore time.Time, reason string) (int, error) {
	result := r.db.WithContext(ctx).Model(&recordRow{}).
		Where("status = ? AND updated_at < ?", string(repository.RecordStatusSyncing), updatedBefore.UTC()).
		Updates(map[string]any{
			"status":     string(repository.RecordStatusFailed),
			"last_error": reason,
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		return 0, classifySQLite(fmt.Errorf("reset stuck records: %w", result.Error))
	}
	return int(result.RowsAffected), nil
}

func (r *SQLiteRepository) DeleteSynced(ctx context.Context, syncedBefore time.Time) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&recordRow{}).
			Where("status = ? AND synced_at < ?", string(repository.RecordStatusSynced), syncedBefore.UTC()).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("id IN ?", ids).Delete(&recordRow{}).Error
	})
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("delete synced records: %w", err))
	}
	return ids, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&recordRow{}).Error; err != nil {
		return classifySQLite(fmt.Errorf("delete record %s: %w", id, err))
	}
	return nil
}

func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			return fmt.Errorf("%w: %w", repository.ErrStorageFull, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrReadonly, sqlite3.ErrNotADB, sqlite3.ErrCorrupt, sqlite3.ErrPerm:
			return fmt.Errorf("%w: %w", repository.ErrStorageUnavailable, err)
		}
	}
	return classifyOS(err)
}
