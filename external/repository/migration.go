package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE record_status AS ENUM ('pending', 'syncing', 'synced', 'failed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS interview_records (
		id TEXT PRIMARY KEY,
		survey_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		cati_queue_id TEXT NOT NULL DEFAULT '',
		call_id TEXT NOT NULL DEFAULT '',
		is_cati_mode BOOLEAN NOT NULL DEFAULT FALSE,
		responses JSONB NOT NULL DEFAULT '{}'::jsonb,
		final_responses JSONB NOT NULL DEFAULT '[]'::jsonb,
		location_data JSONB,
		selected_ac TEXT NOT NULL DEFAULT '',
		selected_polling_station JSONB,
		selected_set_number INTEGER,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		duration BIGINT NOT NULL DEFAULT 0,
		interview_status TEXT NOT NULL DEFAULT '',
		audio_uri TEXT NOT NULL DEFAULT '',
		audio_offline_path TEXT NOT NULL DEFAULT '',
		audio_upload_status TEXT NOT NULL DEFAULT '',
		audio_upload_error TEXT NOT NULL DEFAULT '',
		audio_info JSONB,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		status record_status NOT NULL DEFAULT 'pending',
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		synced_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interview_records_status ON interview_records (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_interview_records_syncing ON interview_records (updated_at) WHERE status = 'syncing'`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
