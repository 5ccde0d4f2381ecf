package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const (
	databaseInitTimeout = 15 * time.Second
	sqliteFileName      = "interviews.db"
	blobDirName         = "audio"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.Repository, error) {
		cfg := do.MustInvoke[*config.Config](i)
		switch cfg.StoreDriver {
		case config.StoreDriverPostgres:
			return openPostgres(cfg.DatabaseURL)
		default:
			if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
				return nil, classifyOS(fmt.Errorf("create data dir: %w", err))
			}
			return OpenSQLite(filepath.Join(cfg.DataDir, sqliteFileName))
		}
	})
	do.Provide(injector, func(i do.Injector) (repository.BlobStore, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewOSBlobStore(filepath.Join(cfg.DataDir, blobDirName)), nil
	})
}

func openPostgres(databaseURL string) (repository.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
	defer cancel()

	p, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return NewPostgresRepository(p), nil
}
