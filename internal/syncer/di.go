package syncer

import (
	"github.com/foxseedlab/fieldsync/internal/backend"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/connectivity"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Engine, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		blobs := do.MustInvoke[repository.BlobStore](i)
		client := do.MustInvoke[backend.Client](i)
		probe := do.MustInvoke[connectivity.Probe](i)
		return NewEngine(repo, blobs, client, probe, Options{
			Interval:        cfg.SyncInterval(),
			Concurrency:     cfg.SyncConcurrency,
			RetryDelay:      cfg.SyncRetryDelay(),
			StuckAfter:      cfg.SyncStuckAfter(),
			SyncedRetention: cfg.SyncedRetention(),
		}), nil
	})
}
