package backend

import (
	"github.com/foxseedlab/fieldsync/internal/backend"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (backend.Client, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPClient(c.BackendBaseURL, c.BackendAPIToken, c.BackendTimeout()), nil
	})
}
