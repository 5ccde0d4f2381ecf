package connectivity

import (
	"time"

	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/connectivity"
	"github.com/samber/do/v2"
)

const maxProbeTimeout = 5 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (connectivity.Probe, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPProbe(c.BackendBaseURL, c.BackendHealthPath, min(c.BackendTimeout(), maxProbeTimeout)), nil
	})
}
