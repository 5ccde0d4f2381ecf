package localapi

import (
	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/interview"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		service := do.MustInvoke[*interview.Service](i)
		controller := do.MustInvoke[*audio.Controller](i)
		return NewServer(cfg.LocalAPIAddr, NewHandler(service, controller)), nil
	})
}
