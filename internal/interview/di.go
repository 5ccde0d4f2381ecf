package interview

import (
	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/foxseedlab/fieldsync/internal/repository"
	"github.com/foxseedlab/fieldsync/internal/survey"
	"github.com/foxseedlab/fieldsync/internal/syncer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Service, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		blobs := do.MustInvoke[repository.BlobStore](i)
		recorder := do.MustInvoke[*audio.Controller](i)
		engine := do.MustInvoke[*syncer.Engine](i)
		rules, err := survey.LoadRules(cfg.SurveyRulesFile)
		if err != nil {
			return nil, err
		}
		var trigger SyncTrigger = engine
		if !cfg.SyncTriggerOnComplete {
			trigger = nil
		}
		return NewService(cfg, repo, blobs, recorder, rules, trigger), nil
	})
}
