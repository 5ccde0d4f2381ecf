package audio

import (
	"path/filepath"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/foxseedlab/fieldsync/internal/config"
	"github.com/samber/do/v2"
	"github.com/spf13/afero"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (audio.Device, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewCaptureDevice(afero.NewOsFs(), c.AudioCaptureCommand, c.AudioDevicePath, filepath.Join(c.DataDir, "run")), nil
	})
	do.Provide(injector, func(i do.Injector) (*audio.Controller, error) {
		c := do.MustInvoke[*config.Config](i)
		device := do.MustInvoke[audio.Device](i)
		return audio.NewController(device, audio.Options{
			Ladder:       audio.DefaultLadder,
			MaxAttempts:  c.AudioMaxAttempts,
			StartTimeout: c.AudioStartTimeout(),
			Settle:       c.AudioSettle(),
			Backoff:      c.AudioBackoff(),
			Dir:          filepath.Join(c.DataDir, "capture"),
		}), nil
	})
}
