//go:build !opus

package audio

import (
	"fmt"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/spf13/afero"
)

func newOpusEncoder(_ afero.Fs, _ audio.Config, _ string) (encoder, error) {
	return nil, fmt.Errorf("%w: opus support not built in", errUnsupportedCodec)
}
