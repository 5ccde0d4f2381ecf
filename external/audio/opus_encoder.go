//go:build opus

package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/hraban/opus"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/spf13/afero"
)

// Ogg Opus granule positions always count 48 kHz samples.
const opusGranuleRate = 48000

type opusEncoder struct {
	cfg  audio.Config
	enc  *opus.Encoder
	ogg  *oggwriter.OggWriter
	pcm  []int16
	out  []byte
	seq  uint16
	ts   uint32
	step uint32
}

func newOpusEncoder(fs afero.Fs, cfg audio.Config, path string) (encoder, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.BitRate); err != nil {
		return nil, fmt.Errorf("set opus bitrate: %w", err)
	}
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create ogg file: %w", err)
	}
	ogg, err := oggwriter.NewWith(f, uint32(cfg.SampleRate), uint16(cfg.Channels))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create ogg writer: %w", err)
	}
	return &opusEncoder{
		cfg:  cfg,
		enc:  enc,
		ogg:  ogg,
		pcm:  make([]int16, frameBytes(cfg)/bytesPerSample),
		out:  make([]byte, 4000),
		step: opusGranuleRate * frameMs / 1000,
	}, nil
}

func (e *opusEncoder) FrameBytes() int {
	return frameBytes(e.cfg)
}

func (e *opusEncoder) Write(frame []byte) error {
	for i := range e.pcm {
		e.pcm[i] = int16(binary.LittleEndian.Uint16(frame[i*2:]))
	}
	n, err := e.enc.Encode(e.pcm, e.out)
	if err != nil {
		return fmt.Errorf("encode opus frame: %w", err)
	}
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, SequenceNumber: e.seq, Timestamp: e.ts},
		Payload: e.out[:n],
	}
	e.seq++
	e.ts += e.step
	return e.ogg.WriteRTP(pkt)
}

func (e *opusEncoder) Close() error {
	return e.ogg.Close()
}
