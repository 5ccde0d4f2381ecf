package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/foxseedlab/fieldsync/internal/audio"
	"github.com/spf13/afero"
)

const (
	frameMs        = 20
	bytesPerSample = 2
	bitsPerSample  = 16
	wavPCMFormat   = 1
	wavHeaderSize  = 44
)

var errUnsupportedCodec = errors.New("unsupported codec")

// encoder consumes little-endian S16 frames of FrameBytes each.
type encoder interface {
	FrameBytes() int
	Write(frame []byte) error
	Close() error
}

func newEncoder(fs afero.Fs, cfg audio.Config, path string) (encoder, error) {
	switch cfg.Codec {
	case audio.CodecPCM:
		return newWAVEncoder(fs, cfg, path)
	case audio.CodecOpus:
		return newOpusEncoder(fs, cfg, path)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedCodec, cfg.Codec)
	}
}

func frameBytes(cfg audio.Config) int {
	return cfg.SampleRate * frameMs / 1000 * cfg.Channels * bytesPerSample
}

type wavEncoder struct {
	f       afero.File
	cfg     audio.Config
	dataLen uint32
}

func newWAVEncoder(fs afero.Fs, cfg audio.Config, path string) (*wavEncoder, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	if _, err := f.Write(wavHeader(cfg, 0)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &wavEncoder{f: f, cfg: cfg}, nil
}

func (e *wavEncoder) FrameBytes() int {
	return frameBytes(e.cfg)
}

func (e *wavEncoder) Write(frame []byte) error {
	n, err := e.f.Write(frame)
	e.dataLen += uint32(n)
	return err
}

// Close rewrites the header with the final data length.
func (e *wavEncoder) Close() error {
	_, err := e.f.WriteAt(wavHeader(e.cfg, e.dataLen), 0)
	if err == nil {
		err = e.f.Sync()
	}
	if cerr := e.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func wavHeader(cfg audio.Config, dataLen uint32) []byte {
	var buf bytes.Buffer
	byteRate := cfg.SampleRate * cfg.Channels * bytesPerSample

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36)+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(cfg.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cfg.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(cfg.Channels*bytesPerSample))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	return buf.Bytes()
}
