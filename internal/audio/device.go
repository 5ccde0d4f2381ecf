package audio

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied     = errors.New("microphone permission denied")
	ErrRecordingUnavailable = errors.New("audio recording unavailable")
	ErrStartTimeout         = errors.New("audio start timed out")
	ErrNotRecording         = errors.New("no active recording")
	ErrUnstableRecording    = errors.New("recording stopped right after start")
)

const (
	CodecOpus = "opus"
	CodecPCM  = "pcm_s16le"

	FormatOgg = "ogg"
	FormatWAV = "wav"
)

// Config is one capture quality setting.
type Config struct {
	Name       string
	Codec      string
	Format     string
	SampleRate int
	Channels   int
	BitRate    int
}

func (c Config) Extension() string {
	return "." + c.Format
}

// DefaultLadder is ordered best to worst. The PCM entries need no codec support and
// work on any device that can capture at all.
var DefaultLadder = []Config{
	{Name: "opus-16k-32kbps", Codec: CodecOpus, Format: FormatOgg, SampleRate: 16000, Channels: 1, BitRate: 32000},
	{Name: "opus-12k-24kbps", Codec: CodecOpus, Format: FormatOgg, SampleRate: 12000, Channels: 1, BitRate: 24000},
	{Name: "opus-8k-12kbps", Codec: CodecOpus, Format: FormatOgg, SampleRate: 8000, Channels: 1, BitRate: 12000},
	{Name: "pcm-16k", Codec: CodecPCM, Format: FormatWAV, SampleRate: 16000, Channels: 1, BitRate: 256000},
	{Name: "pcm-8k", Codec: CodecPCM, Format: FormatWAV, SampleRate: 8000, Channels: 1, BitRate: 128000},
}

// Device is the capture hardware.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	Prepare(ctx context.Context, cfg Config, path string) (Handle, error)
	// ReleaseStale forcibly unloads sessions left prepared by a previous process.
	ReleaseStale(ctx context.Context) error
}

// Handle is one prepared recording.
type Handle interface {
	Start(ctx context.Context) error
	IsRecording() bool
	Pause() error
	Resume() error
	Stop(ctx context.Context) error
	URI() (string, error)
	Unload() error
}
