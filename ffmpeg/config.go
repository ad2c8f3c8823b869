package ffmpeg

import (
	"fmt"
	"time"
)

// Default transcoding parameters.
const (
	DefaultVideoProcessor  = "ffmpeg"
	DefaultVideoEncoder    = "libx264"
	DefaultAudioEncoder    = "libopus"
	DefaultPacketSize      = 1316
	DefaultMaxBitrate      = 300
	DefaultMaxStreams      = 2
	DefaultFramerate       = 24
	DefaultNativeWidth     = 1280
	DefaultNativeHeight    = 720
	DefaultPendingTimeout  = 30 * time.Second
	DefaultUpstreamTimeout = 10 * time.Second

	// mpeg-ts packets are 188 bytes long
	tsPacketSize = 188
)

// Config contains ffmpeg parameters
type Config struct {
	VideoProcessor string
	VideoDecoder   string
	VideoEncoder   string
	AudioEncoder   string

	// PacketSize is the RTP payload size in bytes (188, 376, 1316).
	PacketSize int
	// MaxBitrate is the video bitrate ceiling in kbps.
	MaxBitrate int
	// MaxFramerate is the frame rate ceiling.
	MaxFramerate int
	MaxStreams   int

	// NativeWidth and NativeHeight describe the upstream stream.
	// Requests for exactly this size are relayed without transcoding.
	NativeWidth  int
	NativeHeight int

	AdditionalVideoCommands []string
	AdditionalAudioCommands []string

	// PendingTimeout bounds how long a prepared stream waits for its start.
	// Zero keeps pending streams until they are started.
	PendingTimeout time.Duration
	// UpstreamTimeout bounds the stream locator request. Zero waits forever.
	UpstreamTimeout time.Duration
}

// DefaultConfig returns the configuration used when no option is set.
func DefaultConfig() Config {
	return Config{
		VideoProcessor:  DefaultVideoProcessor,
		VideoEncoder:    DefaultVideoEncoder,
		AudioEncoder:    DefaultAudioEncoder,
		PacketSize:      DefaultPacketSize,
		MaxBitrate:      DefaultMaxBitrate,
		MaxFramerate:    DefaultFramerate,
		MaxStreams:      DefaultMaxStreams,
		NativeWidth:     DefaultNativeWidth,
		NativeHeight:    DefaultNativeHeight,
		PendingTimeout:  DefaultPendingTimeout,
		UpstreamTimeout: DefaultUpstreamTimeout,
	}
}

// WithDefaults fills every unset field with its default value.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.VideoProcessor == "" {
		c.VideoProcessor = d.VideoProcessor
	}
	if c.VideoEncoder == "" {
		c.VideoEncoder = d.VideoEncoder
	}
	if c.AudioEncoder == "" {
		c.AudioEncoder = d.AudioEncoder
	}
	if c.PacketSize == 0 {
		c.PacketSize = d.PacketSize
	}
	if c.MaxBitrate == 0 {
		c.MaxBitrate = d.MaxBitrate
	}
	if c.MaxFramerate == 0 {
		c.MaxFramerate = d.MaxFramerate
	}
	if c.MaxStreams == 0 {
		c.MaxStreams = d.MaxStreams
	}
	if c.NativeWidth == 0 || c.NativeHeight == 0 {
		c.NativeWidth, c.NativeHeight = d.NativeWidth, d.NativeHeight
	}
	return c
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.VideoProcessor == "":
		return fmt.Errorf("%w: empty video processor", ErrInvalidConfig)
	case c.PacketSize <= 0 || c.PacketSize%tsPacketSize != 0:
		return fmt.Errorf("%w: packet size %d is not a multiple of %d", ErrInvalidConfig, c.PacketSize, tsPacketSize)
	case c.MaxBitrate <= 0:
		return fmt.Errorf("%w: max bitrate %d", ErrInvalidConfig, c.MaxBitrate)
	case c.MaxFramerate <= 0:
		return fmt.Errorf("%w: max framerate %d", ErrInvalidConfig, c.MaxFramerate)
	case c.MaxStreams <= 0:
		return fmt.Errorf("%w: max streams %d", ErrInvalidConfig, c.MaxStreams)
	case c.PendingTimeout < 0 || c.UpstreamTimeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}

	for _, t := range append(append([]string{}, c.AdditionalVideoCommands...), c.AdditionalAudioCommands...) {
		if t == "" {
			return fmt.Errorf("%w: empty additional command token", ErrInvalidConfig)
		}
	}

	return nil
}
