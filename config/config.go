// Package config loads the options of the bridge from a .env file,
// an optional JSON config file and HKCLOUDCAM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ra1nb0w/hkcloudcam/device"
	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

const envPrefix = "HKCLOUDCAM"

// Config represents the application's configuration structure.
type Config struct {
	Name   string `mapstructure:"name"`
	Serial string `mapstructure:"serial"`
	Model  string `mapstructure:"model"`
	Pin    string `mapstructure:"pin"`

	DataDir     string `mapstructure:"dataDir"`
	BackendAddr string `mapstructure:"backendAddr"`

	HasCamera         bool `mapstructure:"hasCamera"`
	HasSecuritySystem bool `mapstructure:"hasSecuritySystem"`
	HasMotionSensor   bool `mapstructure:"hasMotionSensor"`
	HasBattery        bool `mapstructure:"hasBattery"`

	StayArm  string        `mapstructure:"stayArm"`
	NightArm string        `mapstructure:"nightArm"`
	Interval time.Duration `mapstructure:"interval"`

	StreamURL        string        `mapstructure:"streamURL"`
	SnapshotTimeout  time.Duration `mapstructure:"snapshotTimeout"`
	SnapshotCooldown time.Duration `mapstructure:"snapshotCooldown"`

	VideoProcessor          string        `mapstructure:"videoProcessor"`
	VideoDecoder            string        `mapstructure:"videoDecoder"`
	VideoEncoder            string        `mapstructure:"videoEncoder"`
	AudioEncoder            string        `mapstructure:"audioEncoder"`
	PacketSize              int           `mapstructure:"packetsize"`
	MaxBitrate              int           `mapstructure:"maxBitrate"`
	MaxStreams              int           `mapstructure:"maxStreams"`
	FPS                     int           `mapstructure:"fps"`
	NativeWidth             int           `mapstructure:"nativeWidth"`
	NativeHeight            int           `mapstructure:"nativeHeight"`
	AdditionalVideoCommands string        `mapstructure:"additionalVideoCommands"`
	AdditionalAudioCommands string        `mapstructure:"additionalAudioCommands"`
	PendingTimeout          time.Duration `mapstructure:"pendingTimeout"`
	UpstreamTimeout         time.Duration `mapstructure:"upstreamTimeout"`
}

// field: default value
var defaults = map[string]interface{}{
	"name":              "Camera",
	"serial":            "0001",
	"model":             "CloudCam",
	"pin":               "00102003",
	"dataDir":           "CloudCam",
	"backendAddr":       "0.0.0.0:8080",
	"hasCamera":         true,
	"hasSecuritySystem": false,
	"hasMotionSensor":   true,
	"hasBattery":        true,
	"stayArm":           device.ModeArmed,
	"nightArm":          device.ModeArmed,
	"interval":          time.Minute,
	"snapshotTimeout":   5 * time.Second,
	"snapshotCooldown":  ffmpeg.DefaultSnapshotCooldown,
	"videoProcessor":    ffmpeg.DefaultVideoProcessor,
	"videoDecoder":      "",
	"videoEncoder":      ffmpeg.DefaultVideoEncoder,
	"audioEncoder":      ffmpeg.DefaultAudioEncoder,
	"packetsize":        ffmpeg.DefaultPacketSize,
	"maxBitrate":        ffmpeg.DefaultMaxBitrate,
	"maxStreams":        ffmpeg.DefaultMaxStreams,
	"fps":               ffmpeg.DefaultFramerate,
	"nativeWidth":       ffmpeg.DefaultNativeWidth,
	"nativeHeight":      ffmpeg.DefaultNativeHeight,
	"pendingTimeout":    ffmpeg.DefaultPendingTimeout,
	"upstreamTimeout":   ffmpeg.DefaultUpstreamTimeout,
}

// Load reads the configuration. A missing .env or config file is not an error;
// environment variables take precedence over the config file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not read .env: %w", err)
	}

	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
		v.BindEnv(k, envPrefix+"_"+strings.ToUpper(k))
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	if err := cfg.FFMPEG().Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// FFMPEG returns the transcoding parameters.
func (c *Config) FFMPEG() ffmpeg.Config {
	return ffmpeg.Config{
		VideoProcessor:          c.VideoProcessor,
		VideoDecoder:            c.VideoDecoder,
		VideoEncoder:            c.VideoEncoder,
		AudioEncoder:            c.AudioEncoder,
		PacketSize:              c.PacketSize,
		MaxBitrate:              c.MaxBitrate,
		MaxFramerate:            c.FPS,
		MaxStreams:              c.MaxStreams,
		NativeWidth:             c.NativeWidth,
		NativeHeight:            c.NativeHeight,
		AdditionalVideoCommands: strings.Fields(c.AdditionalVideoCommands),
		AdditionalAudioCommands: strings.Fields(c.AdditionalAudioCommands),
		PendingTimeout:          c.PendingTimeout,
		UpstreamTimeout:         c.UpstreamTimeout,
	}
}

// Device returns the upstream device parameters.
func (c *Config) Device() device.Config {
	return device.Config{
		ID:              c.Serial,
		StreamURL:       c.StreamURL,
		VideoProcessor:  c.VideoProcessor,
		SnapshotTimeout: c.SnapshotTimeout,
	}
}
