// Package device implements the upstream camera: it hands out the live stream url,
// grabs snapshots from the stream and keeps the alarm mode, battery and motion state
// reported by the vendor cloud.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/brutella/hc/log"

	"github.com/ra1nb0w/hkcloudcam/ffmpeg"
)

// Modes of the base station.
const (
	ModeArmed    = "armed"
	ModeDisarmed = "disarmed"
)

var ErrNoStream = errors.New("no stream url configured")

// State is the last known state of the device.
type State struct {
	Mode string `json:"mode"`
	// BatteryLevel is in percent, -1 if the device has no battery.
	BatteryLevel int `json:"batteryLevel"`
	// Charging is "On", "Off" or empty if the device cannot be charged.
	Charging string    `json:"charging"`
	Motion   bool      `json:"motion"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

// Device is the upstream camera or base station.
type Device interface {
	ffmpeg.Camera
	State(ctx context.Context) (State, error)
	SetMode(ctx context.Context, mode string) error
}

// Config describes where the device streams from.
type Config struct {
	ID              string
	StreamURL       string
	VideoProcessor  string
	SnapshotTimeout time.Duration
}

// Local is a device whose stream is reachable at a fixed url.
// State changes are pushed with Update.
type Local struct {
	cfg   Config
	mutex *sync.Mutex
	state State

	grab func(ctx context.Context, name string, arg ...string) ([]byte, error)
}

func New(cfg Config) *Local {
	if cfg.VideoProcessor == "" {
		cfg.VideoProcessor = ffmpeg.DefaultVideoProcessor
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = 5 * time.Second
	}

	return &Local{
		cfg:   cfg,
		mutex: &sync.Mutex{},
		state: State{Mode: ModeDisarmed, BatteryLevel: -1, Online: true, Updated: time.Now()},
		grab:  output,
	}
}

func (d *Local) Stream(ctx context.Context) (ffmpeg.Stream, error) {
	if d.cfg.StreamURL == "" {
		return ffmpeg.Stream{}, ErrNoStream
	}
	if err := ctx.Err(); err != nil {
		return ffmpeg.Stream{}, err
	}

	log.Debug.Printf("device %s: stream %s", d.cfg.ID, d.cfg.StreamURL)

	return ffmpeg.Stream{URL: d.cfg.StreamURL}, nil
}

func (d *Local) State(ctx context.Context) (State, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.state, nil
}

func (d *Local) SetMode(ctx context.Context, mode string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	log.Info.Printf("device %s: mode %s -> %s", d.cfg.ID, d.state.Mode, mode)
	d.state.Mode = mode
	d.state.Updated = time.Now()

	return nil
}

// Update applies fn to the device state.
func (d *Local) Update(fn func(*State)) State {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	fn(&d.state)
	d.state.Updated = time.Now()

	return d.state
}
