package hkcloudcam

import (
	"context"
	"time"

	"github.com/brutella/hc/log"

	"github.com/ra1nb0w/hkcloudcam/device"
)

// Poller periodically mirrors the device state on the accessory.
type Poller struct {
	interval time.Duration
	dev      device.Device
	cam      *Camera
	modes    Modes
}

func InitPoller(interval time.Duration, dev device.Device, cam *Camera, modes Modes) *Poller {
	return &Poller{
		interval: interval,
		dev:      dev,
		cam:      cam,
		modes:    modes,
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	p.Poll(ctx)
	if p.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll reads the device state once.
func (p *Poller) Poll(ctx context.Context) {
	st, err := p.dev.State(ctx)
	if err != nil {
		log.Info.Printf("device state: %v", err)
		return
	}

	if !st.Online {
		log.Debug.Println("device is offline")
	}
	p.cam.Apply(st, p.modes)
}
