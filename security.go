package hkcloudcam

import (
	"context"
	"fmt"

	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/log"

	"github.com/ra1nb0w/hkcloudcam/device"
)

// Modes names the device modes used for the stay and night security states.
// Away always maps to device.ModeArmed and disarm to device.ModeDisarmed.
type Modes struct {
	Stay  string
	Night string
}

// Mode returns the device mode of a security system target state.
func (m Modes) Mode(target int) (string, error) {
	switch target {
	case characteristic.SecuritySystemTargetStateAwayArm:
		return device.ModeArmed, nil
	case characteristic.SecuritySystemTargetStateDisarm:
		return device.ModeDisarmed, nil
	case characteristic.SecuritySystemTargetStateStayArm:
		return or(m.Stay, device.ModeArmed), nil
	case characteristic.SecuritySystemTargetStateNightArm:
		return or(m.Night, device.ModeArmed), nil
	}

	return "", fmt.Errorf("unknown target state %d", target)
}

// State returns the current and target security system states of a device mode.
// Modes which are not mapped are not reported.
func (m Modes) State(mode string) (current, target int, ok bool) {
	switch mode {
	case "":
		return 0, 0, false
	case device.ModeArmed:
		return characteristic.SecuritySystemCurrentStateAwayArm, characteristic.SecuritySystemTargetStateAwayArm, true
	case device.ModeDisarmed:
		return characteristic.SecuritySystemCurrentStateDisarmed, characteristic.SecuritySystemTargetStateDisarm, true
	case m.Stay:
		return characteristic.SecuritySystemCurrentStateStayArm, characteristic.SecuritySystemTargetStateStayArm, true
	case m.Night:
		return characteristic.SecuritySystemCurrentStateNightArm, characteristic.SecuritySystemTargetStateNightArm, true
	}

	return 0, 0, false
}

// SetupSecuritySystem forwards target state changes from HomeKit to the device.
func SetupSecuritySystem(cam *Camera, dev device.Device, modes Modes) {
	if cam.Security == nil {
		return
	}

	cam.Security.SecuritySystemTargetState.OnValueRemoteUpdate(func(target int) {
		mode, err := modes.Mode(target)
		if err != nil {
			log.Info.Println(err)
			return
		}

		if err := dev.SetMode(context.Background(), mode); err != nil {
			log.Info.Printf("set mode %s: %v", mode, err)
			return
		}

		if current, _, ok := modes.State(mode); ok {
			// stay and night share a mode with away when not configured
			if mode == device.ModeArmed {
				current = currentOf(target)
			}
			cam.Security.SecuritySystemCurrentState.SetValue(current)
		}
	})
}

func currentOf(target int) int {
	switch target {
	case characteristic.SecuritySystemTargetStateStayArm:
		return characteristic.SecuritySystemCurrentStateStayArm
	case characteristic.SecuritySystemTargetStateNightArm:
		return characteristic.SecuritySystemCurrentStateNightArm
	case characteristic.SecuritySystemTargetStateDisarm:
		return characteristic.SecuritySystemCurrentStateDisarmed
	}

	return characteristic.SecuritySystemCurrentStateAwayArm
}

func or(s, def string) string {
	if s == "" {
		return def
	}

	return s
}
