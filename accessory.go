package hkcloudcam

import (
	"sync"

	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"

	"github.com/ra1nb0w/hkcloudcam/device"
)

// LowBatteryLevel is the battery level in percent below which the battery is reported as low.
const LowBatteryLevel = 20

// Capabilities selects the services of a camera accessory.
type Capabilities struct {
	Camera         bool
	SecuritySystem bool
	MotionSensor   bool
	Battery        bool
}

// Camera provides RTP video streaming and optionally a security system,
// a motion sensor and a battery service.
type Camera struct {
	*accessory.Accessory
	StreamManagement []*service.CameraRTPStreamManagement
	Security         *service.SecuritySystem
	Motion           *service.MotionSensor
	Battery          *service.BatteryService

	mutex *sync.Mutex
	mode  string
}

// NewCamera returns a camera accessory with one stream management service per concurrent stream.
func NewCamera(info accessory.Info, caps Capabilities, streams int) *Camera {
	typ := accessory.TypeSensor
	switch {
	case caps.Camera:
		typ = accessory.TypeIPCamera
	case caps.SecuritySystem:
		typ = accessory.TypeSecuritySystem
	}

	acc := Camera{mutex: &sync.Mutex{}}
	acc.Accessory = accessory.New(info, typ)

	if caps.Camera {
		for i := 0; i < streams; i++ {
			m := service.NewCameraRTPStreamManagement()
			acc.StreamManagement = append(acc.StreamManagement, m)
			acc.AddService(m.Service)
		}
	}

	if caps.SecuritySystem {
		acc.Security = service.NewSecuritySystem()
		acc.Security.SecuritySystemCurrentState.SetValue(characteristic.SecuritySystemCurrentStateDisarmed)
		acc.Security.SecuritySystemTargetState.SetValue(characteristic.SecuritySystemTargetStateDisarm)
		acc.AddService(acc.Security.Service)
	}

	if caps.MotionSensor {
		acc.Motion = service.NewMotionSensor()
		acc.AddService(acc.Motion.Service)
	}

	if caps.Battery {
		acc.Battery = service.NewBatteryService()
		acc.AddService(acc.Battery.Service)
	}

	return &acc
}

// Apply mirrors the device state on the services of the accessory.
// modes maps the device mode to the security system state, which is only
// updated when the mode has changed since the last call.
func (c *Camera) Apply(st device.State, modes Modes) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.Motion != nil {
		c.Motion.MotionDetected.SetValue(st.Motion)
	}

	if c.Battery != nil && st.BatteryLevel >= 0 {
		c.Battery.BatteryLevel.SetValue(st.BatteryLevel)
		c.Battery.ChargingState.SetValue(chargingState(st.Charging))
		if st.BatteryLevel < LowBatteryLevel {
			c.Battery.StatusLowBattery.SetValue(characteristic.StatusLowBatteryBatteryLevelLow)
		} else {
			c.Battery.StatusLowBattery.SetValue(characteristic.StatusLowBatteryBatteryLevelNormal)
		}
	}

	if c.Security != nil && st.Mode != c.mode {
		c.mode = st.Mode
		if current, target, ok := modes.State(st.Mode); ok {
			c.Security.SecuritySystemCurrentState.SetValue(current)
			c.Security.SecuritySystemTargetState.SetValue(target)
		}
	}
}

func chargingState(charging string) int {
	switch charging {
	case "":
		return characteristic.ChargingStateNotChargeable
	case "Off":
		return characteristic.ChargingStateNotCharging
	}

	return characteristic.ChargingStateCharging
}
