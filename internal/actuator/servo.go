// Package actuator positions the kiosk's camera servo.
package actuator

import (
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"

	"github.com/banshee-data/attendance.kiosk/internal/serialmux"
)

// Angle limits of the mount. Requests outside are clamped.
const (
	MinAngle = 20
	MaxAngle = 80
)

// Servo moves the camera mount.
type Servo interface {
	SetAngle(angle int) error
}

// Clamp limits angle to [MinAngle, MaxAngle].
func Clamp(angle int) int {
	return min(max(angle, MinAngle), MaxAngle)
}

// DutyCycle is the 50 Hz PWM duty cycle in percent for angle, for drivers
// that generate the pulse themselves.
func DutyCycle(angle int) float64 {
	return float64(Clamp(angle))/18 + 2
}

// SerialServo asks the bridge firmware to move the servo with "S<angle>", or
// with "P<duty>" when Duty is set and the firmware drives the PWM pin as told.
type SerialServo struct {
	Log  logs.Log
	Duty bool
	mux  serialmux.SerialMuxInterface

	mu   sync.Mutex
	last int
}

// NewSerialServo drives the servo through mux.
func NewSerialServo(log logs.Log, mux serialmux.SerialMuxInterface) *SerialServo {
	return &SerialServo{Log: log, mux: mux, last: -1}
}

func (s *SerialServo) SetAngle(angle int) error {
	a := Clamp(angle)
	if a != angle {
		s.Log.Debugf("Servo angle %v clamped to %v", angle, a)
	}
	cmd := fmt.Sprintf("S%d", a)
	if s.Duty {
		cmd = fmt.Sprintf("P%.2f", DutyCycle(a))
	}
	if err := s.mux.SendCommand(cmd); err != nil {
		return fmt.Errorf("servo to %d: %w", a, err)
	}
	s.mu.Lock()
	s.last = a
	s.mu.Unlock()
	return nil
}

// Angle returns the last commanded angle, or -1 before the first move.
func (s *SerialServo) Angle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NopServo is used when no servo is attached.
type NopServo struct{}

func (NopServo) SetAngle(int) error { return nil }
