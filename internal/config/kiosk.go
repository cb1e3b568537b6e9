package config

import (
	"fmt"
	"time"
)

// DefaultRequiredObjects are the attributes a student must wear.
var DefaultRequiredObjects = []string{"NAME TAG", "PIN CITA CITA", "ID CARD"}

// KioskConfig is the root configuration of the attendance kiosk.
// Pointer fields fall back to defaults through the Get* accessors, so partial
// files are safe.
type KioskConfig struct {
	// Detection params
	RequiredObjects        []string `json:"required_objects,omitempty" yaml:"required_objects,omitempty"`
	ConfidenceThreshold    *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MinConfidence          *float64 `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
	DetectionWindowSeconds *float64 `json:"detection_window_seconds,omitempty" yaml:"detection_window_seconds,omitempty"`
	FramePacing            *string  `json:"frame_pacing,omitempty" yaml:"frame_pacing,omitempty"` // duration string like "33ms"

	// Session pacing
	AcceptedScreen *string `json:"accepted_screen,omitempty" yaml:"accepted_screen,omitempty"`
	ResultScreen   *string `json:"result_screen,omitempty" yaml:"result_screen,omitempty"`
	RestartBackoff *string `json:"restart_backoff,omitempty" yaml:"restart_backoff,omitempty"`
	Timezone       *string `json:"timezone,omitempty" yaml:"timezone,omitempty"`

	Badge    BadgeConfig    `json:"badge" yaml:"badge"`
	Detector DetectorConfig `json:"detector" yaml:"detector"`
	Media    MediaConfig    `json:"media" yaml:"media"`
	Actuator ActuatorConfig `json:"actuator" yaml:"actuator"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Report   ReportConfig   `json:"report" yaml:"report"`
	Serial   SerialConfig   `json:"serial" yaml:"serial"`

	// Listen is the HTTP address for the report API and debug routes.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// SerialConfig locates the badge reader bridge. An empty Port runs the
// kiosk against a virtual bridge.
type SerialConfig struct {
	Port     string `json:"port,omitempty" yaml:"port,omitempty"`
	BaudRate *int   `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
}

// BadgeConfig controls the badge reader poller.
type BadgeConfig struct {
	ReadTimeout *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	RetryDelay  *string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty"`
	JoinTimeout *string `json:"join_timeout,omitempty" yaml:"join_timeout,omitempty"`
}

// DetectorConfig points at the inference service and the camera snapshot URL.
type DetectorConfig struct {
	URL       string  `json:"url,omitempty" yaml:"url,omitempty"`
	CameraURL string  `json:"camera_url,omitempty" yaml:"camera_url,omitempty"`
	Timeout   *string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// MediaConfig maps feedback selectors to clips under Dir.
type MediaConfig struct {
	Dir           string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	NoCard        *string  `json:"no_card,omitempty" yaml:"no_card,omitempty"`
	AllAttributes *string  `json:"all_attributes,omitempty" yaml:"all_attributes,omitempty"`
	Violation     *string  `json:"violation,omitempty" yaml:"violation,omitempty"`
	AlreadyTapped *string  `json:"already_tapped,omitempty" yaml:"already_tapped,omitempty"`
	MaxClip       *string  `json:"max_clip,omitempty" yaml:"max_clip,omitempty"`
	Player        []string `json:"player,omitempty" yaml:"player,omitempty"`
}

// ActuatorConfig holds the servo positioning.
type ActuatorConfig struct {
	Enabled      *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	DefaultAngle *int  `json:"default_angle,omitempty" yaml:"default_angle,omitempty"`
	// Command is what the bridge is sent: "angle" or "duty".
	Command string `json:"command,omitempty" yaml:"command,omitempty"`
}

// StoreConfig selects the attendance backend.
type StoreConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // "json" or "sqlite"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ReportConfig holds dashboard settings.
type ReportConfig struct {
	OnTimeCutoff *string `json:"on_time_cutoff,omitempty" yaml:"on_time_cutoff,omitempty"` // "HH:MM"
}

// Store drivers.
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// Servo command forms.
const (
	ServoAngle = "angle"
	ServoDuty  = "duty"
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultKioskConfig returns a config with every tunable set explicitly.
func DefaultKioskConfig() *KioskConfig {
	return &KioskConfig{
		RequiredObjects:        append([]string(nil), DefaultRequiredObjects...),
		ConfidenceThreshold:    ptrFloat64(0.35),
		MinConfidence:          ptrFloat64(0.5),
		DetectionWindowSeconds: ptrFloat64(6),
		Media: MediaConfig{
			NoCard:        ptrString("no_card.mp4"),
			AllAttributes: ptrString("all_attributes.mp4"),
			Violation:     ptrString("violation.mp4"),
			AlreadyTapped: ptrString("already_tapped.mp4"),
		},
		Actuator: ActuatorConfig{DefaultAngle: ptrInt(50)},
		Store:    StoreConfig{Driver: StoreJSON, Path: "attendance.json"},
		Serial:   SerialConfig{Port: "/dev/ttyUSB0", BaudRate: ptrInt(9600)},
		Listen:   ":8080",
	}
}

// Validate checks that the configuration values are valid.
func (c *KioskConfig) Validate() error {
	for _, p := range []struct {
		name string
		v    *float64
	}{
		{"confidence_threshold", c.ConfidenceThreshold},
		{"min_confidence", c.MinConfidence},
	} {
		if p.v != nil && (*p.v < 0 || *p.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", p.name, *p.v)
		}
	}
	if c.DetectionWindowSeconds != nil && *c.DetectionWindowSeconds <= 0 {
		return fmt.Errorf("detection_window_seconds must be positive, got %f", *c.DetectionWindowSeconds)
	}
	seen := map[string]bool{}
	for _, obj := range c.RequiredObjects {
		if obj == "" {
			return fmt.Errorf("required_objects contains an empty class name")
		}
		if seen[obj] {
			return fmt.Errorf("required_objects contains %q twice", obj)
		}
		seen[obj] = true
	}

	durations := map[string]*string{
		"frame_pacing":       c.FramePacing,
		"accepted_screen":    c.AcceptedScreen,
		"result_screen":      c.ResultScreen,
		"restart_backoff":    c.RestartBackoff,
		"badge.read_timeout": c.Badge.ReadTimeout,
		"badge.retry_delay":  c.Badge.RetryDelay,
		"badge.join_timeout": c.Badge.JoinTimeout,
		"detector.timeout":   c.Detector.Timeout,
		"media.max_clip":     c.Media.MaxClip,
	}
	for name, s := range durations {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *s)
		}
	}

	if c.Timezone != nil && *c.Timezone != "" {
		if _, err := time.LoadLocation(*c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", *c.Timezone, err)
		}
	}
	if c.Actuator.DefaultAngle != nil {
		if a := *c.Actuator.DefaultAngle; a < 0 || a > 180 {
			return fmt.Errorf("actuator.default_angle must be between 0 and 180, got %d", a)
		}
	}
	if c.Serial.BaudRate != nil && *c.Serial.BaudRate <= 0 {
		return fmt.Errorf("serial.baud_rate must be positive, got %d", *c.Serial.BaudRate)
	}
	switch c.Actuator.Command {
	case "", ServoAngle, ServoDuty:
	default:
		return fmt.Errorf("unknown actuator.command %q", c.Actuator.Command)
	}
	switch c.Store.Driver {
	case "", StoreJSON, StoreSQLite:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Report.OnTimeCutoff != nil && *c.Report.OnTimeCutoff != "" {
		if _, err := time.Parse("15:04", *c.Report.OnTimeCutoff); err != nil {
			return fmt.Errorf("invalid report.on_time_cutoff '%s': %w", *c.Report.OnTimeCutoff, err)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetRequiredObjects returns the required classes or the defaults.
func (c *KioskConfig) GetRequiredObjects() []string {
	if len(c.RequiredObjects) == 0 {
		return append([]string(nil), DefaultRequiredObjects...)
	}
	return append([]string(nil), c.RequiredObjects...)
}

// GetConfidenceThreshold returns the detector reporting gate.
func (c *KioskConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.35
	}
	return *c.ConfidenceThreshold
}

// GetMinConfidence returns the aggregation gate.
func (c *KioskConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.5
	}
	return *c.MinConfidence
}

// GetDetectionWindow returns the detection window length.
func (c *KioskConfig) GetDetectionWindow() time.Duration {
	if c.DetectionWindowSeconds == nil {
		return 6 * time.Second
	}
	return time.Duration(*c.DetectionWindowSeconds * float64(time.Second))
}

// GetFramePacing returns the minimum spacing between detection frames.
func (c *KioskConfig) GetFramePacing() time.Duration {
	return durationOr(c.FramePacing, 30*time.Millisecond)
}

// GetAcceptedScreen returns how long the badge-accepted screen is shown.
func (c *KioskConfig) GetAcceptedScreen() time.Duration {
	return durationOr(c.AcceptedScreen, time.Second)
}

// GetResultScreen returns how long the result summary is shown.
func (c *KioskConfig) GetResultScreen() time.Duration {
	return durationOr(c.ResultScreen, 2*time.Second)
}

// GetRestartBackoff returns the pause before restarting a faulted loop.
func (c *KioskConfig) GetRestartBackoff() time.Duration {
	return durationOr(c.RestartBackoff, 3*time.Second)
}

// GetLocation returns the kiosk's time zone; dates are keyed in it.
func (c *KioskConfig) GetLocation() *time.Location {
	if c.Timezone == nil || *c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(*c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetReadTimeout returns the per-attempt badge read timeout.
func (c *KioskConfig) GetReadTimeout() time.Duration {
	return durationOr(c.Badge.ReadTimeout, 500*time.Millisecond)
}

// GetRetryDelay returns the pause after a failed badge read.
func (c *KioskConfig) GetRetryDelay() time.Duration {
	return durationOr(c.Badge.RetryDelay, 100*time.Millisecond)
}

// GetJoinTimeout bounds how long the coordinator waits for its poller.
func (c *KioskConfig) GetJoinTimeout() time.Duration {
	return durationOr(c.Badge.JoinTimeout, time.Second)
}

// GetDetectorTimeout bounds a single inference or snapshot request.
func (c *KioskConfig) GetDetectorTimeout() time.Duration {
	return durationOr(c.Detector.Timeout, 2*time.Second)
}

// GetMaxClip returns the longest a feedback clip may play.
func (c *KioskConfig) GetMaxClip() time.Duration {
	return durationOr(c.Media.MaxClip, 5*time.Second)
}

// GetPlayer returns the external media player command line.
func (c *KioskConfig) GetPlayer() []string {
	if len(c.Media.Player) == 0 {
		return []string{"mpv", "--fs", "--really-quiet"}
	}
	return append([]string(nil), c.Media.Player...)
}

// GetDefaultAngle returns the actuator's rest position.
func (c *KioskConfig) GetDefaultAngle() int {
	if c.Actuator.DefaultAngle == nil {
		return 50
	}
	return *c.Actuator.DefaultAngle
}

// GetServoCommand returns ServoAngle or ServoDuty.
func (c *KioskConfig) GetServoCommand() string {
	if c.Actuator.Command == "" {
		return ServoAngle
	}
	return c.Actuator.Command
}

// GetActuatorEnabled reports whether a servo is attached.
func (c *KioskConfig) GetActuatorEnabled() bool {
	if c.Actuator.Enabled == nil {
		return true
	}
	return *c.Actuator.Enabled
}

// GetStoreDriver returns the attendance backend name.
func (c *KioskConfig) GetStoreDriver() string {
	if c.Store.Driver == "" {
		return StoreJSON
	}
	return c.Store.Driver
}

// GetStorePath returns the attendance file or database path.
func (c *KioskConfig) GetStorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.GetStoreDriver() == StoreSQLite {
		return "attendance.db"
	}
	return "attendance.json"
}

// GetOnTimeCutoff returns the latest on-time check-in as hour and minute.
func (c *KioskConfig) GetOnTimeCutoff() (hour, minute int) {
	s := "06:45"
	if c.Report.OnTimeCutoff != nil && *c.Report.OnTimeCutoff != "" {
		s = *c.Report.OnTimeCutoff
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 6, 45
	}
	return t.Hour(), t.Minute()
}

// GetBaudRate returns the bridge baud rate.
func (c *KioskConfig) GetBaudRate() int {
	if c.Serial.BaudRate == nil {
		return 9600
	}
	return *c.Serial.BaudRate
}

// GetListen returns the HTTP listen address.
func (c *KioskConfig) GetListen() string {
	if c.Listen == "" {
		return ":8080"
	}
	return c.Listen
}

// MediaSelector names one feedback clip.
type MediaSelector string

// Feedback clip selectors.
const (
	MediaNoCard        MediaSelector = "no_card"
	MediaAllAttributes MediaSelector = "all_attributes"
	MediaViolation     MediaSelector = "violation"
	MediaAlreadyTapped MediaSelector = "already_tapped"
)

// GetMedia returns the clip file name for sel, or "" if none is configured.
func (c *KioskConfig) GetMedia(sel MediaSelector) string {
	var p *string
	switch sel {
	case MediaNoCard:
		p = c.Media.NoCard
	case MediaAllAttributes:
		p = c.Media.AllAttributes
	case MediaViolation:
		p = c.Media.Violation
	case MediaAlreadyTapped:
		p = c.Media.AlreadyTapped
	}
	if p == nil {
		return string(sel) + ".mp4"
	}
	return *p
}
