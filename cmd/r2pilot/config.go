package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the r2pilot daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. The file is the primary configuration surface; flags
// are small overrides on top of it.
type Config struct {
	Input    InputConfig      `yaml:"input"`
	Axes     AxesConfig       `yaml:"axes"`
	Motion   MotionFileConfig `yaml:"motion"`
	Gestures GesturesConfig   `yaml:"gestures"`
	Drive    MotorConfig      `yaml:"drive"`
	Dome     MotorConfig      `yaml:"dome"`
	Remote   RemoteConfig     `yaml:"remote"`
	Actions  ActionsConfig    `yaml:"actions"`
	Stop     StopConfig       `yaml:"stop"`
	Audit    AuditConfig      `yaml:"audit"`
	IPC      IPCConfig        `yaml:"ipc"`
	Status   StatusConfig     `yaml:"status"`
	Logging  LoggingConfig    `yaml:"logging"`
}

type InputConfig struct {
	Device       string `yaml:"device"`
	DeviceWaitMS int    `yaml:"device_wait_ms"`
	Buttons      int    `yaml:"buttons"` // 0 = ask the device
	MaxBatch     int    `yaml:"max_batch"`
}

type AxesConfig struct {
	Drive int `yaml:"drive"`
	Turn  int `yaml:"turn"`
	Dome  int `yaml:"dome"`
}

// MotionFileConfig is the user-facing motion configuration.
type MotionFileConfig struct {
	SpeedFactor float64 `yaml:"speed_factor"`
	SpeedMin    float64 `yaml:"speed_min"`
	SpeedMax    float64 `yaml:"speed_max"`
	SpeedStep   float64 `yaml:"speed_step"`
	Invert      float64 `yaml:"invert"`
	Deadband    float64 `yaml:"deadband"`
	Curve       float64 `yaml:"curve"`
	AccelRate   float64 `yaml:"accel_rate"`
	DomeLimit   float64 `yaml:"dome_limit"`
	KeepaliveMS int     `yaml:"keepalive_ms"`
	QuantumMS   int     `yaml:"quantum_ms"`
}

// GesturesConfig holds the reserved speed-adjust combos.
type GesturesConfig struct {
	SpeedUp      string `yaml:"speed_up"`
	SpeedDown    string `yaml:"speed_down"`
	SpeedUpCue   string `yaml:"speed_up_cue"`
	SpeedDownCue string `yaml:"speed_down_cue"`
}

// MotorConfig describes one Sabertooth/SyRen controller.
type MotorConfig struct {
	Port            string `yaml:"port"`
	Address         int    `yaml:"address"`
	Type            string `yaml:"type"` // "sabertooth" or "syren"
	Baud            int    `yaml:"baud"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	SerialTimeoutMS int    `yaml:"serial_timeout_ms"` // controller-side failsafe; 0 = off
}

func (m MotorConfig) writeTimeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

type RemoteConfig struct {
	BaseURL      string `yaml:"base_url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	Queue        int    `yaml:"queue"`
	StartupCue   string `yaml:"startup_cue"`
	DisableDrive string `yaml:"disable_drive"`
	DisableDome  string `yaml:"disable_dome"`
	Alert        string `yaml:"alert"`
}

type ActionsConfig struct {
	File string `yaml:"file"`
}

type StopConfig struct {
	MarkerFile    string `yaml:"marker_file"`
	GPIOPin       int    `yaml:"gpio_pin"` // BCM numbering; 0 = disabled
	GPIOActiveLow bool   `yaml:"gpio_active_low"`
}

type AuditConfig struct {
	File   string `yaml:"file"`
	Buffer int    `yaml:"buffer"`
	Name   string `yaml:"name"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StatusConfig struct {
	Port int    `yaml:"port"` // 0 = disabled
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Device:       "/dev/input/js0",
			DeviceWaitMS: int(defaultDeviceWait / time.Millisecond),
			MaxBatch:     defaultMaxBatch,
		},
		Axes: AxesConfig{
			Drive: 1,
			Turn:  0,
			Dome:  3,
		},
		Motion: MotionFileConfig{
			SpeedFactor: defaultSpeedFactor,
			SpeedMin:    defaultSpeedMin,
			SpeedMax:    defaultSpeedMax,
			SpeedStep:   defaultSpeedStep,
			Invert:      defaultInvert,
			Deadband:    defaultDeadband,
			Curve:       defaultCurve,
			AccelRate:   defaultAccelRate,
			DomeLimit:   defaultDomeLimit,
			KeepaliveMS: int(defaultKeepalive / time.Millisecond),
			QuantumMS:   int(defaultQuantum / time.Millisecond),
		},
		Gestures: GesturesConfig{
			SpeedUp:      defaultSpeedUpCombo,
			SpeedDown:    defaultSpeedDownCombo,
			SpeedUpCue:   defaultSpeedUpCue,
			SpeedDownCue: defaultSpeedDownCue,
		},
		Drive: MotorConfig{
			Port:      "/dev/ttyACM0",
			Address:   128,
			Type:      string(MotorSabertooth),
			Baud:      9600,
			TimeoutMS: int(defaultActuatorTimeout / time.Millisecond),
		},
		Dome: MotorConfig{
			Port:      "/dev/ttyUSB0",
			Address:   129,
			Type:      string(MotorSyren),
			Baud:      9600,
			TimeoutMS: int(defaultActuatorTimeout / time.Millisecond),
		},
		Remote: RemoteConfig{
			BaseURL:      defaultBaseURL,
			TimeoutMS:    int(defaultRemoteTimeout / time.Millisecond),
			Queue:        defaultRemoteQueue,
			StartupCue:   defaultStartupCue,
			DisableDrive: defaultDisableDrive,
			DisableDome:  defaultDisableDome,
			Alert:        defaultAlertCue,
		},
		Actions: ActionsConfig{
			File: "keys.csv",
		},
		Stop: StopConfig{
			MarkerFile:    "/home/pi/r2_control/controllers/.shutdown",
			GPIOActiveLow: true,
		},
		Audit: AuditConfig{
			File:   "/var/log/r2pilot/r2pilot.log",
			Buffer: 256,
			Name:   "r2pilot",
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/r2pilot.sock",
		},
		Status: StatusConfig{
			Path: "/ws",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Unknown fields are rejected (helps catch typos) via KnownFields(true).
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML config bytes on top of DefaultConfig.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	// An empty file keeps the defaults.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies command-line flags on top of a loaded config.
// Each override is applied only if its pointer is non-nil, even for zero values.
type FlagOverrides struct {
	InputDevice *string
	ActionsFile *string
	BaseURL     *string
	IPCSocket   *string
	StatusPort  *int
	LogLevel    *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.InputDevice != nil {
		cfg.Input.Device = *o.InputDevice
	}
	if o.ActionsFile != nil {
		cfg.Actions.File = *o.ActionsFile
	}
	if o.BaseURL != nil {
		cfg.Remote.BaseURL = *o.BaseURL
	}
	if o.IPCSocket != nil {
		cfg.IPC.SocketPath = *o.IPCSocket
	}
	if o.StatusPort != nil {
		cfg.Status.Port = *o.StatusPort
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Input
	if c.Input.Device == "" {
		return errors.New("input.device must not be empty")
	}
	if c.Input.DeviceWaitMS <= 0 {
		return errors.New("input.device_wait_ms must be > 0")
	}
	if c.Input.Buttons < 0 || c.Input.Buttons > maxComboButtons {
		return fmt.Errorf("input.buttons must be between 0 and %d", maxComboButtons)
	}
	if c.Input.MaxBatch <= 0 {
		return errors.New("input.max_batch must be > 0")
	}

	// Axes
	if c.Axes.Drive < 0 || c.Axes.Turn < 0 || c.Axes.Dome < 0 {
		return errors.New("axes indices must be >= 0")
	}
	if c.Axes.Drive == c.Axes.Turn || c.Axes.Drive == c.Axes.Dome || c.Axes.Turn == c.Axes.Dome {
		return errors.New("axes.drive, axes.turn and axes.dome must be distinct")
	}

	// Motion
	m := c.Motion
	if m.SpeedMin <= 0 || m.SpeedMax > 1 || m.SpeedMin > m.SpeedMax {
		return errors.New("motion speed bounds must satisfy 0 < speed_min <= speed_max <= 1")
	}
	if m.SpeedFactor < m.SpeedMin || m.SpeedFactor > m.SpeedMax {
		return errors.New("motion.speed_factor must be within [speed_min, speed_max]")
	}
	if m.SpeedStep <= 0 {
		return errors.New("motion.speed_step must be > 0")
	}
	if m.Invert != 1 && m.Invert != -1 {
		return errors.New("motion.invert must be 1 or -1")
	}
	if m.Deadband < 0 || m.Deadband >= 1 {
		return errors.New("motion.deadband must be in [0, 1)")
	}
	if m.Curve <= 0 || m.Curve > 1 {
		return errors.New("motion.curve must be in (0, 1]")
	}
	if m.AccelRate <= 0 {
		return errors.New("motion.accel_rate must be > 0")
	}
	if m.DomeLimit <= 0 || m.DomeLimit > 1 {
		return errors.New("motion.dome_limit must be in (0, 1]")
	}
	if m.KeepaliveMS <= 0 {
		return errors.New("motion.keepalive_ms must be > 0")
	}
	if m.QuantumMS <= 0 || m.QuantumMS > m.KeepaliveMS {
		return errors.New("motion.quantum_ms must be > 0 and <= motion.keepalive_ms")
	}

	// Gestures
	up, err := ParseComboId(c.Gestures.SpeedUp)
	if err != nil {
		return fmt.Errorf("gestures.speed_up: %w", err)
	}
	down, err := ParseComboId(c.Gestures.SpeedDown)
	if err != nil {
		return fmt.Errorf("gestures.speed_down: %w", err)
	}
	if up == down {
		return errors.New("gestures.speed_up and gestures.speed_down must differ")
	}
	if up.IsIdle() || down.IsIdle() {
		return errors.New("gestures must press at least one button")
	}

	// Motors
	if err := c.Drive.validate("drive"); err != nil {
		return err
	}
	if err := c.Dome.validate("dome"); err != nil {
		return err
	}
	if c.Drive.Type != string(MotorSabertooth) {
		return errors.New("drive.type must be \"sabertooth\" (turn needs mixed mode)")
	}
	if c.Drive.Port == c.Dome.Port && c.Drive.Address == c.Dome.Address {
		return errors.New("drive and dome share a port and address")
	}
	if c.Drive.Port == c.Dome.Port && c.Drive.Baud != c.Dome.Baud {
		return errors.New("drive and dome share a port but use different baud rates")
	}

	// Remote
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.TimeoutMS <= 0 {
		return errors.New("remote.timeout_ms must be > 0")
	}
	if c.Remote.Queue <= 0 {
		return errors.New("remote.queue must be > 0")
	}

	// Actions
	if c.Actions.File == "" {
		return errors.New("actions.file must not be empty")
	}

	// Stop
	if c.Stop.GPIOPin < 0 {
		return errors.New("stop.gpio_pin must be >= 0")
	}

	// Audit
	if c.Audit.File == "" {
		return errors.New("audit.file must not be empty")
	}
	if c.Audit.Buffer <= 0 {
		return errors.New("audit.buffer must be > 0")
	}

	// IPC
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Status
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return errors.New("status.port must be between 0 and 65535")
	}
	if c.Status.Port > 0 && (c.Status.Path == "" || c.Status.Path[0] != '/') {
		return errors.New("status.path must start with /")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

func (m MotorConfig) validate(name string) error {
	if m.Port == "" {
		return fmt.Errorf("%s.port must not be empty", name)
	}
	if m.Address < 128 || m.Address > 135 {
		return fmt.Errorf("%s.address must be between 128 and 135", name)
	}
	if m.Type != string(MotorSabertooth) && m.Type != string(MotorSyren) {
		return fmt.Errorf("%s.type must be %q or %q", name, MotorSabertooth, MotorSyren)
	}
	switch m.Baud {
	case 2400, 9600, 19200, 38400, 115200:
	default:
		return fmt.Errorf("%s.baud must be one of 2400, 9600, 19200, 38400, 115200", name)
	}
	if m.TimeoutMS <= 0 {
		return fmt.Errorf("%s.timeout_ms must be > 0", name)
	}
	if m.SerialTimeoutMS < 0 {
		return fmt.Errorf("%s.serial_timeout_ms must be >= 0", name)
	}
	return nil
}

// ToLoopConfig converts the file config into the control loop configuration.
// Validate must have succeeded.
func (c *Config) ToLoopConfig(runID string) LoopConfig {
	up, _ := ParseComboId(c.Gestures.SpeedUp)
	down, _ := ParseComboId(c.Gestures.SpeedDown)

	return LoopConfig{
		Name:  c.Audit.Name,
		RunID: runID,
		Axes: AxisMap{
			Drive: c.Axes.Drive,
			Turn:  c.Axes.Turn,
			Dome:  c.Axes.Dome,
		},
		Motion: MotionConfig{
			ScaleFactor: c.Motion.SpeedFactor,
			Invert:      c.Motion.Invert,
			Deadband:    c.Motion.Deadband,
			Curve:       c.Motion.Curve,
			AccelRate:   c.Motion.AccelRate,
			DomeLimit:   c.Motion.DomeLimit,
		},
		SpeedMin:     c.Motion.SpeedMin,
		SpeedMax:     c.Motion.SpeedMax,
		SpeedStep:    c.Motion.SpeedStep,
		SpeedUp:      up,
		SpeedDown:    down,
		SpeedUpCue:   c.Gestures.SpeedUpCue,
		SpeedDownCue: c.Gestures.SpeedDownCue,
		StartupCue:   c.Remote.StartupCue,
		Quantum:      time.Duration(c.Motion.QuantumMS) * time.Millisecond,
		Keepalive:    time.Duration(c.Motion.KeepaliveMS) * time.Millisecond,
		DeviceWait:   time.Duration(c.Input.DeviceWaitMS) * time.Millisecond,
		MaxBatch:     c.Input.MaxBatch,
	}
}

// ToShutdownConfig returns the shutdown remote actions.
func (c *Config) ToShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		Name:         c.Audit.Name,
		DisableDrive: c.Remote.DisableDrive,
		DisableDome:  c.Remote.DisableDome,
		Alert:        c.Remote.Alert,
	}
}

// RemoteTimeout is the per-call remote action bound.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
