package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete onboard configuration, loaded from a single yaml
// file.
type Config struct {
	Robot      RobotConfig      `yaml:"robot"`
	Settings   Settings         `yaml:"settings"`
	Serial     SerialConfig     `yaml:"serial"`
	FC         FCConfig         `yaml:"flightController"`
	Localizer  LocalizerConfig  `yaml:"localizer"`
	Comms      CommsConfig      `yaml:"comms"`
	Storage    StorageConfig    `yaml:"storage"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	UserCode   UserCodeConfig   `yaml:"userCode"`
}

// RobotConfig identifies this robot. If ID is zero the identity is derived
// from the last octet of the interface address matching SubnetPrefix.
type RobotConfig struct {
	ID           int    `yaml:"id"`
	SubnetPrefix string `yaml:"subnetPrefix"`
}

// Settings holds global application settings.
type Settings struct {
	LogLevel string `yaml:"logLevel"`
	LogDir   string `yaml:"logDir"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// SerialConfig holds the flight-controller serial link settings.
type SerialConfig struct {
	Port          string `yaml:"port"`
	BaudRate      int    `yaml:"baudRate"`
	ReadTimeoutMS int    `yaml:"readTimeoutMs"`
}

// ReadTimeout returns the per-read deadline.
func (c SerialConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}

// FCConfig holds the driver timing and safety envelope.
type FCConfig struct {
	CycleHz             float64 `yaml:"cycleHz"`
	SlowHz              float64 `yaml:"slowHz"`
	WarmUpSec           float64 `yaml:"warmUpSec"`
	SettleSec           float64 `yaml:"settleSec"`
	LowVoltageThreshold float64 `yaml:"lowVoltageThreshold"`
	LowVoltageWindowSec float64 `yaml:"lowVoltageWindowSec"`
	MaxDiff             int     `yaml:"maxDiff"`
	MaxCommand          int     `yaml:"maxCommand"`
	MinCommand          int     `yaml:"minCommand"`
}

func (c FCConfig) Cycle() time.Duration   { return hzToInterval(c.CycleHz) }
func (c FCConfig) Slow() time.Duration    { return hzToInterval(c.SlowHz) }
func (c FCConfig) WarmUp() time.Duration  { return secToDuration(c.WarmUpSec) }
func (c FCConfig) Settle() time.Duration  { return secToDuration(c.SettleSec) }
func (c FCConfig) LowVoltageWindow() time.Duration {
	return secToDuration(c.LowVoltageWindowSec)
}

// LocalizerConfig holds the motion-capture listener settings.
type LocalizerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Group   string `yaml:"group"`
}

// CommsConfig holds the ground-station link settings.
type CommsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	ServerAddr      string  `yaml:"serverAddr"`
	ListenAddr      string  `yaml:"listenAddr"`
	SendIntervalSec float64 `yaml:"sendIntervalSec"`
}

func (c CommsConfig) SendInterval() time.Duration { return secToDuration(c.SendIntervalSec) }

// StorageConfig holds flight recorder settings.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// SupervisorConfig holds teardown, watchdog and retry settings.
type SupervisorConfig struct {
	GraceSec         float64 `yaml:"graceSec"`
	BoardWatchdogSec float64 `yaml:"boardWatchdogSec"`
	MaxAttempts      int     `yaml:"maxAttempts"`
	RetryBackoffSec  float64 `yaml:"retryBackoffSec"`
}

func (c SupervisorConfig) Grace() time.Duration         { return secToDuration(c.GraceSec) }
func (c SupervisorConfig) BoardWatchdog() time.Duration { return secToDuration(c.BoardWatchdogSec) }
func (c SupervisorConfig) RetryBackoff() time.Duration  { return secToDuration(c.RetryBackoffSec) }

// UserCodeConfig names the user flight program to load.
type UserCodeConfig struct {
	Program string `yaml:"program"`
}

// DefaultConfig returns the configuration used when a field is absent from
// the file.
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			LogLevel: "info",
			LogDir:   "logs",
		},
		Serial: SerialConfig{
			Port:          "/dev/serial0",
			BaudRate:      115200,
			ReadTimeoutMS: 500,
		},
		FC: FCConfig{
			CycleHz:             50,
			SlowHz:              5,
			WarmUpSec:           5,
			SettleSec:           0.5,
			LowVoltageThreshold: 6.4,
			LowVoltageWindowSec: 3,
			MaxDiff:             50,
			MaxCommand:          1950,
			MinCommand:          900,
		},
		Localizer: LocalizerConfig{
			Enabled: true,
			Group:   "224.1.1.1:54321",
		},
		Comms: CommsConfig{
			Enabled:         true,
			ServerAddr:      "10.0.0.2:60402",
			ListenAddr:      ":60403",
			SendIntervalSec: 0.5,
		},
		Storage: StorageConfig{
			DataDirectory: "data",
		},
		Supervisor: SupervisorConfig{
			GraceSec:         2,
			BoardWatchdogSec: 15,
			MaxAttempts:      3,
			RetryBackoffSec:  2,
		},
		UserCode: UserCodeConfig{
			Program: "none",
		},
	}
}

// LoadConfig reads and validates the configuration file. Unknown fields are
// rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening configuration file: %w", err)
	}
	defer f.Close()

	config := DefaultConfig()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(config); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configurations the bring-up cannot work with.
func (c *Config) Validate() error {
	if c.Robot.ID == 0 && c.Robot.SubnetPrefix == "" {
		return NewConfigError("robot: either id or subnetPrefix is required")
	}
	if c.Serial.Port == "" {
		return NewConfigError("serial: port is required")
	}
	if c.Serial.BaudRate <= 0 {
		return NewConfigError(fmt.Sprintf("serial: baudRate must be positive, got %d", c.Serial.BaudRate))
	}
	if c.FC.CycleHz <= 0 || c.FC.SlowHz <= 0 {
		return NewConfigError("flightController: cycleHz and slowHz must be positive")
	}
	if c.FC.SlowHz > c.FC.CycleHz {
		return NewConfigError(fmt.Sprintf("flightController: slowHz %v exceeds cycleHz %v", c.FC.SlowHz, c.FC.CycleHz))
	}
	if c.FC.MaxDiff <= 0 {
		return NewConfigError(fmt.Sprintf("flightController: maxDiff must be positive, got %d", c.FC.MaxDiff))
	}
	if c.FC.MinCommand >= c.FC.MaxCommand {
		return NewConfigError(fmt.Sprintf("flightController: minCommand %d must be below maxCommand %d",
			c.FC.MinCommand, c.FC.MaxCommand))
	}
	if c.FC.LowVoltageThreshold <= 0 {
		return NewConfigError("flightController: lowVoltageThreshold must be positive")
	}
	if c.Localizer.Enabled && c.Localizer.Group == "" {
		return NewConfigError("localizer: group is required when enabled")
	}
	if c.Comms.Enabled && (c.Comms.ServerAddr == "" || c.Comms.ListenAddr == "") {
		return NewConfigError("comms: serverAddr and listenAddr are required when enabled")
	}
	if c.Supervisor.MaxAttempts < 1 {
		return NewConfigError(fmt.Sprintf("supervisor: maxAttempts must be at least 1, got %d", c.Supervisor.MaxAttempts))
	}
	return nil
}

func hzToInterval(hz float64) time.Duration {
	return time.Duration(float64(time.Second) / hz)
}

func secToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
