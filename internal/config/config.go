package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/reliability"
	"polyfield-edm/internal/simulator"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

// Config holds all station configuration values.
type Config struct {
	Mode transport.Mode

	// EDM
	EDMConnection   string
	EDMSerialPort   string
	EDMSerialDriver transport.SerialDriver
	EDMBaudRate     int // 0 uses the profile's rate
	EDMAddress      string
	EDMProfile      string
	EDMReadTimeout  time.Duration

	// Reading policy
	ReadMode        reliability.Mode
	ReadToleranceMM float64
	ReadMaxAttempts int
	ReadPairDelay   time.Duration

	CircleType calibration.CircleType

	// Wind gauge, optional
	WindConnection string
	WindSerialPort string
	WindBaudRate   int
	WindAddress    string
	WindProfile    string

	// Scoreboard, optional
	ScoreboardSerialPort string
	ScoreboardAddress    string

	// MQTT, optional
	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	WebServerPort int

	// Archive
	ArchiveDir      string
	ArchiveS3Bucket string
	ArchiveGzip     bool

	OTELEndpoint string
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys a file leaves out.
func Default() *Config {
	return &Config{
		Mode:            transport.Live,
		EDMConnection:   transport.ConnSerial,
		EDMSerialDriver: transport.DriverBugst,
		EDMProfile:      "polyfield",
		EDMReadTimeout:  transport.DefaultTimeout,
		ReadMode:        reliability.Double,
		ReadToleranceMM: reliability.DefaultToleranceM * 1000,
		ReadMaxAttempts: reliability.DefaultMaxAttempts,
		ReadPairDelay:   reliability.DefaultPairDelay,
		CircleType:      calibration.Shot,
		WindConnection:  transport.ConnSerial,
		WindProfile:     "polyfield-wind",
		MQTTClientID:    "polyfield-edm",
		MQTTTopicPrefix: "polyfield/edm",
		WebServerPort:   8080,
		ArchiveDir:      "calibrations",
	}
}

// Load reads a KEY=VALUE configuration file over the defaults.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parsePositiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func parseMillis(key, value string) (time.Duration, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, n)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func parseConnection(key, value string) (string, error) {
	switch v := strings.ToLower(value); v {
	case transport.ConnSerial, transport.ConnNetwork:
		return v, nil
	}
	return "", fmt.Errorf("%s must be serial or network, got %q", key, value)
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	case "MODE":
		c.Mode, err = transport.ParseMode(value)

	// EDM
	case "EDM_CONNECTION":
		c.EDMConnection, err = parseConnection(key, value)
	case "EDM_SERIAL_PORT":
		c.EDMSerialPort = value
	case "EDM_SERIAL_DRIVER":
		switch d := transport.SerialDriver(strings.ToLower(value)); d {
		case transport.DriverBugst, transport.DriverJacobsa:
			c.EDMSerialDriver = d
		default:
			return fmt.Errorf("EDM_SERIAL_DRIVER must be bugst or jacobsa, got %q", value)
		}
	case "EDM_BAUD_RATE":
		c.EDMBaudRate, err = parsePositiveInt(key, value)
	case "EDM_ADDRESS":
		c.EDMAddress = value
	case "EDM_PROFILE":
		if _, err := edm.LookupProfile(value); err != nil {
			return fmt.Errorf("EDM_PROFILE: %w", err)
		}
		c.EDMProfile = value
	case "EDM_READ_TIMEOUT_MS":
		c.EDMReadTimeout, err = parseMillis(key, value)
		if err == nil && c.EDMReadTimeout == 0 {
			return fmt.Errorf("EDM_READ_TIMEOUT_MS must be positive")
		}

	// Reading policy
	case "READ_MODE":
		c.ReadMode, err = reliability.ParseMode(value)
	case "READ_TOLERANCE_MM":
		v, perr := strconv.ParseFloat(value, 64)
		if perr != nil {
			return fmt.Errorf("invalid READ_TOLERANCE_MM %q: %w", value, perr)
		}
		if v <= 0 || v > 100 {
			return fmt.Errorf("READ_TOLERANCE_MM must be in (0, 100], got %v", v)
		}
		c.ReadToleranceMM = v
	case "READ_MAX_ATTEMPTS":
		c.ReadMaxAttempts, err = parsePositiveInt(key, value)
	case "READ_PAIR_DELAY_MS":
		c.ReadPairDelay, err = parseMillis(key, value)

	case "CIRCLE_TYPE":
		c.CircleType, err = calibration.ParseCircleType(value)

	// Wind
	case "WIND_CONNECTION":
		c.WindConnection, err = parseConnection(key, value)
	case "WIND_SERIAL_PORT":
		c.WindSerialPort = value
	case "WIND_BAUD_RATE":
		c.WindBaudRate, err = parsePositiveInt(key, value)
	case "WIND_ADDRESS":
		c.WindAddress = value
	case "WIND_PROFILE":
		if _, err := wind.LookupProfile(value); err != nil {
			return fmt.Errorf("WIND_PROFILE: %w", err)
		}
		c.WindProfile = value

	// Scoreboard
	case "SCOREBOARD_SERIAL_PORT":
		c.ScoreboardSerialPort = value
	case "SCOREBOARD_ADDRESS":
		c.ScoreboardAddress = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_TOPIC_PREFIX":
		c.MQTTTopicPrefix = value

	case "WEB_SERVER_PORT":
		port, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, perr)
		}
		if port < 0 || port > 65535 {
			return fmt.Errorf("WEB_SERVER_PORT must be 0-65535, got %d", port)
		}
		c.WebServerPort = port

	// Archive
	case "ARCHIVE_DIR":
		c.ArchiveDir = value
	case "ARCHIVE_S3_BUCKET":
		c.ArchiveS3Bucket = value
	case "ARCHIVE_GZIP":
		c.ArchiveGzip, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid ARCHIVE_GZIP %q: %w", value, err)
		}

	case "OTEL_ENDPOINT":
		c.OTELEndpoint = value

	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return err
}

// validate checks that the settings fit together.
func (c *Config) validate() error {
	if c.Mode == transport.Live {
		switch c.EDMConnection {
		case transport.ConnSerial:
			if c.EDMSerialPort == "" {
				return fmt.Errorf("EDM_SERIAL_PORT is required for a serial EDM in live mode")
			}
		case transport.ConnNetwork:
			if c.EDMAddress == "" {
				return fmt.Errorf("EDM_ADDRESS is required for a network EDM in live mode")
			}
		}
		if c.WindConnection == transport.ConnNetwork && c.WindSerialPort != "" {
			return fmt.Errorf("WIND_SERIAL_PORT set but WIND_CONNECTION is network")
		}
		if c.ScoreboardSerialPort != "" && c.ScoreboardAddress != "" {
			return fmt.Errorf("set only one of SCOREBOARD_SERIAL_PORT and SCOREBOARD_ADDRESS")
		}
	}
	if err := c.Policy().Validate(); err != nil {
		return err
	}
	return nil
}

// Policy returns the reading policy the settings describe.
func (c *Config) Policy() reliability.Policy {
	return reliability.Policy{
		Mode:        c.ReadMode,
		ToleranceM:  c.ReadToleranceMM / 1000,
		MaxAttempts: c.ReadMaxAttempts,
		PairDelay:   c.ReadPairDelay,
	}
}

// EDM returns the transport settings for the EDM.
func (c *Config) EDM() transport.Config {
	baud := c.EDMBaudRate
	var delim byte = '\n'
	if p, err := edm.LookupProfile(c.EDMProfile); err == nil {
		if baud == 0 {
			baud = p.BaudRate
		}
		delim = p.Delimiter
	}
	return transport.Config{
		Device:     "edm",
		Connection: c.EDMConnection,
		Serial: transport.SerialConfig{
			PortName:  c.EDMSerialPort,
			BaudRate:  baud,
			Driver:    c.EDMSerialDriver,
			Delimiter: delim,
		},
		Network: transport.NetworkConfig{Address: c.EDMAddress, Delimiter: delim},
	}
}

// Wind returns the wind gauge transport settings, or false when no gauge
// is configured. Simulated mode always has one.
func (c *Config) Wind() (transport.Config, bool) {
	if c.Mode == transport.Live && c.WindSerialPort == "" && c.WindAddress == "" {
		return transport.Config{}, false
	}
	return c.WindTransport(), true
}

// WindTransport returns the wind gauge settings with the profile's baud
// rate filled in, for a gauge whose port is chosen at connect time.
func (c *Config) WindTransport() transport.Config {
	baud := c.WindBaudRate
	if p, err := wind.LookupProfile(c.WindProfile); err == nil && baud == 0 {
		baud = p.BaudRate
	}
	conn := c.WindConnection
	if c.WindSerialPort == "" && c.WindAddress != "" {
		conn = transport.ConnNetwork
	}
	return transport.Config{
		Device:     "wind",
		Connection: conn,
		Serial:     transport.SerialConfig{PortName: c.WindSerialPort, BaudRate: baud, Delimiter: '\n'},
		Network:    transport.NetworkConfig{Address: c.WindAddress, Delimiter: '\n'},
	}
}

// Scoreboard returns the display transport settings, or false when no
// display is configured. Simulated mode always has one.
func (c *Config) Scoreboard() (transport.Config, bool) {
	if c.ScoreboardSerialPort == "" && c.ScoreboardAddress == "" && c.Mode != transport.Simulated {
		return transport.Config{}, false
	}
	return c.ScoreboardTransport(), true
}

// ScoreboardTransport returns the display settings, for a display whose
// port is chosen at connect time.
func (c *Config) ScoreboardTransport() transport.Config {
	cfg := transport.Config{
		Device: "scoreboard",
		Serial: transport.SerialConfig{PortName: c.ScoreboardSerialPort, BaudRate: transport.DefaultBaudRate},
	}
	switch {
	case c.ScoreboardSerialPort != "":
		cfg.Connection = transport.ConnSerial
	case c.ScoreboardAddress != "":
		cfg.Connection = transport.ConnNetwork
		cfg.Network = transport.NetworkConfig{Address: c.ScoreboardAddress}
	}
	return cfg
}

// Simulator returns the virtual device options for simulated mode, speaking
// the configured EDM and wind profiles.
func (c *Config) Simulator() simulator.Options {
	opts := simulator.DefaultOptions()
	opts.EDMProfile = c.EDMProfile
	opts.WindProfile = c.WindProfile
	return opts
}

// InitGlobal loads the configuration once for the whole process.
func InitGlobal(configPath string) error {
	var initErr error
	configOnce.Do(func() {
		cfg, err := Load(configPath)
		if err != nil {
			initErr = err
			return
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})
	return initErr
}

// Get returns the global configuration, or the defaults when InitGlobal
// has not succeeded.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		return Default()
	}
	return globalConfig
}
