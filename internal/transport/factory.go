package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode decides whether a Factory opens real instruments or simulated ones.
// It is carried by each Factory value; there is no process-wide switch.
type Mode int

const (
	Live Mode = iota
	Simulated
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Simulated:
		return "simulated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "live" or "simulated" (also "demo").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "live":
		return Live, nil
	case "simulated", "demo":
		return Simulated, nil
	default:
		return Live, fmt.Errorf("unknown mode %q", s)
	}
}

// Connection kinds accepted in Config.
const (
	ConnSerial  = "serial"
	ConnNetwork = "network"
)

// Config selects and parameterises one instrument connection.
type Config struct {
	Device     string
	Connection string
	Serial     SerialConfig
	Network    NetworkConfig
}

var ErrNoSimulator = errors.New("transport: simulated mode has no simulator for this device")

// Factory opens channels. In Simulated mode it delegates to Simulate and
// never touches hardware; in Live mode it never simulates.
type Factory struct {
	Mode     Mode
	Simulate func(cfg Config) (Channel, error)
}

// Open returns a Channel for cfg according to the factory's mode.
func (f Factory) Open(ctx context.Context, cfg Config) (Channel, error) {
	switch f.Mode {
	case Simulated:
		if f.Simulate == nil {
			return nil, ErrNoSimulator
		}
		return f.Simulate(cfg)
	case Live:
		var (
			s   *Stream
			err error
		)
		switch cfg.Connection {
		case ConnSerial:
			s, err = OpenSerial(cfg.Serial)
		case ConnNetwork:
			s, err = OpenNetwork(ctx, cfg.Network)
		default:
			return nil, fmt.Errorf("transport: unknown connection type %q for %s", cfg.Connection, cfg.Device)
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("transport: unknown mode %v", f.Mode)
	}
}
