package transport

import (
	"context"
	"net"
	"time"
)

const defaultDialTimeout = 5 * time.Second

// NetworkConfig describes a TCP connection to an instrument, typically a
// serial-to-Ethernet bridge.
type NetworkConfig struct {
	Address     string
	DialTimeout time.Duration
	Delimiter   byte
}

// OpenNetwork dials the instrument and returns a Channel over the socket.
func OpenNetwork(ctx context.Context, cfg NetworkConfig) (*Stream, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, &IOError{Op: "dial " + cfg.Address, Err: err}
	}
	return NewStream(conn, "network", cfg.Address, cfg.Delimiter), nil
}
