package transport

import (
	"fmt"
	"io"

	jserial "github.com/jacobsa/go-serial/serial"
	"go.bug.st/serial"
)

// SerialDriver selects the library used to open a serial port.
type SerialDriver string

const (
	DriverBugst   SerialDriver = "bugst"
	DriverJacobsa SerialDriver = "jacobsa"
)

// DefaultBaudRate is the EDM and wind gauge default.
const DefaultBaudRate = 9600

// SerialConfig describes a serial connection to an instrument.
type SerialConfig struct {
	PortName  string
	BaudRate  int
	Driver    SerialDriver
	Delimiter byte
}

// OpenSerial opens the port 8N1 and returns a Channel over it.
func OpenSerial(cfg SerialConfig) (*Stream, error) {
	if cfg.PortName == "" {
		return nil, &IOError{Op: "open", Err: fmt.Errorf("no serial port given")}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}

	var (
		port io.ReadWriteCloser
		err  error
	)
	switch cfg.Driver {
	case "", DriverBugst:
		port, err = serial.Open(cfg.PortName, &serial.Mode{
			BaudRate: cfg.BaudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
	case DriverJacobsa:
		port, err = jserial.Open(jserial.OpenOptions{
			PortName:        cfg.PortName,
			BaudRate:        uint(cfg.BaudRate),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      jserial.PARITY_NONE,
		})
	default:
		return nil, &IOError{Op: "open", Err: fmt.Errorf("unknown serial driver %q", cfg.Driver)}
	}
	if err != nil {
		return nil, &IOError{Op: "open " + cfg.PortName, Err: err}
	}
	return NewStream(port, "serial", cfg.PortName, cfg.Delimiter), nil
}

// ListSerialPorts returns the serial ports the OS currently reports.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
