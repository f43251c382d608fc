package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"polyfield-edm/internal/archive"
	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/config"
	"polyfield-edm/internal/measure"
	"polyfield-edm/internal/simulator"
	"polyfield-edm/internal/station"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

const (
	configFile = "edm_config.txt"

	// Frontend event carrying station.Status after every change.
	statusEvent = "station:status"
)

// App is the desktop shell bound into the frontend. Each bound method runs
// on its own goroutine, so instrument reads never block the UI.
type App struct {
	ctx   context.Context
	cfg   *config.Config
	store archive.Store

	mu      sync.Mutex
	station *station.Coordinator
}

func NewApp() *App {
	return &App{}
}

func (a *App) wailsStartup(ctx context.Context) {
	a.ctx = ctx

	a.cfg = config.Default()
	if _, err := os.Stat(configFile); err == nil {
		if err := config.InitGlobal(configFile); err != nil {
			log.Printf("Error loading %s, using defaults: %v", configFile, err)
		} else {
			a.cfg = config.Get()
		}
	}

	store, err := archive.NewFileStore(a.cfg.ArchiveDir)
	if err != nil {
		log.Printf("Calibration archive unavailable: %v", err)
	} else {
		a.store = store
	}

	if err := a.switchMode(a.cfg.Mode); err != nil {
		log.Printf("Error starting station: %v", err)
	}
}

func (a *App) wailsShutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.station != nil {
		if err := a.station.Close(); err != nil {
			log.Printf("Error closing devices: %v", err)
		}
	}
}

// switchMode replaces the station with one opening devices in mode. In
// simulated mode every device is connected straight away.
func (a *App) switchMode(mode transport.Mode) error {
	opts := station.Options{
		Factory: transport.Factory{
			Mode:     mode,
			Simulate: simulator.Open(a.cfg.Simulator()),
		},
		EDMProfile:  a.cfg.EDMProfile,
		ReadTimeout: a.cfg.EDMReadTimeout,
		WindProfile: a.cfg.WindProfile,
		Policy:      a.cfg.Policy(),
		Circle:      a.cfg.CircleType,
	}
	if a.store != nil {
		opts.Archive = a.store
	}
	st, err := station.New(opts)
	if err != nil {
		return err
	}

	a.mu.Lock()
	old := a.station
	a.station = st
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if mode == transport.Simulated {
		for _, dev := range []string{station.DeviceEDM, station.DeviceWind, station.DeviceScoreboard} {
			if err := st.Connect(a.ctx, dev, transport.Config{}); err != nil {
				return err
			}
		}
		if err := st.StartWindListener(a.ctx); err != nil {
			return err
		}
	}
	log.Printf("Station running in %s mode", mode)
	a.emit()
	return nil
}

func (a *App) current() *station.Coordinator {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.station
}

// emit pushes the station status to the frontend.
func (a *App) emit() {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, statusEvent, a.current().Status())
}

func (a *App) deviceConfig(devType string) (transport.Config, error) {
	switch devType {
	case station.DeviceEDM:
		return a.cfg.EDM(), nil
	case station.DeviceWind:
		return a.cfg.WindTransport(), nil
	case station.DeviceScoreboard:
		return a.cfg.ScoreboardTransport(), nil
	}
	return transport.Config{}, fmt.Errorf("%w %q", station.ErrUnknownDevice, devType)
}

// --- Wails Bindable Functions ---

func (a *App) SetDemoMode(enabled bool) error {
	mode := transport.Live
	if enabled {
		mode = transport.Simulated
	}
	return a.switchMode(mode)
}

func (a *App) ListSerialPorts() ([]string, error) {
	return transport.ListSerialPorts()
}

func (a *App) ConnectSerialDevice(devType, portName string) (string, error) {
	cfg, err := a.deviceConfig(devType)
	if err != nil {
		return "", err
	}
	cfg.Connection = transport.ConnSerial
	cfg.Serial.PortName = portName
	if err := a.connect(devType, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected to %s on %s", devType, portName), nil
}

func (a *App) ConnectNetworkDevice(devType, ipAddress string, port int) (string, error) {
	cfg, err := a.deviceConfig(devType)
	if err != nil {
		return "", err
	}
	address := net.JoinHostPort(ipAddress, strconv.Itoa(port))
	cfg.Connection = transport.ConnNetwork
	cfg.Network.Address = address
	if err := a.connect(devType, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected to %s at %s", devType, address), nil
}

func (a *App) connect(devType string, cfg transport.Config) error {
	st := a.current()
	if err := st.Connect(a.ctx, devType, cfg); err != nil {
		return err
	}
	if devType == station.DeviceWind {
		if err := st.StartWindListener(a.ctx); err != nil {
			return err
		}
	}
	a.emit()
	return nil
}

func (a *App) DisconnectDevice(devType string) (string, error) {
	if err := a.current().Disconnect(devType); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return "", fmt.Errorf("%s not connected", devType)
		}
		return "", err
	}
	a.emit()
	return fmt.Sprintf("Disconnected %s", devType), nil
}

func (a *App) SelectCircle(circleType string) (station.Status, error) {
	t, err := calibration.ParseCircleType(circleType)
	if err != nil {
		return station.Status{}, err
	}
	st := a.current()
	if err := st.SelectCircle(t); err != nil {
		return station.Status{}, err
	}
	a.emit()
	return st.Status(), nil
}

func (a *App) SetCircleCentre() (calibration.CentreResult, error) {
	res, err := a.current().SetCentre(a.ctx)
	a.emit()
	return res, err
}

func (a *App) VerifyCircleEdge() (calibration.EdgeResult, error) {
	res, err := a.current().VerifyEdge(a.ctx)
	a.emit()
	return res, err
}

func (a *App) AcknowledgeEdge() error {
	err := a.current().AcknowledgeEdge()
	a.emit()
	return err
}

func (a *App) SetSectorLine() (calibration.SectorResult, error) {
	res, err := a.current().SetSectorLine(a.ctx)
	a.emit()
	return res, err
}

func (a *App) MeasureThrow() (measure.ThrowMeasurement, error) {
	m, err := a.current().Measure(a.ctx)
	a.emit()
	return m, err
}

func (a *App) MeasureWind() (station.WindResult, error) {
	res, err := a.current().MeasureWind(a.ctx)
	a.emit()
	return res, err
}

func (a *App) GetWindReadings() []wind.Reading {
	return a.current().WindReadings()
}

func (a *App) SendToScoreboard(value string) error {
	return a.current().ShowOnScoreboard(value)
}

func (a *App) GetStatus() station.Status {
	return a.current().Status()
}

func (a *App) SaveCalibration() (calibration.Record, error) {
	rec, err := a.current().Save(a.ctx)
	a.emit()
	return rec, err
}

func (a *App) RestoreCalibration(circleType string) (calibration.Record, error) {
	t, err := calibration.ParseCircleType(circleType)
	if err != nil {
		return calibration.Record{}, err
	}
	rec, err := a.current().RestoreLatest(a.ctx, t)
	a.emit()
	return rec, err
}

func (a *App) ResetCalibration() error {
	err := a.current().Reset()
	a.emit()
	return err
}

func (a *App) ListCircleTypes() []calibration.CircleSpec {
	return calibration.Specs()
}
