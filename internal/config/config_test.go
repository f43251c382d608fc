package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/reliability"
	"polyfield-edm/internal/simulator"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edm.conf")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
# field event station
MODE=live
EDM_CONNECTION=serial
EDM_SERIAL_PORT=/dev/ttyUSB0
EDM_SERIAL_DRIVER=jacobsa
EDM_PROFILE=ascii-bcc
EDM_READ_TIMEOUT_MS=4000
READ_MODE=double
READ_TOLERANCE_MM=5
READ_MAX_ATTEMPTS=4
READ_PAIR_DELAY_MS=50
CIRCLE_TYPE=discus
WIND_ADDRESS=192.168.1.40:4001
WIND_PROFILE=nmea-mwv
SCOREBOARD_SERIAL_PORT=/dev/ttyUSB1
MQTT_BROKER=tcp://localhost:1883
WEB_SERVER_PORT=9090
ARCHIVE_GZIP=true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EDMSerialDriver != transport.DriverJacobsa || cfg.EDMProfile != "ascii-bcc" {
		t.Errorf("EDM settings = %+v", cfg)
	}
	if cfg.EDMReadTimeout != 4*time.Second {
		t.Errorf("EDMReadTimeout = %v", cfg.EDMReadTimeout)
	}
	if cfg.CircleType != calibration.Discus {
		t.Errorf("CircleType = %v", cfg.CircleType)
	}
	p := cfg.Policy()
	if p.Mode != reliability.Double || p.ToleranceM != 0.005 || p.MaxAttempts != 4 || p.PairDelay != 50*time.Millisecond {
		t.Errorf("Policy = %+v", p)
	}
	if !cfg.ArchiveGzip || cfg.WebServerPort != 9090 || cfg.MQTTClientID != "polyfield-edm" {
		t.Errorf("config = %+v", cfg)
	}

	edm := cfg.EDM()
	if edm.Connection != transport.ConnSerial || edm.Serial.PortName != "/dev/ttyUSB0" || edm.Serial.BaudRate != 9600 {
		t.Errorf("EDM transport = %+v", edm)
	}
	w, ok := cfg.Wind()
	if !ok || w.Connection != transport.ConnNetwork || w.Network.Address != "192.168.1.40:4001" {
		t.Errorf("Wind transport = %+v, %v", w, ok)
	}
	sb, ok := cfg.Scoreboard()
	if !ok || sb.Connection != transport.ConnSerial || sb.Serial.PortName != "/dev/ttyUSB1" {
		t.Errorf("Scoreboard transport = %+v, %v", sb, ok)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no equals", "EDM_SERIAL_PORT /dev/ttyUSB0\n", "invalid config line 1"},
		{"unknown key", "MODE=simulated\nEDM_COLOUR=red\n", "unknown config key"},
		{"bad mode", "MODE=sometimes\n", "unknown mode"},
		{"bad tolerance", "MODE=simulated\nREAD_TOLERANCE_MM=-1\n", "READ_TOLERANCE_MM"},
		{"bad circle", "MODE=simulated\nCIRCLE_TYPE=POLE\n", "config line 2"},
		{"bad profile", "MODE=simulated\nEDM_PROFILE=laser-9000\n", "EDM_PROFILE"},
		{"bad driver", "MODE=simulated\nEDM_SERIAL_DRIVER=usb\n", "EDM_SERIAL_DRIVER"},
		{"missing port", "MODE=live\n", "EDM_SERIAL_PORT is required"},
		{"missing address", "MODE=live\nEDM_CONNECTION=network\n", "EDM_ADDRESS is required"},
		{"zero timeout", "MODE=simulated\nEDM_READ_TIMEOUT_MS=0\n", "EDM_READ_TIMEOUT_MS"},
		{"two scoreboards", "EDM_SERIAL_PORT=/dev/ttyUSB0\nSCOREBOARD_SERIAL_PORT=/dev/ttyUSB1\nSCOREBOARD_ADDRESS=10.0.0.2:23\n", "only one"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v; want it to mention %q", err, tc.want)
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.conf")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSimulatedDevices(t *testing.T) {
	cfg, err := Load(writeConfig(t, "MODE=demo\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != transport.Simulated {
		t.Fatalf("Mode = %v", cfg.Mode)
	}
	if _, ok := cfg.Wind(); !ok {
		t.Error("simulated mode has no wind gauge")
	}
	if _, ok := cfg.Scoreboard(); !ok {
		t.Error("simulated mode has no scoreboard")
	}

	live := Default()
	if _, ok := live.Wind(); ok {
		t.Error("live default has a wind gauge")
	}
	if _, ok := live.Scoreboard(); ok {
		t.Error("live default has a scoreboard")
	}
}

func TestTransportsKeepProfileBaudRate(t *testing.T) {
	cfg, err := Load(writeConfig(t, "EDM_SERIAL_PORT=/dev/ttyUSB0\nWIND_PROFILE=nmea-mwv\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Wind(); ok {
		t.Error("live config without a wind port has a gauge")
	}
	w := cfg.WindTransport()
	if w.Device != "wind" || w.Serial.BaudRate != 4800 {
		t.Errorf("WindTransport = %+v; want wind device at 4800 baud", w)
	}
	sb := cfg.ScoreboardTransport()
	if sb.Device != "scoreboard" || sb.Serial.BaudRate != transport.DefaultBaudRate {
		t.Errorf("ScoreboardTransport = %+v; want scoreboard at %d baud", sb, transport.DefaultBaudRate)
	}
}

func TestSimulatorSpeaksConfiguredProfiles(t *testing.T) {
	cfg, err := Load(writeConfig(t, "MODE=simulated\nEDM_PROFILE=geocom\nWIND_PROFILE=nmea-mwv\n"))
	if err != nil {
		t.Fatal(err)
	}
	opts := cfg.Simulator()
	opts.Latency = 0
	opts.WindInterval = time.Millisecond
	f := transport.Factory{Mode: cfg.Mode, Simulate: simulator.Open(opts)}
	ctx := context.Background()

	ch, err := f.Open(ctx, cfg.EDM())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	codec, err := edm.NewCodec(cfg.EDMProfile, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Policy().Read(ctx, edm.NewInstrument(codec, ch)); err != nil {
		t.Errorf("geocom read: %v", err)
	}

	wcfg, _ := cfg.Wind()
	wch, err := f.Open(ctx, wcfg)
	if err != nil {
		t.Fatal(err)
	}
	defer wch.Close()
	a, err := wind.NewAdapter(cfg.WindProfile, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.MeasureWind(ctx, wch); err != nil {
		t.Errorf("nmea-mwv read: %v", err)
	}
}

func TestGetDefaults(t *testing.T) {
	if Get() == nil {
		t.Fatal("Get returned nil before InitGlobal")
	}
}
