// Package station drives one field-event station: the EDM, an optional
// wind gauge and scoreboard, and the calibration session for the circle in
// use. Operations on the same instrument never overlap; a second request
// while one is running fails with transport.ErrBusy.
package station

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"polyfield-edm/internal/archive"
	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/geometry"
	"polyfield-edm/internal/measure"
	"polyfield-edm/internal/reliability"
	"polyfield-edm/internal/scoreboard"
	"polyfield-edm/internal/simulator"
	"polyfield-edm/internal/telemetry"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

// Devices a station can connect.
const (
	DeviceEDM        = "edm"
	DeviceWind       = "wind"
	DeviceScoreboard = "scoreboard"
)

// Event kinds passed to the Publisher.
const (
	EventCentre      = "centre"
	EventEdge        = "edge"
	EventSector      = "sector"
	EventCalibration = "calibration"
	EventThrow       = "throw"
	EventWind        = "wind"
	EventReset       = "reset"
)

var ErrUnknownDevice = errors.New("station: unknown device")

// Publisher receives station events. *publish.Publisher is one.
type Publisher interface {
	Publish(kind string, data interface{}) error
}

// Aimer is implemented by simulated instruments, which have to be told
// which mark the prism stands on before each reading.
type Aimer interface {
	Aim(t simulator.Target)
	SetCircle(t calibration.CircleType) error
}

// Options configure a Coordinator.
type Options struct {
	Factory     transport.Factory
	EDMProfile  string
	ReadTimeout time.Duration
	WindProfile string
	Policy      reliability.Policy
	Circle      calibration.CircleType
	// Archive and Events are optional.
	Archive archive.Store
	Events  Publisher
}

// WindResult is one wind figure reported to officials.
type WindResult struct {
	SpeedMS float64   `json:"speedMs"`
	Samples int       `json:"samples"`
	At      time.Time `json:"at"`
}

// Status is a point-in-time view of the station.
type Status struct {
	Mode                string                    `json:"mode"`
	CircleType          calibration.CircleType    `json:"circleType"`
	State               calibration.State         `json:"state"`
	SessionID           string                    `json:"sessionId"`
	UpdatedAt           time.Time                 `json:"updatedAt"`
	EDMConnected        bool                      `json:"edmConnected"`
	WindConnected       bool                      `json:"windConnected"`
	WindListening       bool                      `json:"windListening"`
	ScoreboardConnected bool                      `json:"scoreboardConnected"`
	Station             *geometry.Point           `json:"station,omitempty"`
	Centre              *calibration.CentreResult `json:"centre,omitempty"`
	Edge                *calibration.EdgeResult   `json:"edge,omitempty"`
	EdgeAcknowledged    bool                      `json:"edgeAcknowledged"`
	Sector              *calibration.SectorResult `json:"sector,omitempty"`
	LastThrow           *measure.ThrowMeasurement `json:"lastThrow,omitempty"`
	LastWind            *WindResult               `json:"lastWind,omitempty"`
}

// Coordinator owns the instruments and session of one station.
type Coordinator struct {
	opts Options

	// held for the whole of an EDM or wind operation
	edmOp  sync.Mutex
	windOp sync.Mutex

	mu        sync.Mutex
	codec     *edm.Codec
	edmCh     transport.Channel
	inst      *edm.Instrument
	windCh    transport.Channel
	windAd    *wind.Adapter
	gauge     *wind.Gauge
	stopGauge context.CancelFunc
	gaugeDone chan struct{}
	boardCh   transport.Channel
	board     *scoreboard.Board
	session   *calibration.Session
	lastThrow *measure.ThrowMeasurement
	lastWind  *WindResult
}

// New validates opts and starts an uncalibrated session.
func New(opts Options) (*Coordinator, error) {
	if opts.Policy == (reliability.Policy{}) {
		opts.Policy = reliability.DefaultPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.EDMProfile == "" {
		opts.EDMProfile = "polyfield"
	}
	if opts.WindProfile == "" {
		opts.WindProfile = "polyfield-wind"
	}
	if opts.Circle == "" {
		opts.Circle = calibration.Shot
	}
	codec, err := edm.NewCodec(opts.EDMProfile, opts.ReadTimeout)
	if err != nil {
		return nil, err
	}
	windAd, err := wind.NewAdapter(opts.WindProfile, opts.ReadTimeout)
	if err != nil {
		return nil, err
	}
	session, err := calibration.NewSession(opts.Circle)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:    opts,
		codec:   codec,
		windAd:  windAd,
		session: session,
		board:   scoreboard.New(nil),
	}, nil
}

// Connect opens cfg through the factory and attaches it as device,
// replacing any channel already attached.
func (c *Coordinator) Connect(ctx context.Context, device string, cfg transport.Config) error {
	cfg.Device = device
	switch device {
	case DeviceEDM:
		if !c.edmOp.TryLock() {
			return transport.ErrBusy
		}
		defer c.edmOp.Unlock()
	case DeviceWind:
		c.StopWindListener()
		if !c.windOp.TryLock() {
			return transport.ErrBusy
		}
		defer c.windOp.Unlock()
	case DeviceScoreboard:
	default:
		return fmt.Errorf("%w %q", ErrUnknownDevice, device)
	}

	ch, err := c.opts.Factory.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", device, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch device {
	case DeviceEDM:
		closeQuietly(device, c.edmCh)
		c.edmCh = ch
		c.inst = edm.NewInstrument(c.codec, ch)
		if a, ok := ch.(Aimer); ok {
			if err := a.SetCircle(c.session.Spec().Type); err != nil {
				log.Printf("station: simulated circle: %v", err)
			}
		}
	case DeviceWind:
		closeQuietly(device, c.windCh)
		c.windCh = ch
	case DeviceScoreboard:
		w, ok := ch.(io.Writer)
		if !ok {
			ch.Close()
			return fmt.Errorf("station: scoreboard channel %T cannot be written to", ch)
		}
		closeQuietly(device, c.boardCh)
		c.boardCh = ch
		c.board = scoreboard.New(w)
		if err := c.board.ShowTestPattern(); err != nil {
			log.Printf("station: scoreboard test pattern: %v", err)
		}
	}
	log.Printf("station: %s connected (%s)", device, c.opts.Factory.Mode)
	return nil
}

// Disconnect closes the channel attached as device.
func (c *Coordinator) Disconnect(device string) error {
	if device == DeviceWind {
		c.StopWindListener()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var ch transport.Channel
	switch device {
	case DeviceEDM:
		ch, c.edmCh, c.inst = c.edmCh, nil, nil
	case DeviceWind:
		ch, c.windCh = c.windCh, nil
	case DeviceScoreboard:
		ch, c.boardCh = c.boardCh, nil
		c.board = scoreboard.New(nil)
	default:
		return fmt.Errorf("%w %q", ErrUnknownDevice, device)
	}
	if ch == nil {
		return transport.ErrNotConnected
	}
	log.Printf("station: %s disconnected", device)
	return ch.Close()
}

func closeQuietly(device string, ch transport.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		log.Printf("station: closing previous %s channel: %v", device, err)
	}
}

// Close stops the wind listener and closes every channel.
func (c *Coordinator) Close() error {
	c.StopWindListener()
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, ch := range []transport.Channel{c.edmCh, c.windCh, c.boardCh} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	c.edmCh, c.inst, c.windCh, c.boardCh = nil, nil, nil, nil
	c.board = scoreboard.New(nil)
	return errors.Join(errs...)
}

// SelectCircle replaces the session with a fresh one for t.
func (c *Coordinator) SelectCircle(t calibration.CircleType) error {
	if !c.edmOp.TryLock() {
		return transport.ErrBusy
	}
	defer c.edmOp.Unlock()
	session, err := calibration.NewSession(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceSession(session)
	log.Printf("station: selected %s circle", t)
	return nil
}

// replaceSession requires c.mu.
func (c *Coordinator) replaceSession(s *calibration.Session) {
	c.session = s
	c.lastThrow = nil
	if a, ok := c.edmCh.(Aimer); ok {
		if err := a.SetCircle(s.Spec().Type); err != nil {
			log.Printf("station: simulated circle: %v", err)
		}
	}
}

// Reset discards the calibration of the current circle.
func (c *Coordinator) Reset() error {
	if !c.edmOp.TryLock() {
		return transport.ErrBusy
	}
	defer c.edmOp.Unlock()
	c.mu.Lock()
	c.session.Reset()
	c.lastThrow = nil
	circle := c.session.Spec().Type
	c.mu.Unlock()
	c.publish(EventReset, map[string]calibration.CircleType{"circleType": circle})
	return nil
}

// read takes one reliable EDM reading once check passes on the current
// session. The caller holds edmOp.
func (c *Coordinator) read(ctx context.Context, target simulator.Target, check func(*calibration.Session) error) (reliability.ReliableReading, error) {
	c.mu.Lock()
	inst := c.inst
	err := check(c.session)
	if err == nil && inst != nil {
		if a, ok := c.edmCh.(Aimer); ok {
			a.Aim(target)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return reliability.ReliableReading{}, err
	}
	if inst == nil {
		return reliability.ReliableReading{}, transport.ErrNotConnected
	}
	return c.opts.Policy.Read(ctx, inst)
}

func opCheck(op calibration.Op) func(*calibration.Session) error {
	return func(s *calibration.Session) error { return s.Check(op) }
}

func (c *Coordinator) begin(ctx context.Context, name string) (context.Context, func(error), error) {
	if !c.edmOp.TryLock() {
		return ctx, nil, transport.ErrBusy
	}
	ctx, span := telemetry.GetTracer().Start(ctx, "station."+name)
	return ctx, func(err error) {
		telemetry.EndSpan(span, err)
		c.edmOp.Unlock()
	}, nil
}

// SetCentre reads the circle centre and fixes the station position.
func (c *Coordinator) SetCentre(ctx context.Context) (res calibration.CentreResult, err error) {
	ctx, end, err := c.begin(ctx, "SetCentre")
	if err != nil {
		return res, err
	}
	defer func() { end(err) }()

	r, err := c.read(ctx, simulator.TargetCentre, opCheck(calibration.OpSetCentre))
	if err != nil {
		return res, fmt.Errorf("could not get centre reading: %w", err)
	}
	c.mu.Lock()
	res, err = c.session.SetCentre(r)
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	c.publish(EventCentre, res)
	return res, nil
}

// VerifyEdge reads a point on the circle edge and checks the radius.
func (c *Coordinator) VerifyEdge(ctx context.Context) (res calibration.EdgeResult, err error) {
	ctx, end, err := c.begin(ctx, "VerifyEdge")
	if err != nil {
		return res, err
	}
	defer func() { end(err) }()

	r, err := c.read(ctx, simulator.TargetEdge, opCheck(calibration.OpVerifyEdge))
	if err != nil {
		return res, fmt.Errorf("could not get edge reading: %w", err)
	}
	c.mu.Lock()
	res, err = c.session.VerifyEdge(r)
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	telemetry.Add(ctx, telemetry.Metrics().EdgeVerifications, attribute.Bool("within_tolerance", res.WithinTolerance))
	c.publish(EventEdge, res)
	return res, nil
}

// AcknowledgeEdge accepts an out-of-tolerance edge so the sector line can
// be set.
func (c *Coordinator) AcknowledgeEdge() error {
	if !c.edmOp.TryLock() {
		return transport.ErrBusy
	}
	defer c.edmOp.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.AcknowledgeEdge()
}

// SetSectorLine reads a point on the right sector line. Reaching Ready
// archives the calibration when an archive is configured.
func (c *Coordinator) SetSectorLine(ctx context.Context) (res calibration.SectorResult, err error) {
	ctx, end, err := c.begin(ctx, "SetSectorLine")
	if err != nil {
		return res, err
	}
	defer func() { end(err) }()

	r, err := c.read(ctx, simulator.TargetSector, opCheck(calibration.OpSetSectorLine))
	if err != nil {
		return res, fmt.Errorf("could not get sector reading: %w", err)
	}
	c.mu.Lock()
	res, err = c.session.SetSectorLine(r)
	var rec calibration.Record
	var snapErr error
	if err == nil {
		rec, snapErr = c.session.Snapshot()
	}
	c.mu.Unlock()
	if err != nil {
		return res, err
	}
	c.publish(EventSector, res)
	if snapErr != nil {
		log.Printf("station: snapshot after sector line: %v", snapErr)
		return res, nil
	}
	c.archive(ctx, rec)
	return res, nil
}

// Measure reads the landing mark and returns the throw.
func (c *Coordinator) Measure(ctx context.Context) (m measure.ThrowMeasurement, err error) {
	ctx, end, err := c.begin(ctx, "Measure")
	if err != nil {
		return m, err
	}
	defer func() { end(err) }()

	ready := func(s *calibration.Session) error {
		if st := s.State(); st != calibration.Ready {
			return fmt.Errorf("%w: session is %s", measure.ErrNotReady, st)
		}
		return nil
	}
	r, err := c.read(ctx, simulator.TargetThrow, ready)
	if err != nil {
		return m, fmt.Errorf("could not get throw reading: %w", err)
	}
	c.mu.Lock()
	m, err = measure.Measure(c.session, r)
	if err == nil {
		c.lastThrow = &m
	}
	board := c.board
	c.mu.Unlock()
	if err != nil {
		return m, err
	}
	telemetry.Add(ctx, telemetry.Metrics().Throws, attribute.String("circle", string(m.CircleType)))
	log.Printf("station: %s throw %.2fm at X=%.4fm, Y=%.4fm", m.CircleType, m.DistanceM, m.Coordinates.X, m.Coordinates.Y)
	c.show(board.ShowDistance(m.DistanceM))
	c.publish(EventThrow, m)
	return m, nil
}

// MeasureWind returns the average of the listener's last five seconds
// when it is running, or a single reading otherwise.
func (c *Coordinator) MeasureWind(ctx context.Context) (res WindResult, err error) {
	ctx, span := telemetry.GetTracer().Start(ctx, "station.MeasureWind")
	defer func() { telemetry.EndSpan(span, err) }()

	c.mu.Lock()
	gauge, ch, ad, board := c.gauge, c.windCh, c.windAd, c.board
	c.mu.Unlock()

	if gauge != nil && gauge.Running() {
		avg, n, err := gauge.Average()
		if err != nil {
			return res, err
		}
		res = WindResult{SpeedMS: avg, Samples: n, At: time.Now().UTC()}
	} else {
		if !c.windOp.TryLock() {
			return res, transport.ErrBusy
		}
		v, err := ad.MeasureWind(ctx, ch)
		c.windOp.Unlock()
		if err != nil {
			return res, fmt.Errorf("could not get wind reading: %w", err)
		}
		res = WindResult{SpeedMS: v, Samples: 1, At: time.Now().UTC()}
	}

	c.mu.Lock()
	c.lastWind = &res
	c.mu.Unlock()
	telemetry.Add(ctx, telemetry.Metrics().WindReadings)
	log.Printf("station: wind %+.2f m/s from %d readings", res.SpeedMS, res.Samples)
	c.show(board.ShowWind(res.SpeedMS))
	c.publish(EventWind, res)
	return res, nil
}

// ShowOnScoreboard sends a free-form value, such as a mark entered by hand.
func (c *Coordinator) ShowOnScoreboard(value string) error {
	c.mu.Lock()
	board := c.board
	c.mu.Unlock()
	return board.Show(value)
}

// StartWindListener keeps reading the wind gauge in the background until
// StopWindListener, ctx ends or the channel fails.
func (c *Coordinator) StartWindListener(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.windCh == nil {
		return transport.ErrNotConnected
	}
	if c.stopGauge != nil {
		select {
		case <-c.gaugeDone:
			c.stopGauge()
			c.stopGauge, c.gaugeDone = nil, nil
		default:
			return nil
		}
	}
	if !c.windOp.TryLock() {
		return transport.ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	gauge := wind.NewGauge(c.windAd, c.windCh)
	done := make(chan struct{})
	c.gauge, c.stopGauge, c.gaugeDone = gauge, cancel, done
	go func() {
		defer close(done)
		defer c.windOp.Unlock()
		if err := gauge.Run(ctx); err != nil {
			log.Printf("station: wind listener: %v", err)
		}
	}()
	log.Printf("station: wind listener started")
	return nil
}

// StopWindListener stops the background listener and waits for it.
func (c *Coordinator) StopWindListener() {
	c.mu.Lock()
	cancel, done := c.stopGauge, c.gaugeDone
	c.stopGauge, c.gaugeDone = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WindReadings returns the listener's buffered readings, oldest first.
func (c *Coordinator) WindReadings() []wind.Reading {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gauge == nil {
		return nil
	}
	return c.gauge.Readings()
}

// Snapshot returns a record of the completed calibration.
func (c *Coordinator) Snapshot() (calibration.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Snapshot()
}

// Save snapshots the completed calibration and archives it.
func (c *Coordinator) Save(ctx context.Context) (calibration.Record, error) {
	rec, err := c.Snapshot()
	if err != nil {
		return rec, err
	}
	if c.opts.Archive == nil {
		return rec, errors.New("station: no archive configured")
	}
	if err := c.opts.Archive.Save(ctx, rec); err != nil {
		return rec, err
	}
	c.publish(EventCalibration, rec)
	return rec, nil
}

// Restore replaces the session with one rebuilt from rec.
func (c *Coordinator) Restore(rec calibration.Record) error {
	if !c.edmOp.TryLock() {
		return transport.ErrBusy
	}
	defer c.edmOp.Unlock()
	session, err := calibration.Restore(rec)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.replaceSession(session)
	c.mu.Unlock()
	log.Printf("station: restored %s calibration %s from %s", rec.CircleType, rec.ID, rec.CreatedAt.Format(time.RFC3339))
	return nil
}

// RestoreLatest restores the newest archived calibration for circle.
func (c *Coordinator) RestoreLatest(ctx context.Context, circle calibration.CircleType) (calibration.Record, error) {
	if c.opts.Archive == nil {
		return calibration.Record{}, errors.New("station: no archive configured")
	}
	rec, err := c.opts.Archive.Latest(ctx, circle)
	if err != nil {
		return rec, err
	}
	return rec, c.Restore(rec)
}

// Status reports the station and session state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	st := Status{
		Mode:                c.opts.Factory.Mode.String(),
		CircleType:          s.Spec().Type,
		State:               s.State(),
		SessionID:           s.ID(),
		UpdatedAt:           s.UpdatedAt(),
		EDMConnected:        c.edmCh != nil,
		WindConnected:       c.windCh != nil,
		WindListening:       c.gauge != nil && c.gauge.Running(),
		ScoreboardConnected: c.boardCh != nil,
		EdgeAcknowledged:    s.EdgeAcknowledged(),
		LastThrow:           c.lastThrow,
		LastWind:            c.lastWind,
	}
	if centre, ok := s.Centre(); ok {
		station := s.Station()
		st.Station = &station
		st.Centre = &centre
	}
	if edge, ok := s.Edge(); ok {
		st.Edge = &edge
	}
	if sector, ok := s.Sector(); ok {
		st.Sector = &sector
	}
	return st
}

func (c *Coordinator) archive(ctx context.Context, rec calibration.Record) {
	if c.opts.Archive == nil {
		return
	}
	if err := c.opts.Archive.Save(ctx, rec); err != nil {
		log.Printf("station: failed to archive calibration %s: %v", rec.ID, err)
		return
	}
	c.publish(EventCalibration, rec)
}

func (c *Coordinator) publish(kind string, data interface{}) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.Publish(kind, data); err != nil {
		log.Printf("station: publish %s: %v", kind, err)
	}
}

func (c *Coordinator) show(err error) {
	if err != nil && !errors.Is(err, scoreboard.ErrNotConnected) {
		log.Printf("station: scoreboard: %v", err)
	}
}
