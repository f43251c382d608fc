// Package control exposes a station over a websocket so a remote tablet
// or the results desk can drive calibration and measurement.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"polyfield-edm/internal/calibration"
	"polyfield-edm/internal/edm"
	"polyfield-edm/internal/measure"
	"polyfield-edm/internal/reliability"
	"polyfield-edm/internal/station"
	"polyfield-edm/internal/transport"
	"polyfield-edm/internal/wind"
)

// Station is the set of station operations the control surface drives.
// *station.Coordinator implements it.
type Station interface {
	SelectCircle(t calibration.CircleType) error
	SetCentre(ctx context.Context) (calibration.CentreResult, error)
	VerifyEdge(ctx context.Context) (calibration.EdgeResult, error)
	AcknowledgeEdge() error
	SetSectorLine(ctx context.Context) (calibration.SectorResult, error)
	Measure(ctx context.Context) (measure.ThrowMeasurement, error)
	MeasureWind(ctx context.Context) (station.WindResult, error)
	StartWindListener(ctx context.Context) error
	StopWindListener()
	Reset() error
	Save(ctx context.Context) (calibration.Record, error)
	RestoreLatest(ctx context.Context, circle calibration.CircleType) (calibration.Record, error)
	Status() station.Status
}

// Request is one client message.
type Request struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"` // select, centre, edge, ack, sector, measure, wind, wind-start, wind-stop, reset, save, restore, status
	Circle string `json:"circle,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"` // result, error
	Action  string          `json:"action"`
	Result  interface{}     `json:"result,omitempty"`
	Status  *station.Status `json:"status,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Handler serves the websocket and a JSON status endpoint.
type Handler struct {
	station  Station
	upgrader websocket.Upgrader
}

func NewHandler(st Station) *Handler {
	return &Handler{
		station: st,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // any device on the field network
			},
		},
	}
}

// Routes registers /ws and /api/status on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.ServeWS)
	mux.Handle("/api/status", otelhttp.NewHandler(http.HandlerFunc(h.ServeStatus), "GET /api/status"))
}

func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.station.Status()); err != nil {
		log.Printf("control: json encode error: %v", err)
	}
}

// conn serialises writes to one websocket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(resp); err != nil {
		log.Printf("control: websocket write error: %v", err)
	}
}

// ServeWS runs one client session. Each request is handled on its own
// goroutine, so a status query is answered while a reading is running and
// an overlapping instrument request gets a busy error.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("control: websocket upgrade error: %v", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	log.Printf("control: client %s connected", r.RemoteAddr)
	for {
		var req Request
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("control: websocket read error: %v", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.send(h.handle(ctx, req))
		}()
	}
}

func (h *Handler) handle(ctx context.Context, req Request) Response {
	result, err := h.dispatch(ctx, req)
	resp := Response{ID: req.ID, Action: req.Action}
	if err != nil {
		resp.Type = "error"
		resp.Code = ErrorCode(err)
		resp.Message = err.Error()
		log.Printf("control: %s failed: %v", req.Action, err)
	} else {
		resp.Type = "result"
		resp.Result = result
	}
	st := h.station.Status()
	resp.Status = &st
	return resp
}

var errUnknownAction = errors.New("unknown action")

func (h *Handler) dispatch(ctx context.Context, req Request) (interface{}, error) {
	switch req.Action {
	case "select":
		t, err := calibration.ParseCircleType(req.Circle)
		if err != nil {
			return nil, err
		}
		return nil, h.station.SelectCircle(t)
	case "centre":
		return h.station.SetCentre(ctx)
	case "edge":
		return h.station.VerifyEdge(ctx)
	case "ack":
		return nil, h.station.AcknowledgeEdge()
	case "sector":
		return h.station.SetSectorLine(ctx)
	case "measure":
		return h.station.Measure(ctx)
	case "wind":
		return h.station.MeasureWind(ctx)
	case "wind-start":
		// the listener outlives this request
		return nil, h.station.StartWindListener(context.WithoutCancel(ctx))
	case "wind-stop":
		h.station.StopWindListener()
		return nil, nil
	case "reset":
		return nil, h.station.Reset()
	case "save":
		return h.station.Save(ctx)
	case "restore":
		t, err := calibration.ParseCircleType(req.Circle)
		if err != nil {
			return nil, err
		}
		return h.station.RestoreLatest(ctx, t)
	case "status":
		return nil, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownAction, req.Action)
}

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, reliability.ErrToleranceExceeded):
		return "tolerance_exceeded"
	case errors.Is(err, reliability.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, transport.ErrBusy):
		return "busy"
	case errors.Is(err, transport.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case errors.Is(err, transport.ErrIOFailure):
		return "io_failure"
	case errors.Is(err, edm.ErrMalformedResponse), errors.Is(err, edm.ErrChecksumMismatch):
		return "bad_response"
	case errors.Is(err, calibration.ErrWrongState):
		return "wrong_state"
	case errors.Is(err, measure.ErrNotReady):
		return "not_ready"
	case errors.Is(err, wind.ErrNoRecentReadings):
		return "no_wind"
	case errors.Is(err, errUnknownAction):
		return "unknown_action"
	}
	return "error"
}
