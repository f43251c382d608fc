package calibration

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"polyfield-edm/internal/geometry"
)

// Record is an immutable snapshot of a completed calibration.
type Record struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"sessionId"`
	CircleType       CircleType     `json:"circleType"`
	TargetRadiusM    float64        `json:"targetRadiusM"`
	Station          geometry.Point `json:"station"`
	Centre           CentreResult   `json:"centre"`
	Edge             EdgeResult     `json:"edge"`
	EdgeAcknowledged bool           `json:"edgeAcknowledged"`
	Sector           SectorResult   `json:"sector"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// Snapshot captures a Ready session.
func (s *Session) Snapshot() (Record, error) {
	if err := s.Check(OpSnapshot); err != nil {
		return Record{}, err
	}
	return Record{
		ID:               uuid.NewString(),
		SessionID:        s.id,
		CircleType:       s.spec.Type,
		TargetRadiusM:    s.spec.TargetRadiusM,
		Station:          s.centre.Station,
		Centre:           *s.centre,
		Edge:             *s.edge,
		EdgeAcknowledged: s.edgeAcknowledged,
		Sector:           *s.sector,
		CreatedAt:        s.now().UTC(),
	}, nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Restore rebuilds a Ready session from a record. The record must match the
// current rule constants for its circle type.
func Restore(rec Record) (*Session, error) {
	spec, err := Spec(rec.CircleType)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", rec.ID, err)
	}
	if math.Abs(rec.TargetRadiusM-spec.TargetRadiusM) > 1e-9 {
		return nil, fmt.Errorf("restore %s: record radius %.4fm does not match %s radius %.4fm",
			rec.ID, rec.TargetRadiusM, spec.Type, spec.TargetRadiusM)
	}
	if !finite(rec.Station.X, rec.Station.Y, rec.Edge.MeasuredRadiusM, rec.Sector.Coordinates.X, rec.Sector.Coordinates.Y) {
		return nil, fmt.Errorf("restore %s: record holds non-finite geometry", rec.ID)
	}
	if !rec.Edge.WithinTolerance && !rec.EdgeAcknowledged {
		return nil, fmt.Errorf("restore %s: edge out of tolerance and not acknowledged", rec.ID)
	}

	id := rec.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	centre := rec.Centre
	centre.Station = rec.Station
	edge := rec.Edge
	sector := rec.Sector
	return &Session{
		id:               id,
		spec:             spec,
		state:            Ready,
		centre:           &centre,
		edge:             &edge,
		edgeAcknowledged: rec.EdgeAcknowledged,
		sector:           &sector,
		updatedAt:        rec.CreatedAt,
		now:              time.Now,
	}, nil
}
