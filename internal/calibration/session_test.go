package calibration

import (
	"errors"
	"math"
	"testing"
	"time"

	"polyfield-edm/internal/geometry"
	"polyfield-edm/internal/reliability"
)

const eps = 1e-9

var testStation = geometry.Point{X: -9.25, Y: 4.5}

// readingTo builds the reading the instrument at testStation would report
// for target.
func readingTo(target geometry.Point) reliability.ReliableReading {
	d, b := geometry.ReadingTo(testStation, target)
	return reliability.ReliableReading{DistanceM: d, BearingDeg: b, SampleCount: 2}
}

func polar(r, deg float64) geometry.Point {
	rad := deg * math.Pi / 180
	return geometry.Point{X: r * math.Cos(rad), Y: r * math.Sin(rad)}
}

func newSession(t *testing.T, ct CircleType) *Session {
	t.Helper()
	s, err := NewSession(ct)
	if err != nil {
		t.Fatalf("NewSession(%s): %v", ct, err)
	}
	return s
}

func centred(t *testing.T, ct CircleType) *Session {
	t.Helper()
	s := newSession(t, ct)
	res, err := s.SetCentre(readingTo(geometry.Point{}))
	if err != nil {
		t.Fatalf("SetCentre: %v", err)
	}
	if math.Abs(res.Station.X-testStation.X) > eps || math.Abs(res.Station.Y-testStation.Y) > eps {
		t.Fatalf("station = %v; want %v", res.Station, testStation)
	}
	return s
}

func TestCircleSpecTable(t *testing.T) {
	for _, spec := range Specs() {
		t.Run(string(spec.Type), func(t *testing.T) {
			wantTol, wantHalf := 0.005, 17.46
			if spec.Type == JavelinArc {
				wantTol, wantHalf = 0.010, 14.48
			}
			if spec.EdgeToleranceM != wantTol {
				t.Errorf("EdgeToleranceM = %v; want %v", spec.EdgeToleranceM, wantTol)
			}
			if spec.HalfSectorAngleDeg != wantHalf {
				t.Errorf("HalfSectorAngleDeg = %v; want %v", spec.HalfSectorAngleDeg, wantHalf)
			}
		})
	}
	if len(Specs()) != 5 {
		t.Errorf("got %d specs; want 5", len(Specs()))
	}
}

func TestParseCircleType(t *testing.T) {
	cases := []struct {
		in      string
		want    CircleType
		wantErr bool
	}{
		{"SHOT", Shot, false},
		{"discus", Discus, false},
		{" Hammer ", Hammer, false},
		{"WEIGHT", Weight, false},
		{"JAVELIN_ARC", JavelinArc, false},
		{"javelin", JavelinArc, false},
		{"POLE_VAULT", "", true},
	}
	for _, tc := range cases {
		got, err := ParseCircleType(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseCircleType(%q) = %q, %v; want %q (err %v)", tc.in, got, err, tc.want, tc.wantErr)
		}
	}
}

func TestEdgeScenarios(t *testing.T) {
	cases := []struct {
		name          string
		radius        float64
		wantDeviation float64
		wantWithin    bool
	}{
		{"scenario A", 1.0700, 0.0025, true},
		{"scenario B", 1.0750, 0.0075, false},
		{"exact", 1.0675, 0, true},
		{"on the limit inside", 1.0625, -0.005, true},
		{"short", 1.0600, -0.0075, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := centred(t, Shot)
			res, err := s.VerifyEdge(readingTo(polar(tc.radius, 40)))
			if err != nil {
				t.Fatalf("VerifyEdge: %v", err)
			}
			if math.Abs(res.MeasuredRadiusM-tc.radius) > 1e-9 {
				t.Errorf("MeasuredRadiusM = %v; want %v", res.MeasuredRadiusM, tc.radius)
			}
			if math.Abs(res.DeviationM-tc.wantDeviation) > 1e-9 {
				t.Errorf("DeviationM = %v; want %v", res.DeviationM, tc.wantDeviation)
			}
			if res.WithinTolerance != tc.wantWithin {
				t.Errorf("WithinTolerance = %v; want %v", res.WithinTolerance, tc.wantWithin)
			}
			if s.State() != EdgeVerified {
				t.Errorf("state = %v; want EdgeVerified regardless of outcome", s.State())
			}
		})
	}
}

func TestEdgeRemeasureOverwrites(t *testing.T) {
	s := centred(t, Discus)
	if _, err := s.VerifyEdge(readingTo(polar(1.262, 10))); err != nil {
		t.Fatal(err)
	}
	if err := s.AcknowledgeEdge(); err != nil {
		t.Fatal(err)
	}
	res, err := s.VerifyEdge(readingTo(polar(1.251, 200)))
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.Edge()
	if got != res || !got.WithinTolerance {
		t.Errorf("Edge() = %+v; want the re-measured result %+v", got, res)
	}
	if s.EdgeAcknowledged() {
		t.Error("acknowledgement survived a re-measure")
	}
}

func TestSectorScenarioC(t *testing.T) {
	s := centred(t, JavelinArc)
	if _, err := s.VerifyEdge(readingTo(polar(8.004, 90))); err != nil {
		t.Fatal(err)
	}
	res, err := s.SetSectorLine(readingTo(polar(20.0, 75.52)))
	if err != nil {
		t.Fatalf("SetSectorLine: %v", err)
	}
	if math.Abs(res.Coordinates.X-5.00) > 0.01 || math.Abs(res.Coordinates.Y-19.37) > 0.01 {
		t.Errorf("Coordinates = %v; want ~(5.00, 19.37)", res.Coordinates)
	}
	if math.Abs(res.DistanceBeyondCircleM-12.0) > 1e-9 {
		t.Errorf("DistanceBeyondCircleM = %v; want 12", res.DistanceBeyondCircleM)
	}
	if s.State() != Ready {
		t.Errorf("state = %v; want Ready", s.State())
	}
}

func TestSectorMirroring(t *testing.T) {
	for _, ct := range []CircleType{Shot, Discus, Hammer, Weight} {
		t.Run(string(ct), func(t *testing.T) {
			s := centred(t, ct)
			spec := s.Spec()
			if _, err := s.VerifyEdge(readingTo(polar(spec.TargetRadiusM, 0))); err != nil {
				t.Fatal(err)
			}
			const d = 20.0
			res, err := s.SetSectorLine(readingTo(polar(d, 300)))
			if err != nil {
				t.Fatal(err)
			}
			half := 17.46 * math.Pi / 180
			wantX, wantY := d*math.Sin(half), d*math.Cos(half)
			if math.Abs(res.Coordinates.X-wantX) > 1e-9 || math.Abs(res.Coordinates.Y-wantY) > 1e-9 {
				t.Errorf("right = %v; want (%v, %v)", res.Coordinates, wantX, wantY)
			}
			left := res.Left()
			if left.X != -res.Coordinates.X || left.Y != res.Coordinates.Y {
				t.Errorf("left = %v; want mirror of %v", left, res.Coordinates)
			}
		})
	}
}

func TestSequenceErrors(t *testing.T) {
	s := newSession(t, Shot)
	if _, err := s.VerifyEdge(readingTo(polar(1.0675, 0))); !errors.Is(err, ErrWrongState) {
		t.Errorf("VerifyEdge while Uncalibrated: err = %v; want ErrWrongState", err)
	}
	if _, err := s.SetSectorLine(readingTo(polar(20, 0))); !errors.Is(err, ErrWrongState) {
		t.Errorf("SetSectorLine while Uncalibrated: err = %v; want ErrWrongState", err)
	}
	if err := s.AcknowledgeEdge(); !errors.Is(err, ErrWrongState) {
		t.Errorf("AcknowledgeEdge while Uncalibrated: err = %v; want ErrWrongState", err)
	}
	if _, err := s.Snapshot(); !errors.Is(err, ErrWrongState) {
		t.Errorf("Snapshot while Uncalibrated: err = %v; want ErrWrongState", err)
	}

	if _, err := s.SetCentre(readingTo(geometry.Point{})); err != nil {
		t.Fatal(err)
	}
	_, err := s.SetCentre(readingTo(geometry.Point{X: 1}))
	var se *SequenceError
	if !errors.As(err, &se) || se.Op != OpSetCentre || se.State != CentreSet {
		t.Fatalf("second SetCentre: err = %v; want *SequenceError for set centre in CentreSet", err)
	}
	if math.Abs(s.Station().X-testStation.X) > eps || math.Abs(s.Station().Y-testStation.Y) > eps {
		t.Errorf("station moved after rejected SetCentre: %v", s.Station())
	}

	s.Reset()
	if s.State() != Uncalibrated {
		t.Fatalf("state after Reset = %v", s.State())
	}
	if _, ok := s.Centre(); ok {
		t.Error("centre survived Reset")
	}
	if _, err := s.SetCentre(readingTo(geometry.Point{})); err != nil {
		t.Errorf("SetCentre after Reset: %v", err)
	}
}

func TestSectorGateRequiresAcknowledgement(t *testing.T) {
	s := centred(t, Shot)
	if _, err := s.VerifyEdge(readingTo(polar(1.080, 0))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetSectorLine(readingTo(polar(20, 90))); !errors.Is(err, ErrWrongState) {
		t.Fatalf("SetSectorLine after failed edge: err = %v; want ErrWrongState", err)
	}
	if _, ok := s.Sector(); ok {
		t.Fatal("sector result exists without acknowledgement")
	}
	if err := s.AcknowledgeEdge(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetSectorLine(readingTo(polar(20, 90))); err != nil {
		t.Fatalf("SetSectorLine after acknowledgement: %v", err)
	}
	if _, err := s.VerifyEdge(readingTo(polar(1.0675, 0))); !errors.Is(err, ErrWrongState) {
		t.Errorf("VerifyEdge while Ready: err = %v; want ErrWrongState", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := centred(t, Hammer)
	fixed := time.Date(2025, 7, 5, 13, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	if _, err := s.VerifyEdge(readingTo(polar(1.069, 180))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetSectorLine(readingTo(polar(30, 60))); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if rec.ID == "" || rec.SessionID != s.ID() || rec.CircleType != Hammer || !rec.CreatedAt.Equal(fixed) {
		t.Errorf("record = %+v", rec)
	}

	restored, err := Restore(rec)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.State() != Ready {
		t.Errorf("restored state = %v; want Ready", restored.State())
	}
	if restored.Station() != rec.Station {
		t.Errorf("restored station = %v; want %v", restored.Station(), rec.Station)
	}
	orig, _ := s.Sector()
	got, _ := restored.Sector()
	if got != orig {
		t.Errorf("restored sector = %+v; want %+v", got, orig)
	}

	bad := rec
	bad.TargetRadiusM = 1.25
	if _, err := Restore(bad); err == nil {
		t.Error("Restore accepted a record with the wrong radius")
	}
	bad = rec
	bad.CircleType = "CABER"
	if _, err := Restore(bad); err == nil {
		t.Error("Restore accepted an unknown circle type")
	}
	bad = rec
	bad.Station.X = math.NaN()
	if _, err := Restore(bad); err == nil {
		t.Error("Restore accepted a NaN station")
	}
}

func TestValidateThrowCoordinates(t *testing.T) {
	spec, _ := Spec(Shot)
	if spec.ValidateThrowCoordinates(geometry.Point{X: 0.5, Y: 0.5}) {
		t.Error("point inside the circle accepted")
	}
	if !spec.ValidateThrowCoordinates(geometry.Point{X: 3, Y: 15}) {
		t.Error("point outside the circle rejected")
	}
}

func TestStateText(t *testing.T) {
	for _, st := range []State{Uncalibrated, CentreSet, EdgeVerified, Ready} {
		b, err := st.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil || got != st {
			t.Errorf("UnmarshalText(%s) = %v, %v", b, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("SORTED")); err == nil {
		t.Error("expected error for unknown state")
	}
}
