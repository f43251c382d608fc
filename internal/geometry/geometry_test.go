package geometry

import (
	"math"
	"testing"
)

const eps = 1e-9

func TestReadingToRoundTrip(t *testing.T) {
	station := Point{X: -9.5, Y: 4.25}
	targets := []Point{
		{X: 0, Y: 0},
		{X: 1.0675, Y: 0},
		{X: -3.2, Y: 17.8},
		{X: 42.1, Y: -6.3},
	}
	for _, target := range targets {
		d, b := ReadingTo(station, target)
		if b < 0 || b >= 360 {
			t.Fatalf("bearing %v outside [0,360)", b)
		}
		got := PointFrom(station, d, b)
		if math.Abs(got.X-target.X) > eps || math.Abs(got.Y-target.Y) > eps {
			t.Errorf("PointFrom(ReadingTo(%v)) = %v; want %v", target, got, target)
		}
	}
}

func TestStationFromPlacesCentreAtOrigin(t *testing.T) {
	station := StationFrom(12.0, 30.0)
	centre := PointFrom(station, 12.0, 30.0)
	if centre.Norm() > eps {
		t.Fatalf("centre = %v; want origin", centre)
	}
	if math.Abs(station.Norm()-12.0) > eps {
		t.Fatalf("station distance = %v; want 12", station.Norm())
	}
}

func TestHorizontalDistance(t *testing.T) {
	if got := HorizontalDistance(10.0, 90.0); math.Abs(got-10.0) > eps {
		t.Errorf("level reading: got %v want 10", got)
	}
	hd := HorizontalDistance(20.0, 87.5)
	if got := SlopeDistance(hd, 87.5); math.Abs(got-20.0) > eps {
		t.Errorf("SlopeDistance round trip: got %v want 20", got)
	}
}

func TestSectorPointJavelin(t *testing.T) {
	p := SectorPoint(20.0, 14.48)
	if math.Abs(p.X-5.00) > 0.01 || math.Abs(p.Y-19.37) > 0.01 {
		t.Fatalf("SectorPoint(20, 14.48) = %v; want ~(5.00, 19.37)", p)
	}
	m := p.Mirror()
	if m.X != -p.X || m.Y != p.Y {
		t.Fatalf("Mirror = %v; want (%v, %v)", m, -p.X, p.Y)
	}
}
