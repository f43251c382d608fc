package scoreboard

import (
	"bytes"
	"errors"
	"testing"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("cable pulled") }

func TestFormatDistance(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{14.279, "14.27"},
		{14.27, "14.27"},
		{62.0, "62.00"},
		{8.999999, "8.99"},
		{0.004, "0.00"},
	}
	for _, tc := range cases {
		if got := FormatDistance(tc.in); got != tc.want {
			t.Errorf("FormatDistance(%v) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatWind(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{1.23, "+1.2 m/s"},
		{-0.87, "-0.9 m/s"},
		{0, "+0.0 m/s"},
	}
	for _, tc := range cases {
		if got := FormatWind(tc.in); got != tc.want {
			t.Errorf("FormatWind(%v) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestBoardWrites(t *testing.T) {
	var buf bytes.Buffer
	b := New(&buf)
	if err := b.ShowTestPattern(); err != nil {
		t.Fatal(err)
	}
	if err := b.ShowDistance(17.456); err != nil {
		t.Fatal(err)
	}
	if err := b.ShowWind(-1.04); err != nil {
		t.Fatal(err)
	}
	want := "88:88\r\n17.45\r\n-1.0 m/s\r\n"
	if buf.String() != want {
		t.Errorf("board got %q; want %q", buf.String(), want)
	}
}

func TestBoardErrors(t *testing.T) {
	if err := New(nil).Show("1"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("nil writer: err = %v; want ErrNotConnected", err)
	}
	if err := New(failingWriter{}).Show("1"); err == nil {
		t.Error("write failure not reported")
	}
}
