package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// pipeDevice returns a Stream talking to the host end of an in-memory pipe and
// the device end for the test to drive.
func pipeDevice(t *testing.T) (*Stream, net.Conn) {
	t.Helper()
	host, device := net.Pipe()
	s := NewStream(host, "pipe", "test", '\n')
	t.Cleanup(func() {
		s.Close()
		device.Close()
	})
	return s, device
}

func readRequest(t *testing.T, device net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(device, buf); err != nil {
		t.Errorf("device read: %v", err)
	}
	return buf
}

func waitForFrames(t *testing.T, s *Stream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.frames) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d buffered frames", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriteThenRead(t *testing.T) {
	s, device := pipeDevice(t)
	request := []byte{0x11, 0x0d, 0x0a}

	go func() {
		got := readRequest(t, device, len(request))
		if string(got) != string(request) {
			t.Errorf("device got %q want %q", got, request)
		}
		device.Write([]byte("0012345 0900000 0451530 83\r\n"))
	}()

	resp, err := s.WriteThenRead(context.Background(), request, time.Second)
	if err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if string(resp) != "0012345 0900000 0451530 83\r\n" {
		t.Fatalf("got %q", resp)
	}
}

func TestWriteThenReadTimeout(t *testing.T) {
	s, device := pipeDevice(t)
	go readRequest(t, device, 3)

	_, err := s.WriteThenRead(context.Background(), []byte{0x11, 0x0d, 0x0a}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v want ErrTimeout", err)
	}
}

func TestConcurrentRequestIsBusy(t *testing.T) {
	s, device := pipeDevice(t)
	received := make(chan struct{})
	go func() {
		readRequest(t, device, 3)
		close(received)
	}()

	first := make(chan error, 1)
	go func() {
		_, err := s.WriteThenRead(context.Background(), []byte{0x11, 0x0d, 0x0a}, 5*time.Second)
		first <- err
	}()
	<-received

	if _, err := s.WriteThenRead(context.Background(), []byte{0x11, 0x0d, 0x0a}, time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("second request: got %v want ErrBusy", err)
	}

	// detaching the device resolves the pending exchange instead of hanging
	s.Close()
	select {
	case err := <-first:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("pending request: got %v want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not resolve after Close")
	}
}

func TestStaleFramesAreDiscarded(t *testing.T) {
	s, device := pipeDevice(t)
	if _, err := device.Write([]byte("stale 1\nstale 2\n")); err != nil {
		t.Fatal(err)
	}
	waitForFrames(t, s, 2)

	go func() {
		readRequest(t, device, 1)
		device.Write([]byte("fresh\n"))
	}()
	resp, err := s.WriteThenRead(context.Background(), []byte{'?'}, time.Second)
	if err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if string(resp) != "fresh\n" {
		t.Fatalf("got %q want fresh frame", resp)
	}
}

func TestPartialFrameIsDiscarded(t *testing.T) {
	s, device := pipeDevice(t)
	if _, err := device.Write([]byte("00123")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.partial)
		s.mu.Unlock()
		if n == len("00123") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the partial frame to be buffered")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		readRequest(t, device, 3)
		device.Write([]byte("0012345 0900000 0450000 83\r\n"))
	}()
	resp, err := s.WriteThenRead(context.Background(), []byte{0x11, 0x0d, 0x0a}, time.Second)
	if err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if string(resp) != "0012345 0900000 0450000 83\r\n" {
		t.Fatalf("got %q; want only the answer to the request", resp)
	}
}

func TestFramesSplitAcrossReads(t *testing.T) {
	s, device := pipeDevice(t)
	go func() {
		readRequest(t, device, 1)
		device.Write([]byte("0012345 09"))
		device.Write([]byte("00000 0450000 83\r\n"))
	}()
	resp, err := s.WriteThenRead(context.Background(), []byte{'?'}, time.Second)
	if err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if string(resp) != "0012345 0900000 0450000 83\r\n" {
		t.Fatalf("got %q", resp)
	}
}

func TestDeviceHangupIsIOFailure(t *testing.T) {
	s, device := pipeDevice(t)
	device.Close()

	_, err := s.WriteThenRead(context.Background(), []byte{0x11, 0x0d, 0x0a}, time.Second)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("got %v want ErrIOFailure", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("got %T want *IOError", err)
	}
	if !strings.Contains(ioErr.Op, "pipe") || !strings.Contains(ioErr.Op, "test") {
		t.Errorf("Op = %q; want it to name the pipe stream", ioErr.Op)
	}
}

func TestClosedStream(t *testing.T) {
	s, _ := pipeDevice(t)
	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("second Close: got %v want ErrNotConnected", err)
	}
	if _, err := s.WriteThenRead(context.Background(), []byte("x"), time.Second); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("WriteThenRead after Close: got %v want ErrNotConnected", err)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Write after Close: got %v want ErrNotConnected", err)
	}
}

func TestContextCancel(t *testing.T) {
	s, device := pipeDevice(t)
	go readRequest(t, device, 1)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := s.WriteThenRead(ctx, []byte{'?'}, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v want context.Canceled", err)
	}
}

func TestStreamingReadWithoutRequest(t *testing.T) {
	s, device := pipeDevice(t)
	time.AfterFunc(50*time.Millisecond, func() { device.Write([]byte("0,+1.20,M\r\n")) })

	resp, err := s.WriteThenRead(context.Background(), nil, time.Second)
	if err != nil {
		t.Fatalf("WriteThenRead: %v", err)
	}
	if string(resp) != "0,+1.20,M\r\n" {
		t.Fatalf("got %q", resp)
	}
}

func TestWriteOnly(t *testing.T) {
	s, device := pipeDevice(t)
	done := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(device).ReadString('\n')
		done <- line
	}()
	if _, err := s.Write([]byte("88:88\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := <-done; got != "88:88\r\n" {
		t.Fatalf("device got %q", got)
	}
}
