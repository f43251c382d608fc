package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupInstrumentation(context.Background(), "test", "")
	if err != nil {
		t.Fatalf("SetupInstrumentation: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupRejectsBadEndpoint(t *testing.T) {
	if _, err := SetupInstrumentation(context.Background(), "test", "not a url"); err == nil {
		t.Fatal("expected error for endpoint without host")
	}
}

func TestCountersAndSpansOnNoopProviders(t *testing.T) {
	ctx := context.Background()
	m := Metrics()
	if m.RawReads == nil || m.ToleranceRejections == nil {
		t.Fatal("counters not created")
	}
	Add(ctx, m.RawReads)
	Add(ctx, nil)

	_, span := GetTracer().Start(ctx, "test")
	EndSpan(span, errors.New("boom"))
}
