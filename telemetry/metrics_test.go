package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestInitIdempotent(t *testing.T) {
	// Registering the same collectors twice would panic; Init must not.
	Init()
	Init()

	if EventsProcessed == nil || FetchDuration == nil || SessionActiveGauge == nil {
		t.Fatal("metrics not initialized after Init()")
	}
}

func TestGaugeHelpers(t *testing.T) {
	Init()
	SetSessionActive(true)
	SetSessionActive(false)
	SetPollInterval(1500 * time.Millisecond)
	SetRegisteredHandlers(3)
}

func TestTimeFunc(t *testing.T) {
	Init()
	ran := false
	d := TimeFunc(FetchDuration, func() {
		ran = true
		time.Sleep(5 * time.Millisecond)
	})
	if !ran {
		t.Fatal("TimeFunc did not invoke fn")
	}
	if d < 5*time.Millisecond {
		t.Errorf("duration = %s, want >= 5ms", d)
	}

	// A nil observer must still time the call.
	if d := TimeFunc(nil, func() {}); d < 0 {
		t.Errorf("negative duration %s", d)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("empty context should have no correlation id")
	}

	ctx = WithCorrelation(ctx, "corr-42")
	if got := GetCorrelation(ctx); got != "corr-42" {
		t.Errorf("GetCorrelation = %q, want corr-42", got)
	}

	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
	if LoggerWithCorr(context.Background()) == nil {
		t.Error("LoggerWithCorr without id returned nil")
	}
}
