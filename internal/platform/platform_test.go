package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func TestStaticCapabilities(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	caps := NewStaticCapabilities(map[Capability]bool{
		CapabilityBackgroundExecution: true,
		CapabilityAutostart:           false,
	}, logger)

	if !caps.Has(CapabilityBackgroundExecution) {
		t.Error("background-execution not granted")
	}
	if caps.Has(CapabilityAutostart) {
		t.Error("autostart granted despite explicit false")
	}
	// Unknown capability defaults to not granted.
	if caps.Has(CapabilityOverlay) {
		t.Error("unlisted capability granted")
	}

	// Requests report the fixed state without prompting.
	granted, err := caps.Request(context.Background(), CapabilityBackgroundExecution)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if !granted {
		t.Error("Request(background-execution) = false, want true")
	}
	granted, err = caps.Request(context.Background(), CapabilityAutostart)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	if granted {
		t.Error("Request(autostart) = true, want false")
	}
}
