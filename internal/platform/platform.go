// Package platform reports advisory OS capabilities that affect how
// reliably inbound calls reach a backgrounded client. The lifecycle
// manager never depends on any of these for correctness; a missing
// capability only degrades delivery.
package platform

import (
	"context"
	"log/slog"
)

// Capability identifies one background-execution related OS permission.
type Capability string

const (
	// CapabilityBackgroundExecution is an exemption from OS battery
	// throttling of background processes.
	CapabilityBackgroundExecution Capability = "background-execution"

	// CapabilityAutostart allows the client to start on boot.
	CapabilityAutostart Capability = "autostart"

	// CapabilityOverlay allows drawing an incoming-call surface over
	// other applications.
	CapabilityOverlay Capability = "overlay"
)

// Capabilities is the advisory platform interface. Has reports the current
// grant state; Request asks the OS for the capability and reports whether
// it was granted.
type Capabilities interface {
	Has(c Capability) bool
	Request(ctx context.Context, c Capability) (bool, error)
}

// StaticCapabilities is a fixed-grant implementation, used on platforms
// without a runtime permission model and in tests. Requests report the
// configured state and never prompt.
type StaticCapabilities struct {
	granted map[Capability]bool
	logger  *slog.Logger
}

// NewStaticCapabilities builds a capability set from a fixed grant map.
func NewStaticCapabilities(granted map[Capability]bool, logger *slog.Logger) *StaticCapabilities {
	g := make(map[Capability]bool, len(granted))
	for c, ok := range granted {
		g[c] = ok
	}
	return &StaticCapabilities{
		granted: g,
		logger:  logger.With("subsystem", "platform"),
	}
}

// Has reports whether the capability is granted.
func (s *StaticCapabilities) Has(c Capability) bool {
	return s.granted[c]
}

// Request reports the configured state without prompting.
func (s *StaticCapabilities) Request(ctx context.Context, c Capability) (bool, error) {
	granted := s.granted[c]
	s.logger.Info("capability requested",
		"capability", string(c),
		"granted", granted,
	)
	return granted, nil
}

// LogStatus writes the current grant state of all known capabilities, so a
// degraded configuration is visible at startup.
func LogStatus(caps Capabilities, logger *slog.Logger) {
	for _, c := range []Capability{
		CapabilityBackgroundExecution,
		CapabilityAutostart,
		CapabilityOverlay,
	} {
		if !caps.Has(c) {
			logger.Warn("platform capability missing, inbound call delivery may be degraded",
				"capability", string(c),
			)
		}
	}
}
