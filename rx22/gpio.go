package rx22

import (
	"context"
	"time"
)

// GPIO is the shape of the optional GPIO collaborator the core depends on
// for reset recovery. It is not implemented by this package: a concrete
// board/OS-specific driver supplies it. An open-drain, active-low reset
// line is asserted by driving it LOW for a pulse width, then releasing it
// to high-impedance input; a general-purpose output pin can also be
// set/cleared independently.
type GPIO interface {
	AssertReset(ctx context.Context, pulse time.Duration) error
	SetOutput(high bool) error
}

// PulseReset is a convenience wrapper used by callers that just want to
// pulse the reset line and then wait for the module to re-announce itself
// on the transport; it does no transport-level waiting itself, leaving that
// to the caller (GPIO reset is a recovery action, not a protocol operation).
func PulseReset(ctx context.Context, g GPIO, pulse time.Duration) error {
	if g == nil {
		return nil
	}
	return g.AssertReset(ctx, pulse)
}
