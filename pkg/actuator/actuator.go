package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// Switch drives the physical load.
type Switch interface {
	// SetState turns the load on or off.
	SetState(ctx context.Context, state types.SwitchState) error
}

// Configured sets up the switch based on flags.
func Configured() Switch {
	kind := lflag.String("actuator", "none", "Switch implementation to drive (available: none, http)")
	timeout := lflag.Duration("actuator-timeout", 10*time.Second, "Timeout for a single actuator request")

	var s struct{ Switch }

	h := configuredHTTP()

	lflag.Do(func() {
		switch *kind {
		case "none":
			s.Switch = None{}
		case "http":
			h.setTimeout(*timeout)
			if err := h.Validate(); err != nil {
				panic(fmt.Sprintf("http actuator validation failed: %v", err))
			}
			s.Switch = h
		default:
			panic(fmt.Sprintf("unknown actuator: %s", *kind))
		}
	})

	return &s
}

// None only records the requested state. Something else is expected to
// read the persisted state and act on it.
type None struct{}

// SetState implements Switch.
func (None) SetState(ctx context.Context, state types.SwitchState) error {
	log.Ctx(ctx).InfoContext(ctx, "switch state recorded", slog.String("state", string(state)))
	return nil
}
