package actuator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/common"
	"github.com/raterudder/solarcurtail/pkg/log"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// HTTP calls a URL per state, e.g. the relay endpoint of a smart plug or an
// inverter's export limit API.
type HTTP struct {
	offURL string
	onURL  string
	method string
	client *http.Client
}

// configuredHTTP sets up flags for the http switch and returns the instance.
func configuredHTTP() *HTTP {
	h := &HTTP{
		client: common.HTTPClient(10 * time.Second),
	}
	offURL := lflag.String("actuator-off-url", "", "URL requested to turn the load off")
	onURL := lflag.String("actuator-on-url", "", "URL requested to turn the load on")
	method := lflag.String("actuator-method", http.MethodGet, "HTTP method used for actuator requests")

	lflag.Do(func() {
		h.offURL = *offURL
		h.onURL = *onURL
		h.method = *method
	})

	return h
}

// NewHTTP returns an HTTP switch using client.
func NewHTTP(offURL, onURL, method string, client *http.Client) *HTTP {
	return &HTTP{
		offURL: offURL,
		onURL:  onURL,
		method: method,
		client: client,
	}
}

func (h *HTTP) setTimeout(timeout time.Duration) {
	h.client = common.HTTPClient(timeout)
}

// Validate ensures the configuration is valid.
func (h *HTTP) Validate() error {
	for name, u := range map[string]string{"actuator-off-url": h.offURL, "actuator-on-url": h.onURL} {
		if u == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(u); err != nil {
			return fmt.Errorf("failed to parse %s (%s): %w", name, u, err)
		}
	}
	if h.method == "" {
		return fmt.Errorf("actuator-method is required")
	}
	return nil
}

// SetState implements Switch. Any non-2xx response is an error.
func (h *HTTP) SetState(ctx context.Context, state types.SwitchState) error {
	var u string
	switch state {
	case types.SwitchOff:
		u = h.offURL
	case types.SwitchOn:
		u = h.onURL
	default:
		return fmt.Errorf("unknown switch state: %q", state)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "calling actuator", slog.String("state", string(state)), slog.String("url", u))

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call actuator: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("actuator returned status: %d", resp.StatusCode)
	}
	log.Ctx(ctx).InfoContext(ctx, "switch state set", slog.String("state", string(state)))
	return nil
}
