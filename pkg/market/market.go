package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarcurtail/pkg/types"
)

// ErrNoPrices is returned when the market has not published prices for the
// requested day yet.
var ErrNoPrices = errors.New("no prices published")

// Provider fetches day-ahead prices.
type Provider interface {
	// GetDayAheadPrices returns the hourly prices for date in the given
	// delivery area, ordered by time.
	GetDayAheadPrices(ctx context.Context, date civil.Date, area string) (types.PriceSeries, error)
}

// Configured sets up the market provider based on flags.
func Configured() Provider {
	provider := lflag.String("market-provider", "nordpool", "Day-ahead market provider to use (available: nordpool)")
	timeout := lflag.Duration("market-fetch-timeout", 10*time.Second, "Timeout for a single price fetch")

	var p struct{ Provider }

	np := configuredNordPool()

	lflag.Do(func() {
		switch *provider {
		case "nordpool":
			np.setTimeout(*timeout)
			if err := np.Validate(); err != nil {
				panic(fmt.Sprintf("nordpool validation failed: %v", err))
			}
			p.Provider = np
		default:
			panic(fmt.Sprintf("unknown market provider: %s", *provider))
		}
	})

	return &p
}
