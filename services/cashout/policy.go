package cashout

import (
	"strings"
	"time"

	"dropproof/pkg/config"
	"dropproof/pkg/errutil"

	"github.com/shopspring/decimal"
)

// Policy holds the cashout parameters fixed at construction.
type Policy struct {
	ConversionRate decimal.Decimal
	Currency       string
	MinPoints      int64
	GatewayTimeout time.Duration
}

func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	c := cfg.Cashout

	rate, err := decimal.NewFromString(strings.TrimSpace(c.ConversionRate))
	if err != nil || !rate.IsPositive() {
		return Policy{}, errutil.ValidationFailed("CASHOUT.CONVERSION_RATE must be a positive decimal", err)
	}
	if c.MinPoints < 0 {
		return Policy{}, errutil.ValidationFailed("CASHOUT.MIN_POINTS must not be negative", nil)
	}

	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if currency == "" {
		currency = "INR"
	}

	return Policy{
		ConversionRate: rate,
		Currency:       currency,
		MinPoints:      c.MinPoints,
		GatewayTimeout: c.GatewayTimeout,
	}, nil
}
