package ingestion

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

// priceJSON is one oracle reading. Producers send either price as 8-decimal
// fixed point or price_decimal as a human string ("20000.5"); asset may be
// omitted when the subject carries it.
type priceJSON struct {
	Asset        string `json:"asset"`
	Price        *int64 `json:"price"`
	PriceDecimal string `json:"price_decimal"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

var errMissingPrice = errors.New("one of price or price_decimal is required")

// ParsePriceUpdate converts a raw NATS message into a PriceUpdate.
// Negative prices are passed through; the gateway clamps them.
func ParsePriceUpdate(raw RawEvent) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := sonic.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}

	asset := strings.ToUpper(strings.TrimSpace(j.Asset))
	if asset == "" {
		asset = strings.ToUpper(assetFromSubject(raw.Subject))
	}
	if asset == "" || asset == ">" || asset == "*" {
		return nil, fmt.Errorf("parse PriceUpdate: no asset in payload or subject %q", raw.Subject)
	}

	var price int64
	switch {
	case j.Price != nil && j.PriceDecimal != "":
		return nil, fmt.Errorf("parse PriceUpdate: price and price_decimal are exclusive")
	case j.Price != nil:
		price = *j.Price
	case j.PriceDecimal != "":
		p, err := parseDecimalPrice(j.PriceDecimal)
		if err != nil {
			return nil, fmt.Errorf("parse price_decimal: %w", err)
		}
		price = p
	default:
		return nil, fmt.Errorf("parse PriceUpdate: %w", errMissingPrice)
	}

	if j.Sequence <= 0 {
		return nil, fmt.Errorf("parse PriceUpdate: sequence must be positive, got %d", j.Sequence)
	}
	if j.TimestampUs <= 0 {
		return nil, fmt.Errorf("parse PriceUpdate: timestamp_us is required")
	}

	return &event.PriceUpdate{
		Asset:     asset,
		Price:     price,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

// parseDecimalPrice scales a decimal string to price fixed point. Digits
// beyond the price precision are truncated toward zero.
func parseDecimalPrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Shift(int32(fpmath.PriceConfig.DecimalPrecision)).Truncate(0)
	limit := decimal.NewFromInt(1 << 62)
	if scaled.Abs().GreaterThan(limit) {
		return 0, fmt.Errorf("%s out of range", s)
	}
	return scaled.IntPart(), nil
}
