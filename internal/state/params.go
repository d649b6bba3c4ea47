package state

import (
	fpmath "PerpVault/internal/math"
	"fmt"
)

// Asset is the per-deployment descriptor of a token. Created at
// initialization and never mutated.
type Asset struct {
	Symbol      string
	Identity    string // custody token reference; empty for the index asset
	PriceSource string // oracle handle
	Decimals    int
}

// ToUsdBook converts native units to USD scale at 1:1 book value.
func (a Asset) ToUsdBook(amount int64) (int64, error) {
	return fpmath.Rescale(amount, a.Decimals, fpmath.UsdConfig.DecimalPrecision, fpmath.RoundDown)
}

// FromUsdBook converts a USD-scale book value back to native units.
func (a Asset) FromUsdBook(usd int64) (int64, error) {
	return fpmath.Rescale(usd, fpmath.UsdConfig.DecimalPrecision, a.Decimals, fpmath.RoundDown)
}

// ValueUsd prices native units at price, rounded down.
func (a Asset) ValueUsd(amount, price int64) (int64, error) {
	return fpmath.ComputeCollateralValueUsd(amount, price, a.Decimals)
}

// VenueParams are the protocol constants of a venue.
type VenueParams struct {
	MaxExposurePercent    int64 // share of liquidity that may back open interest
	MaxLeverage           int64 // leverage scale (decimal_precision=4), 15x == 150_000
	MinPositionSize       int64 // USD scale
	MinPositionCollateral int64 // collateral-asset units
}

// Market bundles the two assets with the venue params.
type Market struct {
	Collateral Asset
	Index      Asset
	Params     VenueParams
}

var (
	DefaultVenueParams = VenueParams{
		MaxExposurePercent:    70,
		MaxLeverage:           15 * fpmath.LeverageConfig.Scale,
		MinPositionSize:       10 * fpmath.UsdConfig.Scale, // $10
		MinPositionCollateral: 1 * fpmath.UsdConfig.Scale,  // 1 USDC
	}

	DefaultMarket = Market{
		Collateral: Asset{Symbol: "USDC", Identity: "USDC", PriceSource: "USDC", Decimals: 6},
		Index:      Asset{Symbol: "BTC", PriceSource: "BTC", Decimals: 8},
		Params:     DefaultVenueParams,
	}
)

// ValidateVenueParams checks that params are within valid ranges.
func ValidateVenueParams(params VenueParams) error {
	if params.MaxExposurePercent <= 0 || params.MaxExposurePercent > 100 {
		return fmt.Errorf("max_exposure_percent must be in (0, 100], got %d", params.MaxExposurePercent)
	}
	if params.MaxLeverage < fpmath.LeverageConfig.Scale {
		return fmt.Errorf("max_leverage must be >= 1x (%d), got %d", fpmath.LeverageConfig.Scale, params.MaxLeverage)
	}
	if params.MinPositionSize <= 0 {
		return fmt.Errorf("min_position_size must be > 0, got %d", params.MinPositionSize)
	}
	if params.MinPositionCollateral <= 0 {
		return fmt.Errorf("min_position_collateral must be > 0, got %d", params.MinPositionCollateral)
	}
	return nil
}

// ValidateMarket checks both asset descriptors and the params.
func ValidateMarket(m Market) error {
	for _, a := range []Asset{m.Collateral, m.Index} {
		if a.Symbol == "" || a.PriceSource == "" {
			return fmt.Errorf("asset needs symbol and price source: %+v", a)
		}
		if a.Decimals < 0 || a.Decimals > fpmath.MaxAssetDecimals {
			return fmt.Errorf("asset %s decimals must be in [0, %d], got %d", a.Symbol, fpmath.MaxAssetDecimals, a.Decimals)
		}
	}
	if m.Collateral.Identity == "" {
		return fmt.Errorf("collateral asset %s needs a custody identity", m.Collateral.Symbol)
	}
	if m.Index.Identity != "" {
		return fmt.Errorf("index asset %s is never held in custody", m.Index.Symbol)
	}
	if err := ValidateVenueParams(m.Params); err != nil {
		return fmt.Errorf("invalid venue params: %w", err)
	}
	return nil
}
