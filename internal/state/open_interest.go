package state

import (
	"PerpVault/internal/event"
	fpmath "PerpVault/internal/math"
	"fmt"
)

// OpenInterest is the aggregate exposure of one direction. Both fields are
// additive: opens and increases add, closes subtract the position's own
// amounts. Never recomputed from the position list.
type OpenInterest struct {
	UsdTotal   int64 // sum of open sizes at their opening prices, USD scale
	TokenTotal int64 // sum of open sizes in index-token units
}

// OpenInterestLedger holds the long and short aggregates.
type OpenInterestLedger struct {
	Long  OpenInterest
	Short OpenInterest
}

func (l *OpenInterestLedger) side(d event.Direction) (*OpenInterest, error) {
	switch d {
	case event.DirectionLong:
		return &l.Long, nil
	case event.DirectionShort:
		return &l.Short, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, d)
	}
}

// Side returns a copy of the aggregate for d.
func (l *OpenInterestLedger) Side(d event.Direction) OpenInterest {
	oi, err := l.side(d)
	if err != nil {
		return OpenInterest{}
	}
	return *oi
}

// RecordOpen converts sizeUsd to index tokens at the snapshot price, adds
// both to the direction's aggregate, and returns the token amount with the
// ledger-updated notification.
func (l *OpenInterestLedger) RecordOpen(d event.Direction, sizeUsd, indexPrice int64, indexDecimals int) (int64, event.OpenInterestUpdated, error) {
	oi, err := l.side(d)
	if err != nil {
		return 0, event.OpenInterestUpdated{}, err
	}
	if indexPrice <= 0 {
		return 0, event.OpenInterestUpdated{}, fmt.Errorf("%w: index price %d", ErrInvalidPrice, indexPrice)
	}

	tokens, err := fpmath.ConvertUsdToTokens(sizeUsd, indexPrice, indexDecimals)
	if err != nil {
		return 0, event.OpenInterestUpdated{}, fmt.Errorf("convert size: %w", err)
	}

	oi.UsdTotal += sizeUsd
	oi.TokenTotal += tokens

	return tokens, l.Notification(), nil
}

// RecordIncrease applies a size delta to an existing position's direction.
// Same conversion and same additive path as RecordOpen.
func (l *OpenInterestLedger) RecordIncrease(d event.Direction, deltaUsd, indexPrice int64, indexDecimals int) (int64, event.OpenInterestUpdated, error) {
	return l.RecordOpen(d, deltaUsd, indexPrice, indexDecimals)
}

// ApplyRecorded adds an already converted size and token amount. Used when
// replaying the event log, where the conversion must not be redone.
func (l *OpenInterestLedger) ApplyRecorded(d event.Direction, sizeUsd, sizeInTokens int64) error {
	oi, err := l.side(d)
	if err != nil {
		return err
	}
	oi.UsdTotal += sizeUsd
	oi.TokenTotal += sizeInTokens
	return nil
}

// RecordClose subtracts a closing position's own size and token amount.
func (l *OpenInterestLedger) RecordClose(d event.Direction, sizeUsd, sizeInTokens int64) (event.OpenInterestUpdated, error) {
	oi, err := l.side(d)
	if err != nil {
		return event.OpenInterestUpdated{}, err
	}
	if sizeUsd > oi.UsdTotal || sizeInTokens > oi.TokenTotal {
		return event.OpenInterestUpdated{}, fmt.Errorf("%w: %s open interest underflow (usd %d-%d, tokens %d-%d)",
			ErrInvariant, d, oi.UsdTotal, sizeUsd, oi.TokenTotal, sizeInTokens)
	}

	oi.UsdTotal -= sizeUsd
	oi.TokenTotal -= sizeInTokens

	return l.Notification(), nil
}

// Notification carries the four aggregate fields. Callers stamp the request
// id and timestamp.
func (l *OpenInterestLedger) Notification() event.OpenInterestUpdated {
	return event.OpenInterestUpdated{
		LongUsd:     l.Long.UsdTotal,
		LongTokens:  l.Long.TokenTotal,
		ShortUsd:    l.Short.UsdTotal,
		ShortTokens: l.Short.TokenTotal,
	}
}
