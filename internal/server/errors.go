package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ledger"
	"PerpVault/internal/oracle"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errorCodes = []struct {
	target error
	code   codes.Code
}{
	{core.ErrDuplicateRequest, codes.AlreadyExists},
	{core.ErrVenueHalted, codes.Unavailable},
	{core.ErrFundingUnsupported, codes.Unimplemented},
	{oracle.ErrStalePrice, codes.Unavailable},
	{oracle.ErrUnknownAsset, codes.Unavailable},
	{state.ErrZeroAmount, codes.InvalidArgument},
	{state.ErrSizeTooSmall, codes.InvalidArgument},
	{state.ErrInvalidDirection, codes.InvalidArgument},
	{state.ErrInvalidAccount, codes.InvalidArgument},
	{state.ErrInsufficientCollateral, codes.FailedPrecondition},
	{state.ErrCollateralExceedsSize, codes.FailedPrecondition},
	{state.ErrLeverageTooHigh, codes.FailedPrecondition},
	{state.ErrInsufficientLiquidity, codes.FailedPrecondition},
	{state.ErrInsufficientShares, codes.FailedPrecondition},
	{state.ErrInvalidPrice, codes.FailedPrecondition},
	{state.ErrPositionNotOpen, codes.FailedPrecondition},
	{ledger.ErrInsufficientFunds, codes.FailedPrecondition},
	{state.ErrPositionNotFound, codes.NotFound},
	{query.ErrNotFound, codes.NotFound},
	{state.ErrInsolventPool, codes.Internal},
	{state.ErrInvariant, codes.Internal},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// toStatus maps an operation error to a gRPC status. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.target) {
			return status.Error(e.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
