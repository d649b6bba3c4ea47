package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/ingestion"
	fpmath "PerpVault/internal/math"
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const venueServiceName = "perpvault.venue.v1.VenueService"

// VenueServer is the server API of perpvault.venue.v1.VenueService.
type VenueServer interface {
	Deposit(context.Context, *DepositRequest) (*LiquidityResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*LiquidityResponse, error)
	FundWallet(context.Context, *FundWalletRequest) (*FundWalletResponse, error)
	OpenPosition(context.Context, *OpenPositionRequest) (*PositionResponse, error)
	IncreaseSize(context.Context, *IncreaseSizeRequest) (*PositionResponse, error)
	IncreaseCollateral(context.Context, *IncreaseCollateralRequest) (*PositionResponse, error)
	ClosePosition(context.Context, *PositionKey) (*ClosePositionResponse, error)
	GetPosition(context.Context, *PositionKey) (*PositionResponse, error)
	GetPoolState(context.Context, *GetPoolStateRequest) (*PoolStateResponse, error)
	PushPrice(context.Context, *PushPriceRequest) (*PushPriceResponse, error)
}

// venueService adapts the venue to the wire API.
type venueService struct {
	venue          *core.Venue
	prices         *ingestion.PriceIngestor
	allowFunding   bool
	allowInjection bool
}

func (s *venueService) Deposit(ctx context.Context, req *DepositRequest) (*LiquidityResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	provider, err := parseID("provider", req.Provider)
	if err != nil {
		return nil, err
	}
	amount, err := toUnits("amount", req.Amount, s.venue.Market().Collateral.Decimals)
	if err != nil {
		return nil, err
	}

	minted, err := s.venue.Deposit(ctx, core.DepositRequest{RequestID: reqID, Provider: provider, Amount: amount})
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidityResponse{
		Provider:     provider.String(),
		Shares:       minted.Dec(),
		Balance:      s.venue.ShareBalance(provider).Dec(),
		AsOfSequence: s.venue.GetSequence() - 1,
	}, nil
}

func (s *venueService) Withdraw(ctx context.Context, req *WithdrawRequest) (*LiquidityResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	provider, err := parseID("provider", req.Provider)
	if err != nil {
		return nil, err
	}
	amount, err := toUnits("amount", req.Amount, s.venue.Market().Collateral.Decimals)
	if err != nil {
		return nil, err
	}

	burned, err := s.venue.Withdraw(ctx, core.WithdrawRequest{RequestID: reqID, Provider: provider, Amount: amount})
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidityResponse{
		Provider:     provider.String(),
		Shares:       burned.Dec(),
		Balance:      s.venue.ShareBalance(provider).Dec(),
		AsOfSequence: s.venue.GetSequence() - 1,
	}, nil
}

func (s *venueService) FundWallet(ctx context.Context, req *FundWalletRequest) (*FundWalletResponse, error) {
	if !s.allowFunding {
		return nil, status.Error(codes.PermissionDenied, "wallet funding is disabled")
	}
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", req.Account)
	if err != nil {
		return nil, err
	}
	decimals := s.venue.Market().Collateral.Decimals
	amount, err := toUnits("amount", req.Amount, decimals)
	if err != nil {
		return nil, err
	}

	if err := s.venue.FundWallet(ctx, core.FundWalletRequest{RequestID: reqID, Account: account, Amount: amount}); err != nil {
		return nil, toStatus(err)
	}
	balance, _ := s.venue.WalletBalance(account)
	return &FundWalletResponse{
		Account:      account.String(),
		Balance:      fromUnits(balance, decimals),
		AsOfSequence: s.venue.GetSequence() - 1,
	}, nil
}

func (s *venueService) OpenPosition(ctx context.Context, req *OpenPositionRequest) (*PositionResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		return nil, err
	}
	dir, err := event.ParseDirection(req.Direction)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	m := s.venue.Market()
	size, err := toUnits("size", req.Size, fpmath.UsdConfig.DecimalPrecision)
	if err != nil {
		return nil, err
	}
	collateral, err := toUnits("collateral", req.Collateral, m.Collateral.Decimals)
	if err != nil {
		return nil, err
	}

	p, err := s.venue.OpenPosition(ctx, core.OpenPositionRequest{
		RequestID:  reqID,
		Trader:     trader,
		Direction:  dir,
		Size:       size,
		Collateral: collateral,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return positionResponse(p, m, s.venue.GetSequence()-1), nil
}

func (s *venueService) IncreaseSize(ctx context.Context, req *IncreaseSizeRequest) (*PositionResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		return nil, err
	}
	delta, err := toUnits("size_delta", req.SizeDelta, fpmath.UsdConfig.DecimalPrecision)
	if err != nil {
		return nil, err
	}

	p, err := s.venue.IncreaseSize(ctx, core.IncreaseSizeRequest{
		RequestID: reqID,
		Trader:    trader,
		Index:     req.Index,
		SizeDelta: delta,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return positionResponse(p, s.venue.Market(), s.venue.GetSequence()-1), nil
}

func (s *venueService) IncreaseCollateral(ctx context.Context, req *IncreaseCollateralRequest) (*PositionResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		return nil, err
	}
	m := s.venue.Market()
	delta, err := toUnits("collateral_delta", req.CollateralDelta, m.Collateral.Decimals)
	if err != nil {
		return nil, err
	}

	p, err := s.venue.IncreaseCollateral(ctx, core.IncreaseCollateralRequest{
		RequestID:       reqID,
		Trader:          trader,
		Index:           req.Index,
		CollateralDelta: delta,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return positionResponse(p, m, s.venue.GetSequence()-1), nil
}

func (s *venueService) ClosePosition(ctx context.Context, req *PositionKey) (*ClosePositionResponse, error) {
	reqID, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		return nil, err
	}

	closed, err := s.venue.ClosePosition(ctx, core.ClosePositionRequest{RequestID: reqID, Trader: trader, Index: req.Index})
	if err != nil {
		return nil, toStatus(err)
	}
	return closeResponse(closed, s.venue.Market(), s.venue.GetSequence()-1), nil
}

// GetPosition reads the live position. Unrealized PnL is included for open
// positions while a fresh price is available.
func (s *venueService) GetPosition(ctx context.Context, req *PositionKey) (*PositionResponse, error) {
	trader, err := parseID("trader", req.Trader)
	if err != nil {
		return nil, err
	}
	asOf := s.venue.GetSequence() - 1
	p, err := s.venue.GetPosition(trader, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := positionResponse(p, s.venue.Market(), asOf)
	if p.IsOpen() {
		if pnl, err := s.venue.UnrealizedPnL(ctx, trader, req.Index); err == nil {
			d := usd(pnl)
			resp.UnrealizedPnL = &d
		}
	}
	return resp, nil
}

func (s *venueService) GetPoolState(ctx context.Context, _ *GetPoolStateRequest) (*PoolStateResponse, error) {
	ps, err := s.venue.PoolState(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return poolStateResponse(ps, s.venue.Market()), nil
}

// PushPrice applies an operator price to the feed. Development only.
func (s *venueService) PushPrice(ctx context.Context, req *PushPriceRequest) (*PushPriceResponse, error) {
	if !s.allowInjection || s.prices == nil {
		return nil, status.Error(codes.PermissionDenied, "price injection is disabled")
	}
	asset := strings.ToUpper(req.Asset)
	if asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	if req.Price.IsNegative() {
		return nil, status.Error(codes.InvalidArgument, "price must not be negative")
	}
	px, err := toUnits("price", req.Price, fpmath.PriceConfig.DecimalPrecision)
	if err != nil {
		return nil, err
	}

	p, err := s.prices.InjectPrice(ctx, asset, px, time.Time{})
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &PushPriceResponse{Asset: p.Asset, Sequence: p.Sequence}, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

func unaryHandler[Req any, Resp any](call func(VenueServer, context.Context, *Req) (*Resp, error), method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VenueServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + venueServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(VenueServer), ctx, req.(*Req))
		})
	}
}

// VenueServiceDesc is written by hand; messages travel as JSON (see codec.go).
var VenueServiceDesc = grpc.ServiceDesc{
	ServiceName: venueServiceName,
	HandlerType: (*VenueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deposit", Handler: unaryHandler(VenueServer.Deposit, "Deposit")},
		{MethodName: "Withdraw", Handler: unaryHandler(VenueServer.Withdraw, "Withdraw")},
		{MethodName: "FundWallet", Handler: unaryHandler(VenueServer.FundWallet, "FundWallet")},
		{MethodName: "OpenPosition", Handler: unaryHandler(VenueServer.OpenPosition, "OpenPosition")},
		{MethodName: "IncreaseSize", Handler: unaryHandler(VenueServer.IncreaseSize, "IncreaseSize")},
		{MethodName: "IncreaseCollateral", Handler: unaryHandler(VenueServer.IncreaseCollateral, "IncreaseCollateral")},
		{MethodName: "ClosePosition", Handler: unaryHandler(VenueServer.ClosePosition, "ClosePosition")},
		{MethodName: "GetPosition", Handler: unaryHandler(VenueServer.GetPosition, "GetPosition")},
		{MethodName: "GetPoolState", Handler: unaryHandler(VenueServer.GetPoolState, "GetPoolState")},
		{MethodName: "PushPrice", Handler: unaryHandler(VenueServer.PushPrice, "PushPrice")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpvault/venue/v1/venue.proto",
}

// RegisterVenueServer registers srv on s.
func RegisterVenueServer(s grpc.ServiceRegistrar, srv VenueServer) {
	s.RegisterService(&VenueServiceDesc, srv)
}
