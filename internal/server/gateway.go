package server

import (
	"PerpVault/internal/query"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

// Queries is the projection-backed read API.
type Queries interface {
	GetPositions(ctx context.Context, trader uuid.UUID) (*query.PositionsResponse, error)
	GetProvider(ctx context.Context, provider uuid.UUID) (*query.ProviderResponse, error)
}

// NewGatewayMux builds the HTTP/JSON surface. Venue routes call the
// VenueServer in process; projection reads go to queries, which may be nil.
func NewGatewayMux(svc VenueServer, queries Queries, logger zerolog.Logger) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	g := &gateway{svc: svc, queries: queries, logger: logger}

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"POST", "/v1/pool/deposit", g.deposit},
		{"POST", "/v1/pool/withdraw", g.withdraw},
		{"GET", "/v1/pool", g.poolState},
		{"POST", "/v1/positions", g.openPosition},
		{"POST", "/v1/traders/{trader}/positions/{index}/increase-size", g.increaseSize},
		{"POST", "/v1/traders/{trader}/positions/{index}/increase-collateral", g.increaseCollateral},
		{"POST", "/v1/traders/{trader}/positions/{index}/close", g.closePosition},
		{"GET", "/v1/traders/{trader}/positions/{index}", g.getPosition},
		{"GET", "/v1/traders/{trader}/positions", g.listPositions},
		{"GET", "/v1/providers/{provider}", g.getProvider},
		{"POST", "/v1/wallets/fund", g.fundWallet},
		{"POST", "/v1/prices", g.pushPrice},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type gateway struct {
	svc     VenueServer
	queries Queries
	logger  zerolog.Logger
}

func (g *gateway) deposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req DepositRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.svc.Deposit(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) withdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req WithdrawRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.svc.Withdraw(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) fundWallet(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req FundWalletRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.svc.FundWallet(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) poolState(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := g.svc.GetPoolState(r.Context(), &GetPoolStateRequest{})
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) openPosition(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req OpenPositionRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.svc.OpenPosition(r.Context(), &req)
	g.reply(w, http.StatusCreated, resp, err)
}

func (g *gateway) increaseSize(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req IncreaseSizeRequest
	if !g.decode(w, r, &req) || !g.positionParams(w, params, &req.Trader, &req.Index) {
		return
	}
	resp, err := g.svc.IncreaseSize(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) increaseCollateral(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req IncreaseCollateralRequest
	if !g.decode(w, r, &req) || !g.positionParams(w, params, &req.Trader, &req.Index) {
		return
	}
	resp, err := g.svc.IncreaseCollateral(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) closePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req PositionKey
	if !g.decode(w, r, &req) || !g.positionParams(w, params, &req.Trader, &req.Index) {
		return
	}
	resp, err := g.svc.ClosePosition(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req PositionKey
	if !g.positionParams(w, params, &req.Trader, &req.Index) {
		return
	}
	resp, err := g.svc.GetPosition(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

func (g *gateway) listPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if g.queries == nil {
		g.writeError(w, status.Error(codes.Unavailable, "query service not configured"))
		return
	}
	trader, err := parseID("trader", params["trader"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp, err := g.queries.GetPositions(r.Context(), trader)
	g.reply(w, http.StatusOK, resp, toStatus(err))
}

func (g *gateway) getProvider(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if g.queries == nil {
		g.writeError(w, status.Error(codes.Unavailable, "query service not configured"))
		return
	}
	provider, err := parseID("provider", params["provider"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	resp, err := g.queries.GetProvider(r.Context(), provider)
	g.reply(w, http.StatusOK, resp, toStatus(err))
}

func (g *gateway) pushPrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req PushPriceRequest
	if !g.decode(w, r, &req) {
		return
	}
	resp, err := g.svc.PushPrice(r.Context(), &req)
	g.reply(w, http.StatusOK, resp, err)
}

// --- helpers ---

// decode reads a JSON body. An empty body leaves dst zeroed.
func (g *gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := sonic.Unmarshal(body, dst); err != nil {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return false
	}
	return true
}

// positionParams copies path parameters over the body's trader and index.
func (g *gateway) positionParams(w http.ResponseWriter, params map[string]string, trader *string, index *int) bool {
	idx, err := strconv.Atoi(params["index"])
	if err != nil || idx < 0 {
		g.writeError(w, status.Errorf(codes.InvalidArgument, "invalid index %q", params["index"]))
		return false
	}
	*trader = params["trader"]
	*index = idx
	return true
}

func (g *gateway) reply(w http.ResponseWriter, code int, resp any, err error) {
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, code, resp)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *gateway) writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	httpStatus := runtime.HTTPStatusFromCode(st.Code())
	if httpStatus >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("code", st.Code().String()).Msg("request failed")
	}
	writeJSON(w, httpStatus, errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	data, err := sonic.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
