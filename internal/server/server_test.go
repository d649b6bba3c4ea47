package server_test

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/ledger"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/server"
	"PerpVault/internal/state"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const one = int64(1_00000000) // $1 at price scale

// --- Test helpers ---

type testEnv struct {
	srv   *server.Server
	venue *core.Venue
	feed  *oracle.Feed
}

func newTestEnv(t *testing.T, allowDev bool) *testEnv {
	t.Helper()
	logger := observability.NewTestLogger(io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	feed := oracle.NewFeed()
	now := time.Now().UTC()
	feed.Set("USDC", one, now)
	feed.Set("BTC", 20_000*one, now)

	custody, err := ledger.NewCustody("USDC")
	if err != nil {
		t.Fatalf("NewCustody failed: %v", err)
	}
	persist := make(chan core.CoreOutput, 1024)
	v, err := core.NewVenue(core.Config{
		Market:  state.DefaultMarket,
		Metrics: metrics,
		Logger:  logger,
	}, oracle.NewGateway(feed, nil), custody, persist, nil)
	if err != nil {
		t.Fatalf("NewVenue failed: %v", err)
	}

	srv, err := server.New("", "", server.Deps{
		Venue:               v,
		Prices:              ingestion.NewPriceIngestor(feed, metrics, logger),
		Metrics:             metrics,
		Gatherer:            prometheus.NewRegistry(),
		AllowWalletFunding:  allowDev,
		AllowPriceInjection: allowDev,
		Logger:              logger,
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	return &testEnv{srv: srv, venue: v, feed: feed}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := sonic.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: bad JSON %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func (e *testEnv) mustDo(t *testing.T, method, path, body string, want int) map[string]any {
	t.Helper()
	code, out := e.do(t, method, path, body)
	if code != want {
		t.Fatalf("%s %s: expected %d, got %d (%v)", method, path, want, code, out)
	}
	return out
}

// ============================================================================
// Test: HTTP gateway
// ============================================================================

func TestHTTP_PositionLifecycle(t *testing.T) {
	env := newTestEnv(t, true)
	provider := uuid.New()
	trader := uuid.New()

	env.mustDo(t, "POST", "/v1/wallets/fund", `{"account":"`+provider.String()+`","amount":"100000"}`, http.StatusOK)
	env.mustDo(t, "POST", "/v1/wallets/fund", `{"account":"`+trader.String()+`","amount":"1000"}`, http.StatusOK)

	dep := env.mustDo(t, "POST", "/v1/pool/deposit", `{"provider":"`+provider.String()+`","amount":"100000"}`, http.StatusOK)
	if dep["shares"] == "" || dep["shares"] != dep["balance"] {
		t.Errorf("first deposit should report minted == balance, got %v", dep)
	}

	opened := env.mustDo(t, "POST", "/v1/positions",
		`{"trader":"`+trader.String()+`","direction":"long","size":"10000","collateral":"1000"}`, http.StatusCreated)
	if opened["size"] != "10000" || opened["collateral"] != "1000" || opened["size_in_tokens"] != "0.5" {
		t.Errorf("unexpected opened position %v", opened)
	}
	if opened["status"] != "open" || opened["direction"] != "long" {
		t.Errorf("unexpected status/direction %v", opened)
	}

	path := "/v1/traders/" + trader.String() + "/positions/0"
	got := env.mustDo(t, "GET", path, "", http.StatusOK)
	if got["unrealized_pnl"] != "0" {
		t.Errorf("expected zero unrealized PnL at entry price, got %v", got["unrealized_pnl"])
	}

	pool := env.mustDo(t, "GET", "/v1/pool", "", http.StatusOK)
	if pool["long_open_interest"] != "10000" || pool["total_liquidity"] != "100000" {
		t.Errorf("unexpected pool state %v", pool)
	}

	closed := env.mustDo(t, "POST", path+"/close", `{}`, http.StatusOK)
	if closed["payout"] != "1000" || closed["realized_pnl"] != "0" {
		t.Errorf("unexpected close %v", closed)
	}

	env.mustDo(t, "POST", path+"/close", `{}`, http.StatusBadRequest)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, false)

	code, body := env.do(t, "GET", "/v1/traders/not-a-uuid/positions/0", "")
	if code != http.StatusBadRequest || body["code"] != "InvalidArgument" {
		t.Errorf("bad trader: expected 400 InvalidArgument, got %d %v", code, body)
	}

	code, _ = env.do(t, "GET", "/v1/traders/"+uuid.New().String()+"/positions/3", "")
	if code != http.StatusNotFound {
		t.Errorf("unknown position: expected 404, got %d", code)
	}

	code, _ = env.do(t, "POST", "/v1/wallets/fund", `{"account":"`+uuid.New().String()+`","amount":"1"}`)
	if code != http.StatusForbidden {
		t.Errorf("funding disabled: expected 403, got %d", code)
	}

	code, _ = env.do(t, "POST", "/v1/pool/deposit", `{"provider":"`+uuid.New().String()+`","amount":"1.0000001"}`)
	if code != http.StatusBadRequest {
		t.Errorf("excess precision: expected 400, got %d", code)
	}

	code, _ = env.do(t, "GET", "/v1/providers/"+uuid.New().String(), "")
	if code != http.StatusServiceUnavailable {
		t.Errorf("no query service: expected 503, got %d", code)
	}
}

func TestHTTP_DuplicateRequestConflicts(t *testing.T) {
	env := newTestEnv(t, true)
	provider := uuid.New()
	env.mustDo(t, "POST", "/v1/wallets/fund", `{"account":"`+provider.String()+`","amount":"5000"}`, http.StatusOK)

	body := `{"request_id":"` + uuid.New().String() + `","provider":"` + provider.String() + `","amount":"1000"}`
	env.mustDo(t, "POST", "/v1/pool/deposit", body, http.StatusOK)

	code, out := env.do(t, "POST", "/v1/pool/deposit", body)
	if code != http.StatusConflict {
		t.Errorf("expected 409 on retry, got %d %v", code, out)
	}
}

func TestHTTP_PushPriceMovesPnL(t *testing.T) {
	env := newTestEnv(t, true)
	provider, trader := uuid.New(), uuid.New()
	env.mustDo(t, "POST", "/v1/wallets/fund", `{"account":"`+provider.String()+`","amount":"100000"}`, http.StatusOK)
	env.mustDo(t, "POST", "/v1/wallets/fund", `{"account":"`+trader.String()+`","amount":"1000"}`, http.StatusOK)
	env.mustDo(t, "POST", "/v1/pool/deposit", `{"provider":"`+provider.String()+`","amount":"100000"}`, http.StatusOK)
	env.mustDo(t, "POST", "/v1/positions",
		`{"trader":"`+trader.String()+`","direction":"long","size":"10000","collateral":"1000"}`, http.StatusCreated)

	env.mustDo(t, "POST", "/v1/prices", `{"asset":"btc","price":"22000"}`, http.StatusOK)

	got := env.mustDo(t, "GET", "/v1/traders/"+trader.String()+"/positions/0", "", http.StatusOK)
	if got["unrealized_pnl"] != "1000" {
		t.Errorf("expected unrealized PnL 1000 after +10%%, got %v", got["unrealized_pnl"])
	}
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, false)

	env.mustDo(t, "GET", "/healthz", "", http.StatusOK)
	env.mustDo(t, "GET", "/readyz", "", http.StatusServiceUnavailable)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200, got %d", w.Code)
	}
}

// ============================================================================
// Test: gRPC service
// ============================================================================

func dialBufconn(t *testing.T, srv *server.Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.GRPC().Serve(lis) }()
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_DepositAndPoolState(t *testing.T) {
	env := newTestEnv(t, true)
	conn := dialBufconn(t, env.srv)
	ctx := context.Background()
	provider := uuid.New()

	var funded server.FundWalletResponse
	err := conn.Invoke(ctx, "/perpvault.venue.v1.VenueService/FundWallet",
		&server.FundWalletRequest{Account: provider.String(), Amount: mustDecimal(t, "2500")}, &funded)
	if err != nil {
		t.Fatalf("FundWallet failed: %v", err)
	}

	var dep server.LiquidityResponse
	err = conn.Invoke(ctx, "/perpvault.venue.v1.VenueService/Deposit",
		&server.DepositRequest{Provider: provider.String(), Amount: mustDecimal(t, "2500")}, &dep)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if dep.AsOfSequence != 1 {
		t.Errorf("expected deposit at sequence 1, got %d", dep.AsOfSequence)
	}

	var pool server.PoolStateResponse
	if err := conn.Invoke(ctx, "/perpvault.venue.v1.VenueService/GetPoolState", &server.GetPoolStateRequest{}, &pool); err != nil {
		t.Fatalf("GetPoolState failed: %v", err)
	}
	if pool.TotalLiquidity.String() != "2500" || pool.TotalShares != dep.Balance {
		t.Errorf("unexpected pool %+v", pool)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	env := newTestEnv(t, false)
	conn := dialBufconn(t, env.srv)
	ctx := context.Background()

	var resp server.PositionResponse
	err := conn.Invoke(ctx, "/perpvault.venue.v1.VenueService/GetPosition",
		&server.PositionKey{Trader: uuid.New().String()}, &resp)
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}

	var push server.PushPriceResponse
	err = conn.Invoke(ctx, "/perpvault.venue.v1.VenueService/PushPrice",
		&server.PushPriceRequest{Asset: "BTC", Price: mustDecimal(t, "1")}, &push)
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("expected PermissionDenied, got %v", err)
	}
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	env := newTestEnv(t, false)
	conn := dialBufconn(t, env.srv)
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING before recovery, got %s", resp.Status)
	}

	env.srv.SetServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "perpvault.venue.v1.VenueService"}, grpc.CallContentSubtype("proto"))
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %s", resp.Status)
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return d
}
