package server

import (
	"PerpVault/internal/core"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Deps holds everything the transport layer serves.
type Deps struct {
	Venue   *core.Venue
	Prices  *ingestion.PriceIngestor // nil disables PushPrice
	Queries Queries                  // nil disables projection reads
	Hub     *WSHub
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer

	AllowWalletFunding  bool
	AllowPriceInjection bool

	Logger zerolog.Logger
}

// Server owns the gRPC server and the HTTP router.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	router       chi.Router
	grpcAddr     string
	httpAddr     string
	logger       zerolog.Logger
}

// New registers VenueService and the standard health service, and builds the
// HTTP router: /healthz, /readyz, /metrics, /ws and the /v1 gateway.
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	svc := &venueService{
		venue:          deps.Venue,
		prices:         deps.Prices,
		allowFunding:   deps.AllowWalletFunding,
		allowInjection: deps.AllowPriceInjection,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)))
	RegisterVenueServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(venueServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gw, err := NewGatewayMux(svc, deps.Queries, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("gateway routes: %w", err)
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpMetrics(deps.Metrics))

	hc := deps.Health
	if hc == nil {
		hc = observability.NewHealthChecker()
	}
	r.Get("/healthz", hc.LivenessHandler)
	r.Get("/readyz", hc.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWS)
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Handle("/v1/*", gw)
	})

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		router:       r,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		logger:       deps.Logger,
	}, nil
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// GRPC returns the gRPC server, for callers that bring their own listener.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// SetServing flips the gRPC health status. Called after recovery and on halt.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(venueServiceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the router until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug().
				Str("method", info.FullMethod).
				Str("code", status.Code(err).String()).
				Dur("took", time.Since(start)).
				Msg(status.Convert(err).Message())
		}
		return resp, err
	}
}

func httpMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
