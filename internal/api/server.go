// Package api serves the derived and aggregate stores to dashboards over
// HTTP and reports readiness through the gRPC health protocol.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"halong/internal/domain"
)

// ServiceName is the gRPC health service reported by the reader.
const ServiceName = "halong.reader"

// Options configure the listeners.
type Options struct {
	HTTPAddr string
	GRPCAddr string
}

// Server is the reader daemon hosting the HTTP and gRPC endpoints.
type Server struct {
	opts   Options
	cache  *Cache
	health *health.Server
	reg    *prometheus.Registry
	loads  prometheus.Counter
	log    *slog.Logger

	httpServer *http.Server
	grpcServer *grpc.Server
}

// NewServer creates a Server reading from cache.
func NewServer(opts Options, cache *Cache, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		opts:   opts,
		cache:  cache,
		health: health.NewServer(),
		reg:    prometheus.NewRegistry(),
		loads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halong",
			Subsystem: "reader",
			Name:      "loads_total",
			Help:      "Store snapshots loaded by the reader.",
		}),
		log: log.With("component", "reader"),
	}
	s.reg.MustRegister(s.loads)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	cache.OnLoad(func(*Snapshot) {
		s.loads.Inc()
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	})
	return s
}

// Health returns the gRPC health server.
func (s *Server) Health() *health.Server { return s.health }

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/breadth", s.handleBreadth).Methods(http.MethodGet)
	api.HandleFunc("/indicators/{symbol}", s.handleIndicators).Methods(http.MethodGet)
	api.HandleFunc("/ranking", s.handleRanking).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

// ListenAndServe loads the stores, starts both listeners and blocks until
// ctx is cancelled or a listener fails. It then shuts both down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := s.cache.Get(ctx); err != nil {
		s.log.Warn("initial load failed, serving once stores appear", "error", err)
	}

	errc := make(chan error, 2)

	s.httpServer = &http.Server{
		Addr:              s.opts.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.log.Info("HTTP listening", "addr", s.opts.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if s.opts.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			s.shutdownHTTP()
			return err
		}
		s.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.health)
		go func() {
			s.log.Info("gRPC listening", "addr", lis.Addr().String())
			if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
		s.log.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := s.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) shutdownHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*Snapshot, bool) {
	snap, err := s.cache.Get(r.Context())
	if snap == nil {
		msg := "stores not loaded"
		if err != nil {
			msg = err.Error()
		}
		http.Error(w, msg, http.StatusServiceUnavailable)
		return nil, false
	}
	if err != nil {
		s.log.Warn("reload failed, serving previous snapshot", "error", err)
	}
	return snap, true
}

func (s *Server) handleBreadth(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}

	date := snap.LatestBreadthDate()
	if q := r.URL.Query().Get("date"); q != "" {
		t, err := time.Parse(domain.DateLayout, q)
		if err != nil {
			http.Error(w, "invalid date", http.StatusBadRequest)
			return
		}
		date = t.UnixMilli()
	}
	group := r.URL.Query().Get("group")

	resp := BreadthResponse{Date: formatDate(date), Rows: []BreadthRow{}}
	for _, row := range snap.Breadth {
		if row.Date != date || (group != "" && !strings.EqualFold(row.Group, group)) {
			continue
		}
		resp.Rows = append(resp.Rows, breadthRow(row))
	}
	if len(resp.Rows) == 0 {
		http.Error(w, "no breadth for date", http.StatusNotFound)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	days := 60
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			http.Error(w, "invalid days parameter", http.StatusBadRequest)
			return
		}
		days = min(n, 1000)
	}

	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	rows, found := snap.Technical[symbol]
	if !found {
		http.Error(w, "unknown symbol", http.StatusNotFound)
		return
	}
	if len(rows) > days {
		rows = rows[len(rows)-days:]
	}
	resp := IndicatorsResponse{Symbol: symbol, Rows: make([]IndicatorRow, len(rows))}
	for i, row := range rows {
		resp.Rows[i] = indicatorRow(row)
	}
	writeJSON(w, resp)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	resp := RankingResponse{Rows: make([]RankingRow, len(snap.Ranking))}
	for i, row := range snap.Ranking {
		resp.Date = formatDate(row.Date)
		resp.GatePassed = row.GatePassed
		resp.Rows[i] = RankingRow{
			Rank:      row.Rank,
			Symbol:    row.Symbol,
			Sector:    row.Sector,
			Momentum:  row.Momentum,
			Score:     row.Score,
			Downtrend: row.Downtrend,
			Penalized: row.Penalized,
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cache.Get(r.Context())
	if snap == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "loading"})
		if err != nil {
			s.log.Warn("health check load failed", "error", err)
		}
		return
	}
	writeJSON(w, HealthResponse{Status: "ok", Loaded: snap.Loaded})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing JSON response", "error", err)
	}
}
