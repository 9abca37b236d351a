// Package api implements the versioned REST surface of the control
// plane, the websocket event stream, and the operational endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"control_plane/internal/config"
	"control_plane/internal/core"
	"control_plane/internal/orchestrator"
	"control_plane/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	rateLimitRPS      = 50
	rateLimitBurst    = 100
)

// Server holds the handler dependencies and the HTTP listener.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	factory      core.BrokerClientFactory
	quotes       core.IQuoteCache
	broadcaster  core.IOrderBroadcaster
	orchestrator *orchestrator.Orchestrator
	scheduler    core.IScheduler
	switcher     core.ISafeSwitcher
	hub          *Hub
	logger       core.ILogger

	http *http.Server
}

// NewServer wires the REST surface.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	factory core.BrokerClientFactory,
	quotes core.IQuoteCache,
	broadcaster core.IOrderBroadcaster,
	orch *orchestrator.Orchestrator,
	sched core.IScheduler,
	switcher core.ISafeSwitcher,
	hub *Hub,
	logger core.ILogger,
) *Server {
	s := &Server{
		cfg:          cfg,
		store:        st,
		factory:      factory,
		quotes:       quotes,
		broadcaster:  broadcaster,
		orchestrator: orch,
		scheduler:    sched,
		switcher:     switcher,
		hub:          hub,
		logger:       logger.WithField("component", "api"),
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Router builds the full route table. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/events/ws", s.hub).Methods(http.MethodGet)

	// Instances.
	v1.HandleFunc("/instances", s.listInstances).Methods(http.MethodGet)
	v1.HandleFunc("/instances", s.createInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances/test/connection", s.testConnection).Methods(http.MethodPost)
	v1.HandleFunc("/instances/test/apikey", s.testAPIKey).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id:[0-9]+}", s.getInstance).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{id:[0-9]+}", s.updateInstance).Methods(http.MethodPut)
	v1.HandleFunc("/instances/{id:[0-9]+}", s.deleteInstance).Methods(http.MethodDelete)
	v1.HandleFunc("/instances/{id:[0-9]+}/refresh", s.refreshInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id:[0-9]+}/health", s.probeInstance).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id:[0-9]+}/pnl", s.instancePnL).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{id:[0-9]+}/analyzer/toggle", s.toggleAnalyzer).Methods(http.MethodPost)

	// Watchlists, symbols and bindings.
	v1.HandleFunc("/watchlists", s.listWatchlists).Methods(http.MethodGet)
	v1.HandleFunc("/watchlists", s.createWatchlist).Methods(http.MethodPost)
	v1.HandleFunc("/watchlists/{id:[0-9]+}", s.getWatchlist).Methods(http.MethodGet)
	v1.HandleFunc("/watchlists/{id:[0-9]+}", s.updateWatchlist).Methods(http.MethodPut)
	v1.HandleFunc("/watchlists/{id:[0-9]+}", s.deleteWatchlist).Methods(http.MethodDelete)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/clone", s.cloneWatchlist).Methods(http.MethodPost)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/symbols", s.listSymbols).Methods(http.MethodGet)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/symbols", s.addSymbol).Methods(http.MethodPost)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/symbols/{sid:[0-9]+}", s.updateSymbol).Methods(http.MethodPut)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/symbols/{sid:[0-9]+}", s.deleteSymbol).Methods(http.MethodDelete)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/instances", s.bindInstances).Methods(http.MethodPost)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/instances", s.listBoundInstances).Methods(http.MethodGet)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/instances/{iid:[0-9]+}", s.bindOneInstance).Methods(http.MethodPost)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/instances/{iid:[0-9]+}", s.unbindInstance).Methods(http.MethodDelete)
	v1.HandleFunc("/watchlists/{id:[0-9]+}/place-orders", s.placeOrders).Methods(http.MethodPost)

	// Orders.
	v1.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	v1.HandleFunc("/orders/cancel-all", s.cancelAllOrders).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id:[0-9]+}/cancel", s.cancelOrder).Methods(http.MethodPost)

	// Positions and P&L.
	v1.HandleFunc("/positions/aggregate/pnl", s.aggregatePnL).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{instanceId:[0-9]+}", s.listBrokerPositions).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{instanceId:[0-9]+}/pnl", s.brokerPositionsPnL).Methods(http.MethodGet)
	v1.HandleFunc("/positions/{instanceId:[0-9]+}/close", s.closePositions).Methods(http.MethodPost)

	// Symbols.
	v1.HandleFunc("/symbols/search", s.searchSymbols).Methods(http.MethodGet)
	v1.HandleFunc("/symbols/validate", s.validateSymbol).Methods(http.MethodPost)
	v1.HandleFunc("/symbols/quotes", s.symbolQuotes).Methods(http.MethodPost)

	// Polling control.
	v1.HandleFunc("/polling/status", s.pollingStatus).Methods(http.MethodGet)
	v1.HandleFunc("/polling/start", s.pollingStart).Methods(http.MethodPost)
	v1.HandleFunc("/polling/stop", s.pollingStop).Methods(http.MethodPost)
	v1.HandleFunc("/polling/market-data/start", s.marketDataStart).Methods(http.MethodPost)
	v1.HandleFunc("/polling/market-data/stop", s.marketDataStop).Methods(http.MethodPost)

	// Alerts.
	v1.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id:[0-9]+}/resolve", s.resolveAlert).Methods(http.MethodPost)

	limiter := newIPLimiter(rateLimitRPS, rateLimitBurst)
	r.Use(
		recoveryMiddleware(s.logger),
		corsMiddleware(s.cfg.CORSOrigin),
		limiter.middleware,
		metricsMiddleware,
		loggingMiddleware(s.logger),
	)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("REST surface listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}
