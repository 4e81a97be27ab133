// Package monitor serves the read-only HTTP surface: health, per-symbol
// status, and the order/fill/event/performance history. It never mutates
// anything; all trading decisions stay in the loop.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/models"
	"trailbot/internal/performance"
	"trailbot/internal/storage"
)

// Row limits for the history endpoints.
const (
	maxFills  = 200
	maxEvents = 200
	maxDays   = 90
)

// Config controls the monitor server.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the monitor HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	broker    broker.Broker
	tracker   *performance.Tracker
	cal       *calendar.Calendar
	symbols   []string
	logger    *logrus.Logger
	port      int
	authToken string
	started   time.Time
}

// NewServer wires the routes. symbols is the configured watchlist, in
// display order.
func NewServer(cfg Config, store storage.Interface, b broker.Broker, tracker *performance.Tracker,
	cal *calendar.Calendar, symbols []string, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		broker:    b,
		tracker:   tracker,
		cal:       cal,
		symbols:   symbols,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		started:   time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/status/{symbol}", s.handleSymbolStatus)
	s.router.Get("/api/orders", s.handleOrders)
	s.router.Get("/api/fills", s.handleFills)
	s.router.Get("/api/events", s.handleEvents)
	s.router.Get("/api/daily", s.handleDaily)
	s.router.Get("/api/performance", s.handlePerformance)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting monitor server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding monitor response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"timestamp":      time.Now().Unix(),
	})
}

// SymbolView is one watchlist row of /api/status.
type SymbolView struct {
	Symbol        string     `json:"symbol"`
	Class         string     `json:"class"`
	Status        string     `json:"status"`
	PositionQty   string     `json:"position_qty,omitempty"`
	AvgEntryPrice string     `json:"avg_entry_price,omitempty"`
	MarketValue   string     `json:"market_value,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	OpenOrders    int        `json:"open_orders"`
	SessionOpen   bool       `json:"session_open"`
}

func (s *Server) symbolViews(ctx context.Context) ([]SymbolView, error) {
	positions, err := s.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	bySymbol := make(map[string]*broker.Position, len(positions))
	for i := range positions {
		bySymbol[positions[i].Symbol] = &positions[i]
	}

	now := time.Now().UTC()
	views := make([]SymbolView, 0, len(s.symbols))
	for _, sym := range s.symbols {
		class := models.ClassOf(sym)
		view := SymbolView{
			Symbol:      sym,
			Class:       string(class),
			SessionOpen: s.cal.IsTradableNow(class, now),
		}

		state, err := s.storage.GetSymbolState(sym)
		if err != nil {
			state = &models.SymbolState{Symbol: sym}
		}
		open, err := s.storage.OpenOrdersBySymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("loading open orders for %s: %w", sym, err)
		}
		view.OpenOrders = len(open)
		view.CooldownUntil = state.CooldownUntil

		pos := bySymbol[sym]
		if pos != nil {
			view.PositionQty = pos.Qty.String()
			view.AvgEntryPrice = pos.AvgEntryPrice.String()
			view.MarketValue = pos.MarketValue.String()
			views = append(views, withStatus(view, models.DeriveStatus(pos.Qty, state, open, now)))
			continue
		}
		views = append(views, withStatus(view, models.DeriveStatus(decimal.Zero, state, open, now)))
	}
	return views, nil
}

func withStatus(v SymbolView, st models.SymbolStatus) SymbolView {
	v.Status = string(st)
	return v
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	views, err := s.symbolViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("building status view")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, views)
}

func (s *Server) handleSymbolStatus(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	views, err := s.symbolViews(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("building status view")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	for i := range views {
		if views[i].Symbol == symbol {
			s.writeJSON(w, views[i])
			return
		}
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

func (s *Server) handleOrders(w http.ResponseWriter, _ *http.Request) {
	orders, err := s.storage.OpenOrders()
	if err != nil {
		s.logger.WithError(err).Error("loading open orders")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleFills(w http.ResponseWriter, _ *http.Request) {
	fills, err := s.storage.RecentFills(maxFills)
	if err != nil {
		s.logger.WithError(err).Error("loading fills")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []models.Fill{}
	}
	s.writeJSON(w, fills)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events, err := s.storage.RecentEvents(maxEvents)
	if err != nil {
		s.logger.WithError(err).Error("loading events")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	s.writeJSON(w, events)
}

func (s *Server) handleDaily(w http.ResponseWriter, _ *http.Request) {
	snaps, err := s.storage.DailySnapshots(maxDays)
	if err != nil {
		s.logger.WithError(err).Error("loading snapshots")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []models.PerformanceSnapshot{}
	}
	s.writeJSON(w, snaps)
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.tracker.Summarize(maxDays)
	if err != nil {
		s.logger.WithError(err).Error("summarizing performance")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, summary)
}
