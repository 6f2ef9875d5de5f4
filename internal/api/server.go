package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"mockexchange/internal/config"
	"mockexchange/internal/core"
	"mockexchange/internal/exchange"
	"mockexchange/internal/infrastructure/health"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})

	httpRequestsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_rejected_total",
		Help: "Total number of rate-limited HTTP requests",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
	prometheus.MustRegister(httpRequestsRejectedTotal)
}

// Server serves the REST surface, the WebSocket stream and the operational
// endpoints. Implements bootstrap.Runner.
type Server struct {
	cfg    config.ServerConfig
	d      *exchange.Dispatcher
	hub    *Hub
	checks *health.Manager
	log    core.ILogger

	upgrader      websocket.Upgrader
	connSemaphore chan struct{}
	ipLimiters    sync.Map // map[string]*rate.Limiter

	enableMetrics bool
	production    bool

	mu  sync.Mutex
	srv *http.Server
}

// NewServer creates a new Server.
func NewServer(cfg config.ServerConfig, d *exchange.Dispatcher, hub *Hub, checks *health.Manager, logger core.ILogger) *Server {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	s := &Server{
		cfg:           cfg,
		d:             d,
		hub:           hub,
		checks:        checks,
		log:           logger.WithField("component", "http_server"),
		connSemaphore: make(chan struct{}, maxConns),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetMetricsEnabled toggles the /metrics endpoint.
func (s *Server) SetMetricsEnabled(enabled bool) { s.enableMetrics = enabled }

// SetProduction sets the production mode. In production a wildcard origin
// whitelist rejects every WebSocket connection.
func (s *Server) SetProduction(prod bool) { s.production = prod }

func (s *Server) Name() string { return "http_server" }

// Run serves until ctx is canceled, then shuts down gracefully. Implements
// bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.log.Info("HTTP server listening", "addr", s.cfg.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.log.Info("HTTP server stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

// Handler builds the full route table wrapped in the rate-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /tickers", s.handleListTickers)
	mux.HandleFunc("GET /tickers/{symbol...}", s.handleGetTicker)

	mux.HandleFunc("GET /balance", s.handleBalance)
	mux.HandleFunc("GET /balance/list", s.handleBalanceList)

	mux.HandleFunc("POST /orders", s.handleCreateOrder)
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("POST /orders/can_execute", s.handleCanExecute)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)

	mux.HandleFunc("POST /admin/deposit", s.handleDeposit)
	mux.HandleFunc("POST /admin/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /admin/balance", s.handleSetBalance)
	mux.HandleFunc("POST /admin/ticker", s.handleSetTicker)
	mux.HandleFunc("POST /admin/reset", s.handleReset)

	mux.HandleFunc("GET /capital", s.handleCapital)
	mux.HandleFunc("GET /capital/detail", s.handleCapitalDetail)
	mux.HandleFunc("GET /assets", s.handleAssets)
	mux.HandleFunc("GET /trades/stats", s.handleTradeStats)

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.enableMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.withRateLimit(mux)
}

// withRateLimit applies a per-IP token bucket in front of every route.
// Disabled when the configured rate is zero.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.cfg.RateLimit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.getRemoteIP(r)
		if !s.getIPLimiter(ip).Allow() {
			s.log.Warn("IP rate limit exceeded", "ip", ip, "path", r.URL.Path)
			httpRequestsRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getRemoteIP extracts the client IP address. X-Forwarded-For is ignored on
// purpose; RemoteAddr is the safest default without a trusted proxy setup.
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP.
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}
	// LoadOrStore handles the race when several requests from one IP arrive
	// at once.
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	actual, _ := s.ipLimiters.LoadOrStore(ip, limiter)
	return actual.(*rate.Limiter)
}

// checkOrigin validates the WebSocket connection origin against the
// whitelist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		s.log.Warn("Rejected WebSocket connection with missing Origin header",
			"remote_addr", r.RemoteAddr)
		return false
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		s.log.Warn("Rejected WebSocket connection with invalid Origin",
			"origin", origin, "error", err)
		return false
	}
	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			if s.production {
				s.log.Warn("Rejected wildcard origin in production mode",
					"origin", origin, "remote_addr", r.RemoteAddr)
				websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
				return false
			}
			s.log.Warn("WebSocket connection allowed via wildcard origin (insecure for production)",
				"origin", origin, "remote_addr", r.RemoteAddr)
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	s.log.Warn("Rejected WebSocket connection from unauthorized origin",
		"origin", origin, "remote_addr", r.RemoteAddr,
		"allowed_origins", s.cfg.AllowedOrigins)
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// handleWebSocket upgrades the connection and runs the read/write pumps
// until either side disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		s.log.Warn("Max connections reached")
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID)
	s.hub.Register(client)
	s.log.Info("Client connected", "client_id", clientID, "remote_addr", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()
	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()
	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()
	s.log.Info("Client disconnected", "client_id", clientID)
}

// writePump sends hub messages to the WebSocket connection and pings to
// keep it alive.
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Warn("Write error", "client_id", client.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection for pong handling. Client messages carry no
// meaning; the stream is one-way.
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("Read error", "client_id", client.id, "error", err)
			}
			break
		}
	}
}
