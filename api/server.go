// Package api exposes the diagnostic engine over HTTP/JSON, plus an SSE
// stream of the protocol journal.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/bench"
	"github.com/LoveWonYoung/x260diag/ccf"
	"github.com/LoveWonYoung/x260diag/config"
	"github.com/LoveWonYoung/x260diag/routine"
	"github.com/LoveWonYoung/x260diag/tp"
	"github.com/LoveWonYoung/x260diag/transport"
	"github.com/LoveWonYoung/x260diag/uds"
)

// Server is the HTTP front end. It owns the per-ECU client sessions that
// a connect call establishes and tears them down on disconnect.
type Server struct {
	server  *http.Server
	cfg     *config.Config
	bus     *transport.Bus
	bench   *bench.Manager
	journal *uds.Journal
	log     *logrus.Entry

	mu       sync.Mutex
	info     *transport.DeviceInfo
	conns    []transport.Connection
	clients  map[string]*uds.Client
	runner   *routine.Runner
	ccf      *ccf.Service
	cancelKA context.CancelFunc
}

func NewServer(cfg *config.Config, bus *transport.Bus, benchMgr *bench.Manager, journal *uds.Journal, log *logrus.Entry) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		bench:   benchMgr,
		journal: journal,
		log:     log,
		clients: map[string]*uds.Client{},
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.loggingMiddleware(corsMiddleware(mux)),
		ReadTimeout: 30 * time.Second,
		// No write timeout: /api/logs/stream holds its response open.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/bench", s.handleBench)
	mux.HandleFunc("/api/ecu/info", s.handleEcuInfo)
	mux.HandleFunc("/api/did", s.handleDid)
	mux.HandleFunc("/api/ccf", s.handleCcf)
	mux.HandleFunc("/api/ccf/compare", s.handleCcfCompare)
	mux.HandleFunc("/api/routines", s.handleRoutines)
	mux.HandleFunc("/api/routine/run", s.handleRoutineRun)
	mux.HandleFunc("/api/logs/export", s.handleLogsExport)
	mux.HandleFunc("/api/logs/stream", s.handleLogsStream)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"name":    "x260diag API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"connect":     "POST /api/connect (body: {device_path})",
			"disconnect":  "POST /api/disconnect",
			"bench":       "POST /api/bench (body: {enabled, ecus}); GET /api/bench",
			"ecu_info":    "GET /api/ecu/info?ecu=imc",
			"did":         "POST /api/did (body: {ecu, did})",
			"ccf":         "GET /api/ccf",
			"ccf_compare": "GET /api/ccf/compare?reference=<hex>",
			"routines":    "GET /api/routines",
			"routine_run": "POST /api/routine/run (body: {routineId, data})",
			"logs_export": "GET /api/logs/export",
			"logs_stream": "GET /api/logs/stream (SSE)",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	connected := s.info != nil
	s.mu.Unlock()
	benchEnabled, _ := s.bench.Status()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"connected": connected,
		"bench":     benchEnabled,
	})
}

// Connect attaches a client session per known ECU target to the channel.
// All sessions share one transmission token, matching the single-wire
// hardware.
func (s *Server) Connect(devicePath string) (transport.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info != nil {
		return *s.info, nil
	}

	token := transport.NewToken()
	var conns []transport.Connection
	clients := map[string]*uds.Client{}
	for _, target := range uds.Targets() {
		respID := target.ResponseID
		conn := s.bus.Endpoint("tester-"+target.Name, func(id uint32) bool { return id == respID })
		framer, err := tp.NewFramer(conn, tp.Address{TxID: target.RequestID, RxID: target.ResponseID}, s.cfg.TPConfig())
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			conn.Close()
			return transport.DeviceInfo{}, err
		}
		conns = append(conns, conn)
		clients[target.Name] = uds.NewClient(framer, token, s.journal, s.cfg.Policy(), s.log.WithField("ecu", target.Name))
	}

	primary, ok := clients[s.cfg.DefaultECU]
	if !ok {
		for _, c := range clients {
			c.Close()
		}
		for _, c := range conns {
			c.Close()
		}
		return transport.DeviceInfo{}, &uds.ConfigurationError{Reason: fmt.Sprintf("unknown default ECU %q", s.cfg.DefaultECU)}
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	primary.StartKeepalive(kaCtx)

	info := conns[0].Info()
	if devicePath != "" {
		info.Path = devicePath
	}

	s.info = &info
	s.conns = conns
	s.clients = clients
	s.runner = routine.NewRunner(primary, s.log)
	s.ccf = ccf.NewService(s.runner)
	s.cancelKA = cancel

	s.log.WithField("device", info.Path).Info("connected")
	return info, nil
}

// Disconnect tears down all client sessions. Safe to call when already
// disconnected.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return
	}
	if s.cancelKA != nil {
		s.cancelKA()
		s.cancelKA = nil
	}
	for _, client := range s.clients {
		client.Close()
	}
	for _, conn := range s.conns {
		conn.Close()
	}
	s.info = nil
	s.conns = nil
	s.clients = map[string]*uds.Client{}
	s.runner = nil
	s.ccf = nil
	s.log.Info("disconnected")
}

// client returns the session for one ECU, or a typed error while
// disconnected.
func (s *Server) client(ecu string) (*uds.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil, transport.NotConnectedError{}
	}
	c, ok := s.clients[ecu]
	if !ok {
		return nil, &uds.ConfigurationError{Reason: fmt.Sprintf("unknown ECU %q", ecu)}
	}
	return c, nil
}

func (s *Server) services() (*routine.Runner, *ccf.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return nil, nil, transport.NotConnectedError{}
	}
	return s.runner, s.ccf, nil
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("starting HTTP API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the server and tears down any open sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.Disconnect()
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
