package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures one relay instance.
type Config struct {
	Listen         string   `yaml:"listen" json:"listen"`
	RedisAddr      string   `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword  string   `yaml:"redis_password" json:"redis_password"`
	RedisDB        int      `yaml:"redis_db" json:"redis_db"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// Server hosts mesh rooms over websockets.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]*room
	fanout *redisFanout

	started time.Time
}

// NewServer builds a relay. A configured but unreachable Redis is a
// warning, not a failure: the instance serves its own rooms alone.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		rooms:   make(map[string]*room),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	if cfg.RedisAddr != "" {
		fanout, err := newRedisFanout(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("redis unavailable, running single-instance", "error", err)
		} else {
			s.fanout = fanout
		}
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	wildcard := len(allowed) == 0
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
			continue
		}
		if o != "" {
			set[o] = true
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || wildcard || set[origin]
	}
}

// Handler exposes the room endpoint plus health and metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/mesh/{mesh_id}", s.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	meshID := mux.Vars(r)["mesh_id"]
	nodeID := r.URL.Query().Get("node")
	if meshID == "" || nodeID == "" {
		http.Error(w, "mesh_id and node are required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	rm := s.room(meshID)
	c := newClient(rm, nodeID, conn, s.logger)
	rm.join(c)
	c.run()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	rooms := len(s.rooms)
	clients := 0
	for _, rm := range s.rooms {
		clients += rm.size()
	}
	s.mu.RUnlock()

	redisOK := false
	if s.fanout != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		redisOK = s.fanout.healthy(ctx)
		cancel()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"rooms":          rooms,
		"clients":        clients,
		"redis":          redisOK,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

// room returns the mesh room, creating it on first join.
func (s *Server) room(meshID string) *room {
	s.mu.RLock()
	rm, ok := s.rooms[meshID]
	s.mu.RUnlock()
	if ok {
		return rm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok = s.rooms[meshID]; ok {
		return rm
	}
	rm = newRoom(s, meshID)
	s.rooms[meshID] = rm
	relayMetrics().Rooms.Inc()
	s.logger.Info("room opened", "mesh", meshID)

	if s.fanout != nil {
		if err := s.fanout.subscribe(meshID, rm.deliverLocal); err != nil {
			s.logger.Warn("fanout subscribe failed", "mesh", meshID, "error", err)
		}
	}
	return rm
}

// dropRoom closes an emptied room.
func (s *Server) dropRoom(meshID string) {
	s.mu.Lock()
	rm, ok := s.rooms[meshID]
	if ok && rm.size() == 0 {
		delete(s.rooms, meshID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	relayMetrics().Rooms.Dec()
	s.logger.Info("room closed", "mesh", meshID)
	if s.fanout != nil {
		s.fanout.unsubscribe(meshID)
	}
}

// publishRemote ships a frame to sibling instances. Reports whether a
// fanout exists to carry it.
func (s *Server) publishRemote(meshID, to string, raw []byte) bool {
	if s.fanout == nil {
		return false
	}
	s.fanout.publish(meshID, to, raw)
	return true
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutCtx)

	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()
	for _, rm := range rooms {
		rm.mu.RLock()
		members := make([]*client, 0, len(rm.members))
		for _, c := range rm.members {
			members = append(members, c)
		}
		rm.mu.RUnlock()
		for _, c := range members {
			c.close()
		}
	}

	if s.fanout != nil {
		s.fanout.close()
	}
	s.logger.Info("relay stopped")
	return err
}
