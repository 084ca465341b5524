// Package httpapi is the ingress/egress boundary: authenticated
// packet upload/list/download over plain HTTP, and WebSocket feeds for
// per-destination clients and operator dashboards.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/eventbus"
	"github.com/novahub/nova-hub/internal/stats"
)

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// Store is the subset of catalog.Store the boundary depends on.
type Store interface {
	GetClientByClientID(ctx context.Context, clientID string) (*catalog.Client, error)
	TouchClientLastSeen(ctx context.Context, clientDBID int64) error
	GetLeague(ctx context.Context, leagueNumber, gameType string) (*catalog.League, error)
	GetOrCreateLeague(ctx context.Context, leagueNumber, gameType, displayName string, allowCreate bool) (*catalog.League, bool, error)
	GetActiveMembershipByClient(ctx context.Context, clientDBID, leagueID int64) (*catalog.Membership, error)
	UpsertPacket(ctx context.Context, p *catalog.Packet) (*catalog.Packet, error)
	ListForDestination(ctx context.Context, leagueID int64, destBBSIndex string, unreadOnly bool) ([]*catalog.Packet, error)
	SelectForDownload(ctx context.Context, leagueID int64, filename string) (*catalog.Packet, error)
	GetPacketForDestination(ctx context.Context, filename, destBBSIndex string) (*catalog.Packet, error)
	MarkDownloaded(ctx context.Context, packetID int64) error
}

// Trigger is the single method the boundary needs from the batch
// processor: fire-and-forget after a successful upload.
type Trigger interface {
	Trigger(ctx context.Context)
}

// Server wires the HTTP mux, auth middleware, and WebSocket endpoints
// together. AutoCreateLeagues mirrors config.HubConfig so upload can
// decide whether to auto-create an unknown league (download never
// does).
type Server struct {
	srv               *http.Server
	pool              *pgxpool.Pool
	dbChecker         DBChecker
	store             Store
	processor         Trigger
	bus               *eventbus.Bus
	stats             *stats.Aggregator
	logger            *zap.Logger
	hubBBS            int
	autoCreateLeagues bool
	auth              *Authenticator
	layout            PacketLayout
}

// PacketLayout resolves the directories the boundary reads/writes
// packet and nodelist payloads from/to.
type PacketLayout interface {
	PacketsInbound() string
	PacketsOutbound() string
	Nodelists(game, leagueNumber string) string
}

func NewServer(
	addr string,
	pool *pgxpool.Pool,
	store Store,
	processor Trigger,
	bus *eventbus.Bus,
	statsAgg *stats.Aggregator,
	layout PacketLayout,
	auth *Authenticator,
	hubBBS int,
	autoCreateLeagues bool,
	logger *zap.Logger,
) *Server {
	s := &Server{
		pool:              pool,
		store:             store,
		processor:         processor,
		bus:               bus,
		stats:             statsAgg,
		logger:            logger,
		hubBBS:            hubBBS,
		autoCreateLeagues: autoCreateLeagues,
		auth:              auth,
		layout:            layout,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("PUT /leagues/{league}/packets/{name}", s.auth.Require(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /leagues/{league}/packets", s.auth.Require(http.HandlerFunc(s.handleList)))
	mux.Handle("GET /leagues/{league}/packets/{name}", s.auth.Require(http.HandlerFunc(s.handleDownload)))
	mux.Handle("GET /ws/dashboard", s.auth.Require(http.HandlerFunc(s.handleDashboardSocket)))
	mux.Handle("GET /ws/destination/{dest}", s.auth.Require(http.HandlerFunc(s.handleDestinationSocket)))

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
