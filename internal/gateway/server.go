package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grandcat/zeroconf"
	"go.uber.org/atomic"

	"github.com/roach88/punchsync/internal/config"
	"github.com/roach88/punchsync/internal/devices"
	"github.com/roach88/punchsync/internal/metrics"
	"github.com/roach88/punchsync/internal/pipeline"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/reconcile"
	"github.com/roach88/punchsync/internal/store"
)

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	// AdminToken enables the /admin API when non-empty.
	AdminToken string
	Log        *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration

	Ingest config.IngestConfig
	MDNS   config.MDNSConfig
}

// Store is the persistence the gateway reads and writes. *store.Store implements it.
type Store interface {
	DeviceByAPIKey(ctx context.Context, key string) (punch.Device, error)
	GetOrganization(ctx context.Context, id string) (punch.Organization, error)
	TouchDevice(ctx context.Context, id string, at time.Time) (store.Contact, error)
	RecordIngestionError(ctx context.Context, e punch.IngestionError) error
	ListIngestionErrors(ctx context.Context, limit int) ([]punch.IngestionError, error)

	CreateDevice(ctx context.Context, d punch.Device) (punch.Device, error)
	GetDevice(ctx context.Context, id string) (punch.Device, error)
	ListDevices(ctx context.Context, orgID string) ([]punch.Device, error)
	UpdateDevice(ctx context.Context, id string, u store.DeviceUpdate) (punch.Device, error)
	DeleteDevice(ctx context.Context, id string) error

	UpsertMapping(ctx context.Context, m punch.IdentityMapping) (punch.IdentityMapping, error)
	ListMappings(ctx context.Context, orgID string) ([]punch.IdentityMapping, error)
	RecentEvents(ctx context.Context, f store.EventFilter) ([]punch.RawPunchEvent, error)
	ListAttendance(ctx context.Context, f store.AttendanceFilter) ([]punch.AttendanceRecord, error)
}

// Pipeline processes accepted punches. *pipeline.Pipeline implements it.
type Pipeline interface {
	Ingest(ctx context.Context, ev punch.RawPunchEvent) (pipeline.Outcome, error)
	Reresolve(ctx context.Context, orgID string) (int, error)
	Schedule(orgID string) bool
}

// Amender edits attendance records. *reconcile.Reconciler implements it.
type Amender interface {
	Amend(ctx context.Context, employeeID, date string, a reconcile.AttendanceAmendment) (punch.AttendanceRecord, error)
}

// DeviceManager runs pull connections. *devices.Manager implements it.
type DeviceManager interface {
	PollOnce(ctx context.Context, deviceID string) (devices.PollResult, error)
	Status() []devices.WorkerStatus
	Sync(ctx context.Context) error
}

// Deps are the collaborators of a Server. Devices, Amender and Metrics may be nil.
type Deps struct {
	Store    Store
	Pipeline Pipeline
	Amender  Amender
	Devices  DeviceManager
	Metrics  *metrics.Metrics
	Clock    punch.Clock
}

type Server struct {
	cfg     *HTTPServerConfig
	deps    Deps
	isReady atomic.Bool
	log     *slog.Logger
	clock   punch.Clock
	limiter *deviceLimiter

	srv        *http.Server
	metricsSrv *metrics.Server
	mdns       *zeroconf.Server
	errCh      chan error
}

func New(cfg *HTTPServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Pipeline == nil {
		return nil, errors.New("gateway: store and pipeline are required")
	}
	if cfg.MetricsAddr != "" && deps.Metrics == nil {
		return nil, errors.New("gateway: metrics address set without metrics")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = punch.SystemClock{}
	}

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     cfg.Log,
		clock:   clock,
		limiter: newDeviceLimiter(cfg.Ingest.RateLimit, cfg.Ingest.RateBurst),
		errCh:   make(chan error, 2),
	}
	srv.isReady.Store(true)

	if cfg.MetricsAddr != "" {
		srv.metricsSrv = metrics.NewServer(deps.Metrics, cfg.MetricsAddr)
	}

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Handler returns the root HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()

	mux.With(srv.httpLogger).Post("/biometric/events", srv.handlePush)
	mux.With(srv.httpLogger).Post("/biometric/heartbeat", srv.handleHeartbeat)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.AdminToken != "" {
		mux.With(srv.httpLogger).Mount("/admin", srv.adminRouter())
	} else {
		srv.log.Info("admin API disabled, no admin token configured")
	}

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already draining"})
		return
	}
	srv.log.Info("server marked as not ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already ready"})
		return
	}
	srv.log.Info("server marked as ready")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// RunInBackground starts the API server, the metrics server when configured,
// and the mDNS advertisement when enabled. Listener failures are reported on Err.
func (srv *Server) RunInBackground() {
	if srv.metricsSrv != nil {
		go func() {
			srv.log.Info("starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil {
				srv.log.Error("metrics server failed", "err", err)
				srv.errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	go func() {
		srv.log.Info("starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
			srv.errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if srv.cfg.MDNS.Enabled {
		if err := srv.startMDNS(); err != nil {
			srv.log.Warn("mDNS advertisement failed", "err", err)
		}
	}
}

// Err reports listener failures after RunInBackground.
func (srv *Server) Err() <-chan error {
	return srv.errCh
}

// Shutdown marks the server not ready, waits the drain duration, then
// stops the listeners.
func (srv *Server) Shutdown() {
	srv.stopMDNS()

	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()
		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("metrics server gracefully stopped")
		}
	}
}
