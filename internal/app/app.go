package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"blunav/positioning-server/internal/config"
	"blunav/positioning-server/internal/ingest"
	"blunav/positioning-server/internal/model"
	"blunav/positioning-server/internal/positioning"
	"blunav/positioning-server/internal/store"

	"github.com/grandcat/zeroconf"
)

// App wires together the Blunav services and manages their lifecycle.
type App struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	engine     *positioning.Engine
	subscriber *ingest.Subscriber
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	rssiModel, err := buildModel(a.cfg)
	if err != nil {
		return err
	}

	registry := positioning.NewRegistry()
	if anchors, err := config.LoadAnchors(a.cfg.AnchorsFile); err != nil {
		a.logger.Warn("anchor plan not loaded; registry starts empty", "file", a.cfg.AnchorsFile, "error", err)
	} else {
		for _, spec := range anchors {
			if err := registry.Add(positioning.Anchor{ID: spec.ID, Name: spec.Name, X: spec.X, Y: spec.Y, Z: spec.Z}); err != nil {
				return fmt.Errorf("register anchor %s: %w", spec.ID, err)
			}
		}
		a.logger.Info("anchor plan loaded", "file", a.cfg.AnchorsFile, "anchors", registry.Len())
	}

	a.engine = positioning.NewEngine(registry, rssiModel)
	a.logger.Info("positioning engine ready", "model", rssiModel.Description(), "anchors", registry.Len())

	if a.cfg.MQTTBrokerURL != "" {
		a.subscriber = ingest.New(a.cfg.MQTTBrokerURL, a.cfg.MQTTTopicPrefix, a.store, a.logger)
		if err := a.subscriber.Start(ctx); err != nil {
			return err
		}
		defer a.subscriber.Stop()
	}

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement failed", "error", err)
	} else {
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	}
}

func buildModel(cfg config.Config) (positioning.RSSIModel, error) {
	unit := positioning.Centimeter
	if cfg.DistanceUnit == "m" {
		unit = positioning.Meter
	}

	switch cfg.RSSIModel {
	case "log_distance":
		return positioning.LogDistance(cfg.RSSIRef, cfg.PathLossExp, unit), nil
	default:
		m, err := positioning.PythonFit(cfg.RSSIRef, cfg.RSSISlope, cfg.PathLossExp, unit)
		if err != nil {
			return positioning.RSSIModel{}, fmt.Errorf("build rssi model: %w", err)
		}
		return m, nil
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/locate", a.handleLocate)
	mux.HandleFunc("/api/beacons", a.handleBeacons)
	mux.HandleFunc("/api/beacons/", a.handleBeaconByID)
	mux.HandleFunc("/api/position/live", a.handleLivePosition)
	mux.HandleFunc("/api/fixes", a.handleRecentFixes)
	mux.HandleFunc("/api/readings", a.handleRecentReadings)
	return mux
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// mapFailure translates an engine failure into response envelope fields.
func mapFailure(err error) (status string, code int, message string) {
	switch {
	case errors.Is(err, positioning.ErrInvalidInput),
		errors.Is(err, positioning.ErrTooFewSignals),
		errors.Is(err, positioning.ErrBadOption):
		return model.StatusBadRequest, model.CodeBadRequest, "invalid positioning request"
	case errors.Is(err, positioning.ErrDegenerateGeometry),
		errors.Is(err, positioning.ErrDiverged),
		errors.Is(err, positioning.ErrLowConfidence):
		return model.StatusPositioningFailed, model.CodePositioningFailed, "positioning failed"
	default:
		return model.StatusServerError, model.CodeServerError, "internal error"
	}
}
