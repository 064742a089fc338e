// Package runtime wires mascot processes together: telemetry, the bus, the
// stage and its control plane for mascotd, and the speech pipeline for the
// tool-facing binaries.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-mascot/internal/bus"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/natsserver"
	"github.com/loqalabs/loqa-mascot/internal/presence"
	"github.com/loqalabs/loqa-mascot/internal/protocol"
	"github.com/loqalabs/loqa-mascot/internal/server"
	"github.com/loqalabs/loqa-mascot/internal/stage"
	"github.com/loqalabs/loqa-mascot/internal/stage/manifest"
)

const readHeaderTimeout = 5 * time.Second

// Runtime is the stage daemon.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup
}

// New prepares a Runtime; nothing starts until Start.
func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until ctx is cancelled, then shuts everything down in reverse
// order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := SetupTelemetry(r.cfg, os.Stdout, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	busClient, err := bus.Connect(ctx, r.cfg.RuntimeName+"-stage", busCfg, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	nodeCfg := r.cfg.Node
	if nodeCfg.Role == "" {
		nodeCfg.Role = protocol.RoleRenderer
	}
	registry, err := presence.New(ctx, nodeCfg, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to join bus: %w", err)
	}
	defer registry.Close()

	m, err := loadManifest(r.cfg.Stage.Manifest, r.logger)
	if err != nil {
		return err
	}

	hub := server.NewHub(func(name string) {
		evt := protocol.AnimationFinished{Animation: name, Timestamp: time.Now().UTC()}
		if err := busClient.PublishJSON(protocol.SubjectAvatarFinished, evt); err != nil {
			r.logger.Warn("failed to relay finished event", slog.String("error", err.Error()))
		}
	}, r.logger)
	defer hub.Close()

	machine := stage.New(m, stage.Options{
		LerpFactor: r.cfg.Stage.LerpFactor,
		OnChange:   func(s stage.Snapshot) { hub.Broadcast(s) },
	}, r.logger)
	detach, err := stage.Attach(busClient, machine)
	if err != nil {
		return err
	}
	defer detach()
	machine.Start()
	defer machine.Close()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		stage.Run(ctx, machine, time.Duration(r.cfg.Stage.TickMS)*time.Millisecond)
	}()

	if r.cfg.Stage.Watch && r.cfg.Stage.Manifest != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			err := manifest.Watch(ctx, r.cfg.Stage.Manifest, func(next manifest.Manifest) {
				machine.Reload(inspectOrKeep(next, r.logger))
			}, r.logger)
			if err != nil {
				r.logger.Warn("manifest watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if r.cfg.HTTP.Enabled {
		srv := server.New(busClient, hub, server.Options{
			State:   func() any { return machine.Snapshot() },
			Metrics: metricsHandler,
			Ready:   func() bool { return r.ready.Load() && busClient.Healthy() },
		}, r.logger)
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
				cancel()
			}
		}()
		r.logger.Info("control plane listening", slog.String("addr", addr))
	} else {
		ServeMetrics(ctx, r.cfg.Telemetry.PrometheusBind, metricsHandler, r.logger)
	}

	r.ready.Store(true)
	r.logger.Info("stage started",
		slog.String("node_id", nodeCfg.ID),
		slog.Int("animations", len(m.Animations)))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("stage stopping")
	if r.httpServer != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

// loadManifest reads the animation catalog. A missing manifest is not fatal:
// the stage then holds the default pose.
func loadManifest(path string, logger *slog.Logger) (manifest.Manifest, error) {
	if path == "" {
		return manifest.Manifest{}, nil
	}
	m, err := manifest.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("animation manifest not found, holding default pose", slog.String("path", path))
			return manifest.Manifest{}, nil
		}
		return manifest.Manifest{}, fmt.Errorf("load animation manifest: %w", err)
	}
	if err := manifest.Validate(m); err != nil {
		return manifest.Manifest{}, fmt.Errorf("invalid animation manifest: %w", err)
	}
	return inspectOrKeep(m, logger), nil
}

// inspectOrKeep fills clip durations from the clip files when they can be
// read. Unreadable clips are the renderer's problem, so the manifest is kept.
func inspectOrKeep(m manifest.Manifest, logger *slog.Logger) manifest.Manifest {
	inspected, _, err := manifest.Inspect(m)
	if err != nil {
		logger.Warn("could not inspect animation clips", slog.String("error", err.Error()))
		return m
	}
	return inspected
}
