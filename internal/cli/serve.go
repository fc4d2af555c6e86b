package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/tether/internal/engine"
	"github.com/lazypower/tether/internal/logging"
	"github.com/lazypower/tether/internal/metrics"
	"github.com/lazypower/tether/internal/notify"
	"github.com/lazypower/tether/internal/predict"
	"github.com/lazypower/tether/internal/profile"
	"github.com/lazypower/tether/internal/radio"
	"github.com/lazypower/tether/internal/server"
	"github.com/lazypower/tether/internal/trust"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the engine and HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ts, err := trust.New(db, cfg.Trust.DefaultCapabilities, log.Named("trust"), m)
	if err != nil {
		return fmt.Errorf("load trust records: %w", err)
	}

	model, err := predict.NewModel(cfg.Predict)
	if err != nil {
		log.Warn("prediction model unavailable, using fallback heuristic", zap.Error(err))
		model = nil
	}
	svc := predict.NewService(model, predict.Options{
		Timeout:           cfg.Predict.Timeout,
		FallbackThreshold: cfg.Predict.FallbackThresholdDBm,
		Logger:            log.Named("predict"),
		Metrics:           m,
	})

	drv, err := radio.NewDriver(cfg.Radio, log.Named("radio"))
	if err != nil {
		return fmt.Errorf("radio driver: %w", err)
	}
	if c, ok := drv.(io.Closer); ok {
		defer c.Close()
	}

	eng, err := engine.New(engine.Deps{
		DB:        db,
		Trust:     ts,
		Predictor: svc,
		Radio:     drv,
		Rules:     profile.NewRules(cfg.Profile),
		Logger:    log,
		Metrics:   m,
	}, engine.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	events, err := notify.Connect(cfg.Events, log)
	if err != nil {
		log.Warn("transition events disabled", zap.Error(err))
	}
	if events != nil {
		defer events.Close()
		eng.Observe(events)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Predict.Watch && cfg.Predict.ModelPath != "" {
		w, err := predict.NewWatcher(cfg.Predict.ModelPath, svc, log.Named("predict"))
		if err != nil {
			return fmt.Errorf("model watcher: %w", err)
		}
		if err := w.Start(gctx); err != nil {
			return fmt.Errorf("start model watcher: %w", err)
		}
		defer w.Stop()
	}

	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	srv := server.New(server.Deps{
		DB:        db,
		Engine:    eng,
		Predictor: svc,
		Metrics:   m,
		Logger:    log,
	}, VersionString())
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info("tether serving",
			zap.String("addr", addr),
			zap.String("db", db.Path),
			zap.String("radio", cfg.Radio.Driver),
			zap.Any("model", svc.Info()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
