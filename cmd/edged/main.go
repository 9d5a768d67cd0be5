// edged runs computer-vision detectors at the edge, answering high-confidence
// predictions locally and escalating the rest to a remote review service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/opticworks/edged/detector"
	"github.com/opticworks/edged/httpapi"
	"github.com/opticworks/edged/inference"
	"github.com/opticworks/edged/modelstore"
	"github.com/opticworks/edged/modelsync"
	"github.com/opticworks/edged/runtime"
)

func main() {
	var configPath, onnxLibPath string
	flag.StringVar(&configPath, "config", "/etc/edged/config.json", "path to runtime config")
	flag.StringVar(&onnxLibPath, "onnxruntime", "", "path to the onnxruntime shared library")
	flag.Parse()

	logger := golog.NewLogger("edged")
	if err := realMain(configPath, onnxLibPath, logger); err != nil {
		logger.Fatal(err)
	}
}

func realMain(configPath, onnxLibPath string, logger golog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := detector.ReadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := modelstore.NewStore(cfg.DataDir, logger.Named("modelstore"))
	if err != nil {
		return err
	}

	backend, err := inference.NewONNXBackend(onnxLibPath)
	if err != nil {
		return err
	}
	engine := inference.NewEngine(store, backend, cfg.SessionCacheSlots, logger.Named("inference"))

	clk := clock.New()
	resolver := modelsync.NewResolver(
		store,
		modelsync.NewHTTPSource(cfg.ManifestURL),
		clk,
		modelsync.Options{DownloadTimeout: cfg.DownloadTimeout()},
		logger.Named("modelsync"),
	)

	var escalator runtime.Escalator = runtime.NoopEscalator{}
	if cfg.ReviewServiceURL != "" {
		escalator = runtime.NewHTTPEscalator(cfg.ReviewServiceURL, logger.Named("escalator"))
	}

	coordinator, err := runtime.NewCoordinator(
		ctx, store, resolver, engine, escalator, clk, cfg.RefreshInterval(), logger.Named("runtime"))
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(coordinator.Close())
	}()
	if err := coordinator.Reconfigure(cfg.Profiles); err != nil {
		return err
	}

	watcher, err := detector.NewWatcher(ctx, configPath, logger.Named("config"))
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(watcher.Close())
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-watcher.Config():
				if !ok {
					return
				}
				logger.Infow("config changed, reloading detector profiles", "detectors", len(newCfg.Profiles))
				if err := coordinator.Reconfigure(newCfg.Profiles); err != nil {
					logger.Errorw("profile reload failed, keeping previous set", "error", err)
				}
			}
		}
	}()

	server := httpapi.NewServer(coordinator, logger.Named("httpapi"))
	httpServer := &http.Server{
		Addr:        cfg.BindAddress,
		Handler:     server.Handler(),
		ReadTimeout: time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("edged listening", "address", cfg.BindAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
