package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"go.uber.org/zap"

	"github.com/dashctl/dashctl/internal/api"
	"github.com/dashctl/dashctl/internal/homekit"
	"github.com/dashctl/dashctl/internal/logging"
	"github.com/dashctl/dashctl/internal/metrics"
	"github.com/dashctl/dashctl/internal/mqttbridge"
	"github.com/dashctl/dashctl/pkg/catalog"
)

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	listen := fs.String("listen", "", "Local API address (overrides LISTEN_ADDR)")
	e := setup(fs, args)
	defer e.close()

	cfg := e.cfg
	if *listen != "" {
		cfg.ListenAddr = *listen
	}

	logging.Info("starting dashctl",
		zap.String("device", cfg.DeviceURL),
		zap.Duration("heartbeat", cfg.HeartbeatInterval),
		zap.Int("failure_threshold", cfg.HeartbeatFailures))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initial sync; a dead device is reported but does not stop startup.
	initCtx, initCancel := context.WithTimeout(ctx, 4*cfg.Timeout)
	if _, err := e.ctrl.Refresh(initCtx); err != nil {
		logging.Warn("initial state sync failed", zap.Error(err))
	}
	cat := catalog.New(e.client, e.ctrl.Guard)
	if _, err := fetchCatalog(initCtx, cat); err != nil {
		logging.Warn("initial file list failed", zap.Error(err))
	}
	initCancel()

	e.ctrl.Start(ctx)
	defer e.ctrl.Stop()

	var archiver api.Archiver
	if cfg.ArchiveEnabled() {
		arch, err := newArchiver(ctx, e)
		if err != nil {
			logging.Fatal("failed to initialize archive", zap.Error(err))
		}
		archiver = arch
		logging.Info("archive enabled",
			zap.String("bucket", cfg.S3Bucket),
			zap.String("prefix", cfg.S3Prefix))
	}

	var wg sync.WaitGroup

	if cfg.MQTTEnabled() {
		uri, err := url.Parse(cfg.MQTTBrokerURI)
		if err != nil {
			logging.Fatal("invalid MQTT_BROKER_URI", zap.Error(err))
		}
		client, err := mqttbridge.Connect(cfg.MQTTClientID, uri, cfg.MQTTTopic)
		if err != nil {
			logging.Fatal("failed to connect to mqtt broker", zap.Error(err))
		}
		bridge := mqttbridge.New(client, e.ctrl, cfg.MQTTTopic)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				logging.Error("mqtt bridge stopped", zap.Error(err))
			}
			client.Disconnect(250)
		}()
	}

	if cfg.HomeKitEnabled {
		acc := homekit.NewAccessory(accessory.Info{
			Name:         "Dashcam",
			Manufacturer: "dashctl",
			Model:        "Wi-Fi dashcam",
		}, e.ctrl)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := acc.Serve(ctx, hc.Config{
				Pin:         cfg.HomeKitPin,
				StoragePath: cfg.HomeKitStorage,
				Port:        cfg.HomeKitPort,
			})
			if err != nil {
				logging.Error("homekit accessory failed", zap.Error(err))
			}
		}()
	}

	srv := api.NewServer(e.ctrl, cat, archiver)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
	}()

	logging.Info("api listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}

	wg.Wait()
}
