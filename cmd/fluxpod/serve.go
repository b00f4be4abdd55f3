package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluxpod/fluxpod/internal/httpapi"
	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/backend/gpucloud"
	"github.com/fluxpod/fluxpod/pkg/backend/kubejob"
	"github.com/fluxpod/fluxpod/pkg/broker"
	"github.com/fluxpod/fluxpod/pkg/broker/redisbroker"
	"github.com/fluxpod/fluxpod/pkg/config"
	"github.com/fluxpod/fluxpod/pkg/container"
	"github.com/fluxpod/fluxpod/pkg/leaderelect"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/meter"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/processor"
	"github.com/fluxpod/fluxpod/pkg/scheduler"
	"github.com/fluxpod/fluxpod/pkg/security"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation engine, scheduler, and HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("cmd.serve")

	store, err := storage.NewBoltStore(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info().Str("path", cfg.StorePath).Msg("store opened")

	enc, err := newEncryptor(cfg.SecretEncKeyHex)
	if err != nil {
		return fmt.Errorf("init encryptor: %w", err)
	}

	backends, err := buildBackends(cfg)
	if err != nil {
		return fmt.Errorf("build backends: %w", err)
	}
	logger.Info().Int("count", len(backends)).Msg("backend platforms configured")

	var b broker.Broker
	if cfg.BrokerURL != "" {
		b = redisbroker.New(cfg.BrokerURL, cfg.BrokerPassword, 0)
		logger.Info().Str("type", cfg.BrokerType).Msg("broker connected")
	}

	emitter := meter.New(cfg.MeterSinkURL, cfg.MeterSinkToken)

	elector, err := buildElector(cfg)
	if err != nil {
		return fmt.Errorf("build leader elector: %w", err)
	}
	if elector != nil {
		logger.Info().Str("node_id", cfg.RaftNodeID).Msg("raft leader election enabled")
	}

	containerCfg := container.DefaultConfig()
	containerCfg.ObjectStorageBucket = cfg.ObjectStorageBucket
	containerCfg.ObjectStorageRegion = cfg.ObjectStorageRegion
	containerCfg.BrokerURL = cfg.BrokerURL
	containerCfg.AuthServerURL = cfg.AuthServerURL
	containerCfg.TailnetAuthKey = cfg.TunnelAPIKey
	containerCfg.RegistryAuthToken = cfg.RegistryAuthID

	containerReconciler := container.New(store, backends, enc, emitter, containerCfg)
	processorReconciler := processor.New(store, backends, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := containerReconciler.ReconcileOrphans(ctx); err != nil {
		logger.Warn().Err(err).Msg("orphan reconciliation on boot")
	} else {
		logger.Info().Msg("orphan reconciliation complete")
	}

	sched := scheduler.New(store, store, containerReconciler, processorReconciler, elector)
	go sched.Run(ctx)
	logger.Info().Dur("interval", scheduler.TickInterval).Msg("scheduler started")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	api := httpapi.New(store, b, enc, cfg.RootOwner)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServeAddr).Msg("http api listening")
		if err := http.ListenAndServe(cfg.ServeAddr, api); err != nil {
			errCh <- fmt.Errorf("http api server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal server error")
	}

	cancel()
	time.Sleep(200 * time.Millisecond) // let the scheduler's current tick's goroutines observe ctx.Done
	if b != nil {
		_ = b.Close()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func newEncryptor(keyHex string) (*security.Encryptor, error) {
	if keyHex == "" {
		return security.NewEncryptor(make([]byte, 32))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode secret_encryption_key as hex: %w", err)
	}
	return security.NewEncryptor(key)
}

func buildBackends(cfg *config.Config) (map[string]backend.Platform, error) {
	backends := map[string]backend.Platform{}

	if cfg.GPUCloudBaseURL != "" {
		backends["gpucloud"] = gpucloud.New(cfg.GPUCloudBaseURL, cfg.BackendAPIKey)
		backends[""] = backends["gpucloud"] // default platform when a request omits one
	}

	if cfg.KubeEnabled {
		kc, err := kubejob.New(kubejob.Config{
			Kubeconfig:        cfg.KubeConfigPath,
			Namespace:         cfg.KubeNamespace,
			StorageClass:      cfg.KubeStorageClass,
			RegistryAuthToken: cfg.RegistryAuthID,
		})
		if err != nil {
			return nil, fmt.Errorf("init kubejob backend: %w", err)
		}
		backends["kubejob"] = kc
		if _, ok := backends[""]; !ok {
			backends[""] = kc
		}
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no backend platform configured: set GPUCLOUD_BASE_URL or KUBE_ENABLED=true")
	}
	return backends, nil
}

func buildElector(cfg *config.Config) (leaderelect.Elector, error) {
	if !cfg.RaftEnabled {
		return nil, nil
	}
	return leaderelect.New(leaderelect.Config{
		NodeID:   cfg.RaftNodeID,
		BindAddr: cfg.RaftBindAddr,
		DataDir:  cfg.RaftDataDir,
	})
}
