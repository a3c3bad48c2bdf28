package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	cmdflags "speechrnt-accel/internal/command/flags"
	"speechrnt-accel/internal/config"
	"speechrnt-accel/pkg/accel"
	"speechrnt-accel/pkg/api"
	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/flags"
	"speechrnt-accel/pkg/log"
	"speechrnt-accel/pkg/voice"
)

func NewCommand(cfg *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the accelerator daemon",
		PreRunE: func(c *cobra.Command, _ []string) error {
			flags.BindCommandToViper(c)

			logger := log.GetLogger(c.Context())
			logger.Infof("Starting acceld")

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmdflags.AddAPIServerFlagsToCommand(cmd, cfg)
	cmdflags.AddDeviceFlagsToCommand(cmd, cfg)
	cmdflags.AddAccelFlagsToCommand(cmd, cfg)
	cmdflags.AddMonitorFlagsToCommand(cmd, cfg)
	cmdflags.AddVoiceFlagsToCommand(cmd, cfg)

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logrus.StandardLogger()

	cfg.Accel.Streams.Concurrent = cfg.Accel.Streams.Count > 0

	fs := afero.NewOsFs()
	registry := prometheus.NewRegistry()

	a, err := accel.New(cfg.Accel, buildRuntime(cfg), engine.NewSimEngine(), fs, logger, registry)
	if err != nil {
		return fmt.Errorf("building accelerator: %w", err)
	}

	if err := a.Init(); err != nil {
		return fmt.Errorf("initializing accelerator: %w", err)
	}
	defer a.Cleanup()

	if cfg.DeviceID >= 0 {
		if err := a.SelectDevice(cfg.DeviceID); err != nil {
			return fmt.Errorf("selecting device %d: %w", cfg.DeviceID, err)
		}
	}

	a.StartMonitor(cfg.MonitorInterval)

	voices := voice.NewCatalog(logger)
	if cfg.VoiceDir != "" {
		if _, err := voices.Refresh(fs, cfg.VoiceDir); err != nil {
			logger.Warnf("Indexing voices: %v", err)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	wg := &sync.WaitGroup{}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !cfg.DisableAPI {
		router := api.NewRouter(a, voices, logger, registry)
		server := &http.Server{
			Addr:    cfg.HTTPAPIEndpoint,
			Handler: router.Engine(),
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			logger.Infof("HTTP API listening on %s", cfg.HTTPAPIEndpoint)

			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("HTTP API server failed: %v", err)
				cancel()
			}
		}()

		wg.Add(1)

		go func() {
			defer wg.Done()

			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("HTTP API shutdown: %v", err)
			}
		}()
	}

	select {
	case <-sigChan:
		logger.Info("Received signal, shutting down")
		cancel()
	case <-ctx.Done():
	}

	wg.Wait()

	return nil
}

func buildRuntime(cfg *config.Config) cuda.Runtime {
	devices := make([]cuda.SimDevice, 0, cfg.SimGPUs)
	for i := 0; i < cfg.SimGPUs; i++ {
		devices = append(devices, cuda.DefaultSimDevice())
	}

	return cuda.NewSimRuntime(devices...)
}
