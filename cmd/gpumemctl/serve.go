package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christerso/gpumem/config"
	gpumetrics "github.com/christerso/gpumem/metrics"
	"github.com/christerso/gpumem/internal/fakedevice"
	"github.com/christerso/gpumem/pkg/gpumem"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Heaps instance against the fake device and expose its utilization on /metrics",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "address to serve /metrics on")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	settings := config.Default(4)
	if cfgFile != "" {
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		settings = loaded
	}
	device := fakedevice.New()
	props := fakedevice.DefaultHeapsProperties()
	heaps := gpumem.NewHeaps(settings.HeapsConfig(), props, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(gpumetrics.NewRecorder(heaps))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: serveAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", serveAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gpumemctl: serve: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gpumemctl: shutdown: %w", err)
		}
		heaps.Clear(device)
	}
	return nil
}
