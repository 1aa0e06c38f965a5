package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ibz0q/homie-proxy/forwardproxy"
	"github.com/ibz0q/homie-proxy/internal/proxyconfig"
)

// shutdownGrace bounds how long forwardproxyd waits for in-flight relays
// to drain after a shutdown signal, the same grace-period idea as the
// teacher's caddy.go process-exit sequencing.
const shutdownGrace = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the instance config and serve the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configPath, addr)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "forwardproxyd.yaml", "path to the instance config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func runServer(ctx context.Context, configPath, addr string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	registry := forwardproxy.NewRegistry()
	if err := loadConfig(configPath, registry, logger); err != nil {
		return err
	}

	metrics := forwardproxy.NewMetrics(nil)
	handler := forwardproxy.NewHandler(registry, logger, metrics)
	router := buildRouter(handler, registry)

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("forwardproxyd listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig decodes configPath and installs every instance it describes
// into registry. Instances with construction errors (empty name, no usable
// tokens) abort startup before anything is installed; malformed CIDRs
// degrade per forwardproxy.New and are only logged.
func loadConfig(path string, registry *forwardproxy.Registry, logger *zap.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := proxyconfig.Decode(f, path)
	if err != nil {
		return err
	}
	insts := make([]*forwardproxy.Instance, 0, len(doc.Instances))
	for _, spec := range doc.Instances {
		inst, err := forwardproxy.New(spec.ToInstance(), logger)
		if err != nil {
			return err
		}
		insts = append(insts, inst)
	}
	for _, inst := range insts {
		registry.Put(inst)
		logger.Info("instance loaded", zap.String("instance", inst.Name))
	}
	return nil
}

// buildRouter wires the per-instance proxy path, a Prometheus scrape
// endpoint, and a liveness probe behind chi, the teacher's router of choice
// for its admin API (admin.go).
func buildRouter(handler *forwardproxy.Handler, registry *forwardproxy.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/debug/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registry.Snapshot())
	})

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/{instance}", func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, chi.URLParam(r, "instance"))
	})

	return r
}
