package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openarcade/leaderboard-engine/modules/engine"
	"github.com/openarcade/leaderboard-engine/pkg/util/log"
)

const appName = "leaderboard-engine"

func main() {
	config, err := loadConfig()
	if err != nil {
		level.Error(log.Logger).Log("msg", "failed parsing config", "err", err)
		os.Exit(1)
	}

	logger := log.InitLogger(config.LogFormat, config.LogLevel)

	if err := config.Engine.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer

	eng, err := engine.New(config.Engine, logger, reg)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising engine", "err", err)
		os.Exit(1)
	}

	admin := newAdminServer(config.HTTPListenAddress, eng)
	go func() {
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "admin server failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	level.Info(logger).Log("msg", "starting "+appName)
	if err := services.StartAndAwaitRunning(ctx, eng); err != nil {
		level.Error(logger).Log("msg", "error starting engine", "err", err)
		os.Exit(1)
	}

	// Wait for a shutdown signal or an engine failure.
	select {
	case <-ctx.Done():
		level.Info(logger).Log("msg", "shutdown signal received")
	case <-terminated(eng):
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = admin.Shutdown(shutdownCtx)
	if err := services.StopAndAwaitTerminated(shutdownCtx, eng); err != nil {
		level.Error(logger).Log("msg", "engine terminated with error", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", appName+" stopped")
}

func terminated(eng *engine.Engine) <-chan struct{} {
	ch := make(chan struct{})
	eng.AddListener(services.NewListener(nil, nil, nil, func(_ services.State) {
		close(ch)
	}, func(_ services.State, _ error) {
		close(ch)
	}))
	return ch
}

func newAdminServer(addr string, eng *engine.Engine) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !eng.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	return &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
