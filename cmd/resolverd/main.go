// Command resolverd runs a resolver/verified-cache engine HTTP service
// (spec §4.7), grounded on cmd/helm/main.go's testable
// Run(args, stdout, stderr) entrypoint.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/webplusdid/webplus/pkg/config"
	"github.com/webplusdid/webplus/pkg/resolver"
	"github.com/webplusdid/webplus/pkg/store"
	"github.com/webplusdid/webplus/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "help", "--help", "-h":
			fmt.Fprintln(stdout, "Usage: resolverd")
			return 0
		}
	}

	cfg := config.LoadResolver()
	logger := slog.New(slog.NewTextHandler(stdout, nil))

	ctx := context.Background()
	tp, err := telemetry.New(ctx, telemetry.DefaultConfig("webplus-resolverd"), logger)
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init failed: %v\n", err)
		return 1
	}
	defer tp.Shutdown(ctx)

	fetcher := resolver.NewHTTPVDRFetcher(cfg.VDRBaseURL)
	res := resolver.New(store.NewMemory(), fetcher)
	res.Strategy = resolver.Strategy(cfg.FetchStrategy)
	res.Parallelism = cfg.FetchConcurrency
	res.Logger = logger
	res.Telemetry = tp
	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "invalid REDIS_URL: %v\n", err)
			return 1
		}
		res.Cache = resolver.NewRedisCache(goredis.NewClient(opts))
		logger.Info("redis shared cache enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/resolve", resolver.NewHandler(res))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("resolverd listening", "addr", httpSrv.Addr, "vdr", cfg.VDRBaseURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("resolverd server failed", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("resolverd shut down")
	return 0
}
