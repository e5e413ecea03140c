// Command vdr runs a Verifiable Data Registry HTTP service (spec §4.8,
// §6), grounded on cmd/helm/main.go's testable Run(args, stdout, stderr)
// entrypoint and its DATABASE_URL-driven Postgres-or-fallback wiring.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/webplusdid/webplus/pkg/config"
	"github.com/webplusdid/webplus/pkg/store"
	"github.com/webplusdid/webplus/pkg/telemetry"
	"github.com/webplusdid/webplus/pkg/vdr"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: it builds the server and blocks until
// SIGINT/SIGTERM, returning a process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "health":
			return runHealthCmd(stdout, stderr)
		case "help", "--help", "-h":
			fmt.Fprintln(stdout, "Usage: vdr [health]")
			return 0
		}
	}

	cfg := config.LoadVDR()
	logger := slog.New(slog.NewTextHandler(stdout, nil))

	kv, closeStore, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "storage init failed: %v\n", err)
		return 1
	}
	defer closeStore()

	ctx := context.Background()
	tp, err := telemetry.New(ctx, telemetry.DefaultConfig("webplus-vdr"), logger)
	if err != nil {
		fmt.Fprintf(stderr, "telemetry init failed: %v\n", err)
		return 1
	}
	defer tp.Shutdown(ctx)

	srv := vdr.New(kv, cfg.GatewayURLs)
	srv.Logger = logger
	srv.Telemetry = tp
	srv.NotifyTimeout = cfg.NotifyTimeout
	if cfg.BearerSigningKey != "" {
		srv.Auth = vdr.NewJWTBearerAuth([]byte(cfg.BearerSigningKey))
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	go func() {
		logger.Info("vdr listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("vdr server failed", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("vdr shut down")
	return 0
}

func openStore(cfg *config.VDRConfig, logger *slog.Logger) (store.KV, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(store.Schema); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("postgres: connected")
	return store.NewPostgres(db), func() { db.Close() }, nil
}

func runHealthCmd(stdout, stderr io.Writer) int {
	resp, err := http.Get("http://localhost:" + config.LoadVDR().Port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
