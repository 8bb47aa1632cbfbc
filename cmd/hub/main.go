// Package main implements the bookmesh hub: the coordinator process
// holding the authoritative membership registry, issuing ids, electing the
// leader, and pushing membership and leader changes to every store server.
//
// Configuration:
//   - HUB_ADDR: listen address (default ":8080")
//   - HUB_DB: path to the durable registry database (default "hub.db")
//   - HUB_CHECK_INTERVAL: leader health check interval (default "60s")
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/bookmesh/internal/hub"
	"github.com/dreamware/bookmesh/internal/remote"
)

// refererHub is the address the hub presents as its provenance on
// outbound calls; the hub has no registered base URL of its own.
const refererHub = "HUB"

func main() {
	addr := getenv("HUB_ADDR", ":8080")
	dbPath := getenv("HUB_DB", "hub.db")
	interval := getdur("HUB_CHECK_INTERVAL", 60*time.Second)

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	caller := remote.NewClient(remote.Config{Timeout: 3 * time.Second}, refererHub, log)
	coord, err := hub.Open(dbPath, caller, log)
	if err != nil {
		log.Fatal("open registry", zap.Error(err))
	}
	defer coord.Close()

	monitor := hub.NewMonitor(coord, interval, log)
	go monitor.Start()

	srv := newServer(coord, log)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("hub listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Info("hub stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
