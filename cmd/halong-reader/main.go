// Command halong-reader serves the derived stores over HTTP and reports
// health over gRPC, reloading whenever the invalidation marker is set.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"halong/internal/api"
	"halong/internal/config"
	"halong/internal/marker"
	"halong/internal/store"
	"halong/internal/util"
)

func main() {
	cfgPath := "config/halong.yaml"
	if p := os.Getenv("HALONG_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logFileName := fmt.Sprintf("/tmp/halong-reader-%s.log", time.Now().Format("2006-01-02"))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("opening log file: %v", err)
	}
	defer logFile.Close()

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, io.MultiWriter(os.Stdout, logFile))
	util.SetDefault(logger)

	mk, err := marker.New(cfg.Marker)
	if err != nil {
		log.Fatalf("opening marker: %v", err)
	}
	if c, ok := mk.(io.Closer); ok {
		defer c.Close()
	}

	tables := store.NewLayout(cfg.Storage.DataDir).Open()
	cache := api.NewCache(tables, mk, cfg.Reader.MaxAge, logger)
	srv := api.NewServer(api.Options{
		HTTPAddr: cfg.Reader.HTTPAddr,
		GRPCAddr: cfg.Reader.GRPCAddr,
	}, cache, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("reader stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("reader stopped")
}
