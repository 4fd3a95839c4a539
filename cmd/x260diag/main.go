package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/api"
	"github.com/LoveWonYoung/x260diag/bench"
	"github.com/LoveWonYoung/x260diag/config"
	"github.com/LoveWonYoung/x260diag/logrecorder"
	"github.com/LoveWonYoung/x260diag/transport"
	"github.com/LoveWonYoung/x260diag/uds"
)

func main() {
	configPath := flag.String("config", "x260diag.yaml", "path to the YAML configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := logrecorder.New(cfg.LogDir, "x260diag_", logger)
	if err := recorder.Start(ctx); err != nil {
		logger.Warnf("log recorder unavailable, logging to stderr: %v", err)
	}
	log := logrus.NewEntry(logger)

	bus := transport.NewBus()
	defer bus.Close()

	benchMgr := bench.NewManager(bus, cfg.Bench.ReferenceDir, log)
	defer benchMgr.Close()
	if cfg.Bench.Enabled {
		if err := benchMgr.Toggle(true, cfg.Bench.ECUs); err != nil {
			logger.Fatalf("enable bench mode: %v", err)
		}
	}

	journal := uds.NewJournal(1000)
	server := api.NewServer(cfg, bus, benchMgr, journal, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			sigChan <- syscall.SIGTERM
		}
	}()
	log.WithField("addr", cfg.ListenAddr).Info("x260diag started")

	<-sigChan
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}
