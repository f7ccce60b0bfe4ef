package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/noah-isme/health-assessment-client/internal/service"
	"github.com/noah-isme/health-assessment-client/pkg/config"
	"github.com/noah-isme/health-assessment-client/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := service.NewAssessmentClient(service.AssessmentClientConfig{
		BaseURL:           cfg.Assessment.BaseURL,
		Timeout:           cfg.Assessment.Timeout,
		RequestsPerSecond: cfg.Assessment.RequestsPerSecond,
		PollInterval:      cfg.Polling.Interval,
		PollTimeout:       cfg.Polling.Timeout,
	}, nil, logr)

	a := &app{
		client:  client,
		exports: service.NewExportService(logr, nil, nil),
		batch: service.NewBatchService(client, service.BatchConfig{
			Workers:    cfg.Batch.Workers,
			BufferSize: cfg.Batch.BufferSize,
		}, logr),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}

	if err := a.run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "assess: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}
