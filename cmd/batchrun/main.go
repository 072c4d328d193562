// Batch robot: reads a candidates file and archives every record in it,
// one at a time, through a running integrator instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"biblio-integrator/internal/batch"
	"biblio-integrator/internal/config"
)

func main() {
	var (
		file   = flag.String("file", "candidates.txt", "candidates file with record ids, lists, and ranges")
		apiURL = flag.String("api", "", "integrator base URL (defaults to the local instance)")
	)
	flag.Parse()

	cfg := config.Load()
	baseURL := *apiURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%s", cfg.HTTPPort)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	ids, err := batch.LoadCandidates(*file)
	if err != nil {
		logger.Fatal("read candidates", zap.String("file", *file), zap.Error(err))
	}
	if len(ids) == 0 {
		logger.Warn("no candidates found, nothing to do", zap.String("file", *file))
		return
	}

	runner := batch.NewRunner(baseURL, cfg.APIToken, logger)
	stats := runner.Run(ctx, ids)

	if stats[batch.OutcomeFailed]+stats[batch.OutcomeTimeout]+stats[batch.OutcomeConnErr] > 0 {
		os.Exit(1)
	}
}
