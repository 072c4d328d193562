// Night walker: audits archived records directly against the catalog and
// the repository. With two arguments it audits that id range; with none it
// scans from id 1 until the end of the catalog.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"biblio-integrator/internal/config"
	"biblio-integrator/internal/mapping"
	"biblio-integrator/internal/repostore"
	"biblio-integrator/internal/sourcestore"
	"biblio-integrator/internal/walker"
)

func main() {
	flag.Parse()

	cfg := config.Load()
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

	catalog := sourcestore.NewKohaClient(cfg, logger)
	repo, err := repostore.NewDSpaceClient(cfg, logger)
	if err != nil {
		logger.Fatal("repository client", zap.Error(err))
	}

	rules := mapping.DefaultRules()
	if cfg.MappingRulesPath != "" {
		rules, err = mapping.LoadRules(cfg.MappingRulesPath)
		if err != nil {
			logger.Fatal("load mapping rules", zap.Error(err))
		}
	}
	engine, err := mapping.NewEngine(rules)
	if err != nil {
		logger.Fatal("compile mapping rules", zap.Error(err))
	}

	w := walker.New(catalog, repo, engine, logger)

	var report *walker.Report
	switch args := flag.Args(); len(args) {
	case 0:
		report, err = w.WalkAll(ctx)
	case 2:
		start, err1 := strconv.Atoi(args[0])
		end, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			logger.Fatal("range bounds must be integers", zap.Strings("args", args))
		}
		report, err = w.WalkRange(ctx, start, end)
	default:
		logger.Fatal("usage: walker [start end]")
	}
	if err != nil {
		logger.Error("walk interrupted", zap.Error(err))
	}
	if report != nil {
		logger.Info("audit report",
			zap.Int("scanned", report.Scanned),
			zap.Strings("zombies", report.Zombies),
			zap.Strings("synced", report.Synced),
			zap.Strings("sync_errors", report.SyncErrs))
		if len(report.Zombies) > 0 || len(report.SyncErrs) > 0 {
			os.Exit(1)
		}
	}
}
