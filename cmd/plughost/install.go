package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/HerbHall/plughost/internal/configstore"
	"github.com/HerbHall/plughost/internal/installer"
	"github.com/tidwall/pretty"
	"go.uber.org/zap"
)

// runInstall runs one installer pass over the staging directory and prints
// the resulting jobs as JSON. The exit code is 1 when any archive was not
// installed.
func runInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	_ = fs.Parse(args)

	_, settings, logger := bootstrap(*configPath)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, journal := openJournal(ctx, settings, logger)
	if db != nil {
		defer db.Close()
	}

	conf := configstore.Open(settings.Host.ConfigDocument, logger.Named("configstore"))
	inst := installer.New(installerConfig(settings), conf, journal, logger.Named("installer"),
		installer.WithReservedIDs(builtinIDs),
	)

	jobs, err := inst.ScanAndInstall(ctx)
	if err != nil {
		logger.Error("install scan failed", zap.Error(err))
	}

	if jobs == nil {
		jobs = []*installer.Job{}
	}
	out, merr := json.Marshal(jobs)
	if merr != nil {
		logger.Error("encode jobs", zap.Error(merr))
		return 1
	}
	fmt.Print(string(pretty.Pretty(out)))

	failed := err != nil
	for _, job := range jobs {
		if job.Outcome != installer.OutcomeInstalled {
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}
