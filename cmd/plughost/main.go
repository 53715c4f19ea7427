package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/HerbHall/plughost/api/swagger"
	"github.com/HerbHall/plughost/internal/config"
	"github.com/HerbHall/plughost/internal/configstore"
	"github.com/HerbHall/plughost/internal/event"
	"github.com/HerbHall/plughost/internal/host"
	"github.com/HerbHall/plughost/internal/installer"
	"github.com/HerbHall/plughost/internal/manifest"
	"github.com/HerbHall/plughost/internal/plugins/example"
	"github.com/HerbHall/plughost/internal/registry"
	"github.com/HerbHall/plughost/internal/server"
	"github.com/HerbHall/plughost/internal/store"
	"github.com/HerbHall/plughost/internal/version"
	"github.com/HerbHall/plughost/internal/ws"
	"github.com/HerbHall/plughost/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			os.Exit(runInstall(os.Args[2:]))
		case "token":
			os.Exit(runToken(os.Args[2:]))
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	v, settings, logger := bootstrap(*configPath)
	defer func() { _ = logger.Sync() }()

	logger.Info("plughost starting", zap.String("version", version.Short()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, journal := openJournal(ctx, settings, logger)
	if db != nil {
		defer db.Close()
	}

	bus := event.NewBus(logger.Named("event"), event.WithMaxDepth(settings.Events.MaxDepth))
	conf := configstore.Open(settings.Host.ConfigDocument, logger.Named("configstore"))
	reg := registry.New(logger.Named("registry"))
	inst := installer.New(installerConfig(settings), conf, journal, logger.Named("installer"),
		installer.WithReservedIDs(func() []string {
			return append(builtinIDs(), reg.IDs()...)
		}),
	)

	h := host.New(host.Config{
		PluginDir:       settings.Host.PluginDir,
		BinDir:          settings.Host.BinDir,
		HostVersion:     version.Short(),
		TickInterval:    settings.Host.TickInterval,
		OverlayInterval: settings.Host.OverlayInterval,
	}, bus, conf, reg, logger.Named("host"),
		host.WithInstaller(inst),
		host.WithServices(&headlessServices{logger: logger.Named("services")}),
	)

	// Built-in plugins (compile-time composition).
	if err := h.RegisterBuiltin(example.Manifest, example.New); err != nil {
		logger.Fatal("failed to register builtin plugin", zap.Error(err))
	}

	if err := h.Start(ctx); err != nil {
		logger.Fatal("failed to start host", zap.Error(err))
	}
	if settings.Installer.ScanOnStart {
		if _, err := h.Rescan(ctx); err != nil {
			logger.Warn("startup install scan failed", zap.Error(err))
		}
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := h.Run(ctx); err != nil {
			logger.Error("host loop stopped", zap.Error(err))
		}
	}()

	srv, stream := startServer(v, h, journal, logger)

	logger.Info("plughost ready",
		zap.Int("plugins", len(h.Plugins())),
		zap.Int("active", len(reg.Active())),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		stream.Close()
	}

	cancel()
	<-runDone
	h.Stop(shutdownCtx)

	logger.Info("plughost stopped")
}

func bootstrap(configPath string) (*viper.Viper, *config.Settings, *zap.Logger) {
	v, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger from configuration.
	logger, err := config.NewLogger(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}
	return v, settings, logger
}

// openJournal opens the install journal database. An empty database.path
// disables the journal; a failure to open it is logged and tolerated.
func openJournal(ctx context.Context, settings *config.Settings, logger *zap.Logger) (*store.SQLiteStore, *installer.Journal) {
	path := settings.Database.Path
	if path == "" {
		logger.Info("install journal disabled", zap.String("component", "database"))
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn("install journal unavailable", zap.String("path", path), zap.Error(err))
			return nil, nil
		}
	}
	db, err := store.New(path)
	if err != nil {
		logger.Warn("install journal unavailable", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		if errors.Is(err, store.ErrNewerSchema) {
			logger.Fatal("database was written by a newer plughost", zap.Error(err))
		}
		logger.Warn("schema version check failed", zap.Error(err))
	}
	journal, err := installer.NewJournal(ctx, db)
	if err != nil {
		db.Close()
		logger.Warn("install journal unavailable", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	logger.Info("install journal opened", zap.String("component", "database"), zap.String("path", path))
	return db, journal
}

func installerConfig(s *config.Settings) installer.Config {
	return installer.Config{
		StagingDir:   s.Installer.StagingDir,
		ProcessedDir: s.Installer.ProcessedDir,
		PluginDir:    s.Host.PluginDir,
		MaxSuffix:    s.Installer.MaxSuffix,
		MaxFileSize:  s.Installer.MaxFileSize,
		MaxTotalSize: s.Installer.MaxTotalSize,
		MaxEntries:   s.Installer.MaxEntries,
	}
}

// builtinIDs returns the ids of the plugins compiled into the binary.
func builtinIDs() []string {
	var ids []string
	for _, data := range [][]byte{example.Manifest} {
		if m, err := manifest.Parse(data); err == nil {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// startServer starts the management API when server.enabled is set. It
// returns nil values otherwise.
func startServer(v *viper.Viper, h *host.Host, journal *installer.Journal, logger *zap.Logger) (*server.Server, *ws.Handler) {
	cfg, err := server.ConfigFrom(v)
	if err != nil {
		logger.Fatal("invalid server configuration", zap.Error(err))
	}
	if !cfg.Enabled {
		logger.Info("management API disabled", zap.String("component", "server"))
		return nil, nil
	}

	// A nil *Journal must not become a non-nil interface.
	var jobs server.JobLister
	if journal != nil {
		jobs = journal
	}

	ready := func(context.Context) error {
		if !h.Started() {
			return host.ErrNotStarted
		}
		return nil
	}

	stream := ws.NewHandler(h.Bus(), cfg.AllowedOrigins, logger.Named("ws"))
	srv := server.New(cfg, h, jobs, logger.Named("server"), ready, stream)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("management API ready", zap.String("addr", cfg.Addr()))
	return srv, stream
}

// headlessServices logs status updates when no display is attached.
type headlessServices struct {
	logger *zap.Logger
}

func (s *headlessServices) ExecPayload(_ context.Context, name string) error {
	s.logger.Warn("payload execution requested without a payload runner", zap.String("payload", name))
	return fmt.Errorf("payload %q: no payload runner attached", name)
}

func (s *headlessServices) SetStatus(text string) {
	s.logger.Info("status", zap.String("text", text))
}

func (s *headlessServices) Surface() plugin.Surface { return nullSurface{} }

type nullSurface struct{}

func (nullSurface) Size() (int, int) { return 0, 0 }

func (nullSurface) DrawText(int, int, string, string) {}
