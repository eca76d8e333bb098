// Command huntsman-drp runs the data reduction pipeline daemons and the
// status API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/api"
	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/butler"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/ngas"
	"github.com/huntsman-array/huntsman-drp/internal/refcat"
	"github.com/huntsman-array/huntsman-drp/internal/services"
	"github.com/huntsman-array/huntsman-drp/internal/version"
)

var (
	configRoot  = flag.String("config-root", "", "configuration root (overrides "+config.EnvRootDir+")")
	testMode    = flag.Bool("testing", false, "merge config/testing.yaml over the base configuration")
	listen      = flag.String("listen", "", "status API listen address (overrides services.listen_addr)")
	serviceList = flag.String("services", "", "comma-separated services to run (default all)")
	verbose     = flag.Bool("verbose", false, "debug logging")
)

// daemon is the lifecycle surface shared by the pipeline services.
type daemon interface {
	Name() string
	Run(ctx context.Context) error
	Status() services.Status
}

func main() {
	flag.Parse()

	cfg, err := config.Load(config.Options{RootDir: *configRoot, Testing: *testMode})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Options{Verbose: *verbose, LogDir: cfg.Directories.Log})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()
	logging.SetDefault(logger)

	logger.Infof("huntsman-drp %s (%s) starting: site=%s root=%s",
		version.Version, version.GitSHA, cfg.Site.Name, cfg.Directories.Root)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	client, err := mongodb.Connect(connectCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatalf("failed to connect to document store: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warnf("error closing document store: %v", err)
		}
	}()

	events, err := bus.Connect(cfg, logger)
	if err != nil {
		// The pipeline never stops for the bus.
		logger.Warnf("event bus unavailable: %v", err)
		events = nil
	}
	defer events.Close()

	exposures := client.RawExposures()
	calibs := client.MasterCalibs()

	var archive services.Archiver
	if cfg.NGAS.Hostname != "" {
		// Zero timeout: archive pushes stream whole master frames.
		archive = ngas.NewClient(cfg, httputil.NewClient(0), logger)
	}

	var cone services.ConeSearcher
	if cfg.RefCat.TapURL != "" {
		cone = refcat.NewClient(cfg, httputil.NewClient(httputil.DefaultTimeout), logger)
	}

	daemons, err := selectServices(*serviceList, []daemon{
		services.NewIngestor(cfg, exposures, events, logger),
		services.NewScreener(cfg, exposures, events, logger),
		services.NewMasterCalibMaker(cfg, exposures, calibs, archive, events, logger),
		services.NewCalexpQualityMonitor(cfg, exposures, calibs, cone, events, logger),
		services.NewPlotter(cfg, exposures, calibs, events, logger),
	})
	if err != nil {
		logger.Fatalf("%v", err)
	}

	repoRoot := cfg.Butler.Directory
	if repoRoot == "" {
		repoRoot = cfg.Directories.Archive
	}
	repo, err := butler.NewRepository(cfg, repoRoot, logger)
	if err != nil {
		logger.Fatalf("failed to open butler repository: %v", err)
	}
	defer repo.Close()

	// The registry is a rebuildable index; pick up masters archived by
	// earlier runs before the services start consulting it.
	if err := sweepArchivedCalibs(ctx, repo, logger); err != nil {
		logger.Warnf("archive sweep failed: %v", err)
	}

	var wg sync.WaitGroup
	for _, svc := range daemons {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorf("%s terminated: %v", svc.Name(), err)
			}
			logger.Infof("%s stopped", svc.Name())
		}()
	}

	apiServices := make([]api.Service, 0, len(daemons))
	for _, svc := range daemons {
		apiServices = append(apiServices, svc)
	}
	server := api.NewServer(cfg, apiServices, exposures, calibs, repo, logger)

	addr := *listen
	if addr == "" {
		addr = cfg.Services.GetListenAddr()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		httpServer := &http.Server{
			Addr:    addr,
			Handler: server.LoggingMiddleware(server.ServeMux()),
		}

		go func() {
			logger.Infof("status API listening on %s", addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("status API failed: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("status API shutdown: %v", err)
		}
	}()

	wg.Wait()
	logger.Info("graceful shutdown complete")
}

// selectServices filters the built daemons down to the -services flag,
// keeping all of them when the flag is empty.
func selectServices(spec string, all []daemon) ([]daemon, error) {
	if strings.TrimSpace(spec) == "" {
		return all, nil
	}

	byName := make(map[string]daemon, len(all))
	known := make([]string, 0, len(all))
	for _, svc := range all {
		byName[svc.Name()] = svc
		known = append(known, svc.Name())
	}
	sort.Strings(known)

	var picked []daemon
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		svc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown service %q (known: %s)", name, strings.Join(known, ", "))
		}
		picked = append(picked, svc)
	}
	if len(picked) == 0 {
		return nil, fmt.Errorf("no services selected by %q", spec)
	}
	return picked, nil
}

// sweepArchivedCalibs registers master calib files already present in
// the archive tree, so a rebuilt registry knows about them. Ingestion
// skips files it has seen, making the sweep safe on every start.
func sweepArchivedCalibs(ctx context.Context, repo *butler.Repository, logger *zap.SugaredLogger) error {
	logger = logging.OrDefault(logger)
	calibDir := filepath.Join(repo.Root(), "calib")

	var found []string
	err := filepath.WalkDir(calibDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !fits.IsFITSFile(path) {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}

	logger.Infof("registering %d archived master calibs", len(found))
	return repo.IngestMasterCalibs(ctx, found)
}
