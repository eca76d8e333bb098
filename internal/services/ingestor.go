package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/metrics"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/query"
	"go.uber.org/zap"
)

// Ingestor brings camera exposures from the data directory into the
// exposure collection. Each file's header is translated into document
// columns and its pixels evaluated into quality metrics; files whose
// metrics fail stay eligible for retry on later passes.
//
// Besides the periodic scan, a filesystem watcher triggers an immediate
// pass when new files land, so exposures appear in the store seconds
// after the cameras write them.
type Ingestor struct {
	*ProcessQueue

	exposures  ExposureStore
	translator *fits.HeaderTranslator
	directory  string
}

// NewIngestor builds the ingestion service for the configured data
// directory.
func NewIngestor(cfg *config.Config, exposures ExposureStore, events *bus.Publisher, logger *zap.SugaredLogger) *Ingestor {
	ing := &Ingestor{
		exposures:  exposures,
		translator: fits.NewHeaderTranslator(cfg),
		directory:  cfg.Directories.Data,
	}
	ing.ProcessQueue = NewProcessQueue("ingestor", ing, cfg.Services, events, logger)
	return ing
}

// Run starts the directory watcher alongside the queue loop.
func (i *Ingestor) Run(ctx context.Context) error {
	if err := os.MkdirAll(i.directory, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create directory watcher: %w", err)
	}
	defer watcher.Close()

	if err := i.addWatchesRecursive(watcher, i.directory); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go i.watch(watchCtx, watcher)

	return i.ProcessQueue.Run(ctx)
}

// watch converts filesystem events into discovery kicks. New
// directories are added to the watch set so nightly subdirectories get
// covered as the cameras create them.
func (i *Ingestor) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := i.addWatchesRecursive(watcher, ev.Name); err != nil {
					i.logger.Warnf("ingestor: failed to watch %s: %v", ev.Name, err)
				}
				i.Kick()
				continue
			}
			if fits.IsFITSFile(ev.Name) {
				i.Kick()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			i.logger.Warnf("ingestor: watcher error: %v", err)
		}
	}
}

func (i *Ingestor) addWatchesRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// NextObjects returns the FITS files on disk that have no successfully
// ingested document yet.
func (i *Ingestor) NextObjects(ctx context.Context) ([]string, error) {
	onDisk, err := i.listFiles()
	if err != nil {
		return nil, err
	}

	criteria, err := query.FromSpec(map[string]map[string]any{
		document.KeyMetrics + "." + document.MetricSuccessFlag: {"equals": true},
	})
	if err != nil {
		return nil, err
	}
	ingested, err := i.exposures.FindValues(ctx, document.KeyFilename, nil,
		&mongodb.FindOptions{Criteria: criteria})
	if err != nil {
		return nil, fmt.Errorf("failed to list ingested files: %w", err)
	}

	done := make(map[string]struct{}, len(ingested))
	for _, v := range ingested {
		if name, ok := v.(string); ok {
			done[name] = struct{}{}
		}
	}

	files := make([]string, 0, len(onDisk))
	for _, name := range onDisk {
		if _, ok := done[name]; !ok {
			files = append(files, name)
		}
	}
	return files, nil
}

// Process ingests a single exposure: the parsed header and quality
// metrics are upserted keyed on filename. An exposure whose metrics
// did not all evaluate is recorded but reported as an error, so it is
// retried until the metrics succeed or an operator intervenes.
func (i *Ingestor) Process(ctx context.Context, filename string) error {
	img, hdr, err := fits.ReadImage(filename)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	parsed, err := i.translator.ParseHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to parse header of %s: %w", filename, err)
	}

	dataType := parsed.GetString(document.KeyDataType)
	rawMetrics := metrics.EvaluateRaw(filename, img, hdr, dataType, i.logger)

	update := parsed.Copy()
	update.Set(document.KeyFilename, filename)
	update.Set(document.KeyMetrics, rawMetrics)

	match := document.Document{document.KeyFilename: filename}
	if err := i.exposures.Update(ctx, match, update, true); err != nil {
		return fmt.Errorf("failed to store %s: %w", filename, err)
	}

	if ok, _ := rawMetrics[document.MetricSuccessFlag].(bool); !ok {
		return fmt.Errorf("metric evaluation unsuccessful for %s", filename)
	}
	return nil
}

// listFiles walks the data directory collecting FITS files. A missing
// directory is treated as empty rather than an error, since the mount
// may briefly disappear during camera restarts.
func (i *Ingestor) listFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(i.directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() && fits.IsFITSFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", i.directory, err)
	}
	return files, nil
}
