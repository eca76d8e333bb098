package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/butler"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// MasterCalibMaker keeps the master calib library current. Work objects
// are observation dates: for each date the maker derives the implied
// master calibs from screened raw exposures, decides which are missing
// or stale, builds them in a throwaway repository and archives the
// results.
//
// A master is rebuilt when its document is missing, its file is gone,
// or a contributing raw was modified after the master was recorded.
// Rebuilding a calib also rebuilds the later-type calibs derived from
// it, so a new bias propagates into its flats.
type MasterCalibMaker struct {
	*ProcessQueue

	cfg       *config.Config
	exposures ExposureStore
	calibs    CalibStore
	archive   Archiver
	dateKey   string
}

// NewMasterCalibMaker builds the calib maintenance service. archive may
// be nil to keep masters on local disk only.
func NewMasterCalibMaker(cfg *config.Config, exposures ExposureStore, calibs CalibStore, archive Archiver, events *bus.Publisher, logger *zap.SugaredLogger) *MasterCalibMaker {
	m := &MasterCalibMaker{
		cfg:       cfg,
		exposures: exposures,
		calibs:    calibs,
		archive:   archive,
		dateKey:   cfg.MongoDB.GetDateKey(),
	}
	m.ProcessQueue = NewProcessQueue("calib-maker", m, cfg.Services, events, logger)
	return m
}

// NextObjects returns the unique observation dates of screened
// exposures passing quality cuts, oldest first.
func (m *MasterCalibMaker) NextObjects(ctx context.Context) ([]string, error) {
	docs, err := m.exposures.Find(ctx, nil, &mongodb.FindOptions{Screened: true, Quality: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list screened exposures: %w", err)
	}

	seen := make(map[string]struct{})
	var dates []string
	for _, doc := range docs {
		date, ok := doc.GetTime(m.dateKey)
		if !ok {
			continue
		}
		ymd := timeutil.DateToYMD(date)
		if _, ok := seen[ymd]; ok {
			continue
		}
		seen[ymd] = struct{}{}
		dates = append(dates, ymd)
	}
	sort.Strings(dates)
	return dates, nil
}

// calibJob is the per-master decision state for one date.
type calibJob struct {
	doc      document.Document
	raws     []document.Document
	existing document.Document
	canBuild bool
	rebuild  bool
}

// Process brings the master calibs for one observation date up to date.
func (m *MasterCalibMaker) Process(ctx context.Context, dateStr string) error {
	calibDate, err := timeutil.ParseDate(dateStr)
	if err != nil {
		return fmt.Errorf("invalid calib date %q: %w", dateStr, err)
	}

	calibDocs, err := m.exposures.GetCalibDocs(ctx, calibDate)
	if err != nil {
		return fmt.Errorf("failed to derive calib documents for %s: %w", dateStr, err)
	}
	if len(calibDocs) == 0 {
		return nil
	}

	jobs := make([]*calibJob, 0, len(calibDocs))
	for _, doc := range calibDocs {
		job, err := m.classify(ctx, doc, calibDate)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	m.promoteDependents(jobs)

	var toBuild []*calibJob
	var existingMasters []string
	for _, job := range jobs {
		switch {
		case job.rebuild:
			toBuild = append(toBuild, job)
		case job.existing != nil:
			if name := job.existing.GetString(document.KeyFilename); name != "" {
				if _, err := os.Stat(name); err == nil {
					existingMasters = append(existingMasters, name)
				}
			}
		}
	}
	if len(toBuild) == 0 {
		m.logger.Debugf("calib-maker: master calibs current for %s", dateStr)
		return nil
	}
	m.logger.Infof("calib-maker: building %d master calibs for %s", len(toBuild), dateStr)

	repo, err := butler.NewTemporaryRepository(m.cfg, "calib-job", m.logger)
	if err != nil {
		return fmt.Errorf("failed to create temporary repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			m.logger.Warnf("calib-maker: failed to remove temporary repository: %v", err)
		}
	}()

	var rawPaths []string
	seen := make(map[string]struct{})
	for _, job := range toBuild {
		for _, raw := range job.raws {
			name := raw.GetString(document.KeyFilename)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			rawPaths = append(rawPaths, name)
		}
	}

	if err := repo.IngestRaw(ctx, rawPaths); err != nil {
		return fmt.Errorf("failed to ingest raw calibs: %w", err)
	}
	// Current masters of earlier types feed the rebuilds of later ones.
	if len(existingMasters) > 0 {
		if err := repo.IngestMasterCalibs(ctx, existingMasters); err != nil {
			return fmt.Errorf("failed to ingest existing masters: %w", err)
		}
	}

	made, err := repo.MakeMasterCalibs(ctx, calibDate)
	if err != nil {
		return err
	}

	for _, doc := range made {
		if err := m.archiveCalib(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// classify gathers the contributing raws for one implied master and
// decides whether it needs rebuilding.
func (m *MasterCalibMaker) classify(ctx context.Context, doc document.Document, calibDate time.Time) (*calibJob, error) {
	job := &calibJob{doc: doc}

	raws, err := m.exposures.GetMatchingRawCalibs(ctx, doc, calibDate)
	if err != nil {
		return nil, fmt.Errorf("failed to find raws for %v: %w", doc, err)
	}
	if max := m.cfg.Calibs.MaxDocsPerCalib; max > 0 && len(raws) > max {
		raws = raws[:max]
	}
	job.raws = raws

	if len(raws) < m.cfg.Calibs.GetMinDocsPerCalib() {
		m.logger.Debugf("calib-maker: only %d raws for %v, skipping", len(raws), doc)
		return job, nil
	}
	job.canBuild = true

	existing, err := m.calibs.FindCalib(ctx, doc)
	if err != nil {
		if errors.Is(err, mongodb.ErrNotFound) {
			job.rebuild = true
			return job, nil
		}
		return nil, err
	}
	job.existing = existing

	filename := existing.GetString(document.KeyFilename)
	if filename == "" {
		job.rebuild = true
		return job, nil
	}
	if _, err := os.Stat(filename); err != nil {
		job.rebuild = true
		return job, nil
	}

	calibMod, ok := existing.GetTime(document.KeyDateModified)
	if !ok {
		job.rebuild = true
		return job, nil
	}
	for _, raw := range raws {
		if rawMod, ok := raw.GetTime(document.KeyDateModified); ok && !rawMod.Before(calibMod) {
			job.rebuild = true
			return job, nil
		}
	}
	return job, nil
}

// promoteDependents extends the rebuild set downward through the type
// build order: any buildable later-type calib agreeing with a rebuilt
// calib on its matching columns is rebuilt too.
func (m *MasterCalibMaker) promoteDependents(jobs []*calibJob) {
	types := m.cfg.Calibs.GetTypes()
	order := make(map[string]int, len(types))
	for i, t := range types {
		order[t] = i
	}

	for changed := true; changed; {
		changed = false
		for _, parent := range jobs {
			if !parent.rebuild {
				continue
			}
			parentType := parent.doc.GetString(document.KeyDatasetType)
			parentCols := m.cfg.Calibs.ColumnsFor(parentType)
			for _, dep := range jobs {
				if dep.rebuild || !dep.canBuild {
					continue
				}
				if order[dep.doc.GetString(document.KeyDatasetType)] <= order[parentType] {
					continue
				}
				if columnsAgree(parent.doc, dep.doc, parentCols) {
					dep.rebuild = true
					changed = true
				}
			}
		}
	}
}

func columnsAgree(a, b document.Document, columns []string) bool {
	for _, column := range columns {
		av, aok := a.Get(column)
		bv, bok := b.Get(column)
		if !aok || !bok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// archiveCalib copies a freshly built master into the archive tree,
// pushes it to the remote archive and records it in the calib
// collection under its archive filename.
func (m *MasterCalibMaker) archiveCalib(ctx context.Context, doc document.Document) error {
	datasetType := doc.GetString(document.KeyDatasetType)
	rel, err := butler.CalibRelPath(m.cfg.Calibs.ColumnsFor(datasetType), doc)
	if err != nil {
		return err
	}
	rel = filepath.Join("calib", rel)

	dest := filepath.Join(m.cfg.Directories.Archive, rel)
	if err := copyFile(doc.GetString(document.KeyFilename), dest); err != nil {
		return fmt.Errorf("failed to archive master calib: %w", err)
	}

	if m.archive != nil {
		if err := m.archive.Push(ctx, dest, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("failed to push master calib to archive: %w", err)
		}
	}

	stored := doc.Copy()
	stored.Set(document.KeyFilename, dest)
	if err := m.calibs.Upsert(ctx, stored); err != nil {
		return fmt.Errorf("failed to record master calib: %w", err)
	}
	m.logger.Infof("calib-maker: archived %s", dest)
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
