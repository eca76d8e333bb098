package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/butler"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/metrics"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/refcat"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// ConeSearcher looks up reference catalogue sources around a pointing.
// *refcat.Client implements it; nil disables zeropoint calibration.
type ConeSearcher interface {
	ConeSearch(ctx context.Context, ra, dec float64) (*refcat.Table, error)
}

// CalexpQualityMonitor produces calibrated exposures for screened
// science frames and attaches calexp quality metrics to their
// documents. Each frame reduces in a throwaway repository against the
// closest valid master calibs; the calexp itself is discarded once
// measured.
type CalexpQualityMonitor struct {
	*ProcessQueue

	cfg       *config.Config
	exposures ExposureStore
	calibs    CalibStore
	refcat    ConeSearcher
	dateKey   string
}

// NewCalexpQualityMonitor builds the calexp monitoring service. refcat
// may be nil, in which case zeropoints are not measured.
func NewCalexpQualityMonitor(cfg *config.Config, exposures ExposureStore, calibs CalibStore, cone ConeSearcher, events *bus.Publisher, logger *zap.SugaredLogger) *CalexpQualityMonitor {
	m := &CalexpQualityMonitor{
		cfg:       cfg,
		exposures: exposures,
		calibs:    calibs,
		refcat:    cone,
		dateKey:   cfg.MongoDB.GetDateKey(),
	}
	m.ProcessQueue = NewProcessQueue("calexp-monitor", m, cfg.Services, events, logger)
	return m
}

// NextObjects returns screened science exposures that have no calexp
// quality yet.
func (m *CalexpQualityMonitor) NextObjects(ctx context.Context) ([]string, error) {
	match := document.Document{document.KeyDataType: document.DataTypeScience}
	docs, err := m.exposures.Find(ctx, match, &mongodb.FindOptions{Screened: true, Quality: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list science exposures: %w", err)
	}

	files := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Has(document.KeyCalexpQuality) {
			continue
		}
		if name := doc.GetString(document.KeyFilename); name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

// Process reduces one science exposure and stores its calexp quality.
func (m *CalexpQualityMonitor) Process(ctx context.Context, filename string) error {
	match := document.Document{document.KeyFilename: filename}
	doc, err := m.exposures.FindOne(ctx, match, nil)
	if err != nil {
		return err
	}

	obsDate, ok := doc.GetTime(m.dateKey)
	if !ok {
		obsDate, err = timeutil.ParseDate(doc.GetString(document.KeyDateObs))
		if err != nil {
			return fmt.Errorf("exposure %s has no usable observation date: %w", filename, err)
		}
	}

	matchingCalibs, err := m.calibs.GetMatchingCalibs(ctx, doc, obsDate)
	if err != nil {
		return fmt.Errorf("no matching calibs for %s: %w", filename, err)
	}
	calibPaths := make([]string, 0, len(matchingCalibs))
	for _, calib := range matchingCalibs {
		name := calib.GetString(document.KeyFilename)
		if name == "" {
			return fmt.Errorf("master calib %v has no filename", calib)
		}
		calibPaths = append(calibPaths, name)
	}

	repo, err := butler.NewTemporaryRepository(m.cfg, "calexp-job", m.logger)
	if err != nil {
		return fmt.Errorf("failed to create temporary repository: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			m.logger.Warnf("calexp-monitor: failed to remove temporary repository: %v", err)
		}
	}()

	if err := repo.IngestRaw(ctx, []string{filename}); err != nil {
		return fmt.Errorf("failed to ingest %s: %w", filename, err)
	}
	if err := repo.IngestMasterCalibs(ctx, calibPaths); err != nil {
		return fmt.Errorf("failed to ingest master calibs for %s: %w", filename, err)
	}

	made, err := repo.MakeCalexps(ctx)
	if err != nil {
		return fmt.Errorf("failed to reduce %s: %w", filename, err)
	}
	if len(made) != 1 {
		return fmt.Errorf("expected 1 calexp for %s, got %d", filename, len(made))
	}

	img, _, err := repo.GetCalexp(ctx, made[0])
	if err != nil {
		return err
	}

	quality, err := metrics.EvaluateCalexp(img, m.cfg.Cameras.GetPixelScale(), m.referenceMagnitudes(ctx, doc))
	if err != nil {
		return fmt.Errorf("failed to measure calexp of %s: %w", filename, err)
	}

	update := document.Document{document.KeyCalexpQuality: quality}
	if err := m.exposures.Update(ctx, match, update, false); err != nil {
		return fmt.Errorf("failed to record calexp quality of %s: %w", filename, err)
	}
	return nil
}

// referenceMagnitudes looks up catalogue magnitudes around the exposure
// pointing for zeropoint calibration. Missing configuration or pointing
// disables the lookup; lookup failures degrade to no zeropoint rather
// than failing the calexp.
func (m *CalexpQualityMonitor) referenceMagnitudes(ctx context.Context, doc document.Document) []float64 {
	if m.refcat == nil {
		return nil
	}
	magKey, ok := m.cfg.RefCat.MagKeys[doc.GetString(document.KeyFilter)]
	if !ok {
		return nil
	}
	ra, raOK := doc.GetFloat(document.KeyMetrics + ".ra_centre")
	dec, decOK := doc.GetFloat(document.KeyMetrics + ".dec_centre")
	if !raOK || !decOK {
		return nil
	}

	table, err := m.refcat.ConeSearch(ctx, ra, dec)
	if err != nil {
		m.logger.Warnf("calexp-monitor: reference catalogue lookup failed: %v", err)
		return nil
	}
	mags, err := table.Floats(magKey)
	if err != nil {
		m.logger.Warnf("calexp-monitor: reference catalogue has no %s: %v", magKey, err)
		return nil
	}
	return mags
}
