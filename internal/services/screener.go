package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/query"
)

// Screener applies the configured per-dataType quality cuts to ingested
// exposures, recording the verdict in the screen_success flag that all
// downstream calib and calexp queries filter on. A dataType with no
// configured criteria passes unconditionally.
type Screener struct {
	*ProcessQueue

	exposures ExposureStore
}

// NewScreener builds the screening service.
func NewScreener(cfg *config.Config, exposures ExposureStore, events *bus.Publisher, logger *zap.SugaredLogger) *Screener {
	s := &Screener{exposures: exposures}
	s.ProcessQueue = NewProcessQueue("screener", s, cfg.Services, events, logger)
	return s
}

// NextObjects returns exposures with successful metrics that have not
// been screened yet.
func (s *Screener) NextObjects(ctx context.Context) ([]string, error) {
	criteria, err := query.FromSpec(map[string]map[string]any{
		document.KeyMetrics + "." + document.MetricSuccessFlag: {"equals": true},
		document.ScreenSuccessFlag:                             {"exists": false},
	})
	if err != nil {
		return nil, err
	}

	values, err := s.exposures.FindValues(ctx, document.KeyFilename, nil,
		&mongodb.FindOptions{Criteria: criteria})
	if err != nil {
		return nil, fmt.Errorf("failed to list unscreened exposures: %w", err)
	}

	files := make([]string, 0, len(values))
	for _, v := range values {
		if name, ok := v.(string); ok {
			files = append(files, name)
		}
	}
	return files, nil
}

// Process screens one exposure against the quality criteria for its
// dataType and stores the verdict.
func (s *Screener) Process(ctx context.Context, filename string) error {
	match := document.Document{document.KeyFilename: filename}
	doc, err := s.exposures.FindOne(ctx, match, nil)
	if err != nil {
		return err
	}

	criteria, err := s.exposures.QualityCriteria(doc.GetString(document.KeyDataType))
	if err != nil {
		return err
	}

	update := document.Document{document.ScreenSuccessFlag: criteria.Satisfied(doc)}
	if err := s.exposures.Update(ctx, match, update, false); err != nil {
		return fmt.Errorf("failed to record screening of %s: %w", filename, err)
	}
	return nil
}
