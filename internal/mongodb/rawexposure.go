package mongodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/query"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// RawExposureCollection stores per-exposure metadata parsed from FITS
// headers, together with screening results and quality metrics.
type RawExposureCollection struct {
	*Collection
	cfg *config.Config
}

// NewRawExposureCollection wraps a collection with the raw exposure
// conventions, attaching the configured quality cuts.
func NewRawExposureCollection(c *Collection, cfg *config.Config) *RawExposureCollection {
	filter, err := rawQualityFilter(cfg.Quality.Raw)
	if err != nil {
		// Load-time validation rejects bad criteria, so this only
		// trips when validation was bypassed.
		c.logger.Errorf("Invalid raw quality criteria, quality cuts disabled: %v", err)
	} else {
		c.qualityFilter = filter
	}
	return &RawExposureCollection{Collection: c, cfg: cfg}
}

// rawQualityFilter builds the mongo filter implementing the configured
// per-dataType quality cuts. Data types without configured criteria are
// admitted via a $nin fallback clause.
func rawQualityFilter(spec map[string]config.CriteriaSpec) (bson.M, error) {
	if len(spec) == 0 {
		return nil, nil
	}

	dataTypes := make([]string, 0, len(spec))
	for dataType := range spec {
		dataTypes = append(dataTypes, dataType)
	}
	sort.Strings(dataTypes)

	clauses := bson.A{}
	for _, dataType := range dataTypes {
		criteria, err := query.FromSpec(spec[dataType])
		if err != nil {
			return nil, fmt.Errorf("quality criteria for %s: %w", dataType, err)
		}
		clause := criteria.ToMongo()
		clause[document.KeyDataType] = dataType
		clauses = append(clauses, clause)
	}
	clauses = append(clauses, bson.M{document.KeyDataType: bson.M{"$nin": dataTypes}})

	return bson.M{"$or": clauses}, nil
}

// QualityCriteria returns the configured screening criteria for a data
// type. Types without configured criteria screen successfully by
// default.
func (c *RawExposureCollection) QualityCriteria(dataType string) (query.QueryCriteria, error) {
	spec, ok := c.cfg.Quality.Raw[dataType]
	if !ok {
		return query.QueryCriteria{}, nil
	}
	criteria, err := query.FromSpec(spec)
	if err != nil {
		return query.QueryCriteria{}, fmt.Errorf("quality criteria for %s: %w", dataType, err)
	}
	return criteria, nil
}

// GetCalibDocs derives the identity documents of every master calib
// implied by screened raw calib exposures within the validity window of
// calibDate. The returned documents carry the dataset type, the calib
// date and the configured matching columns; archive filenames are
// assigned downstream.
func (c *RawExposureCollection) GetCalibDocs(ctx context.Context, calibDate time.Time) ([]document.Document, error) {
	criteria, err := query.FromSpec(map[string]map[string]any{
		document.KeyDataType: {"in": c.cfg.Calibs.GetTypes()},
	})
	if err != nil {
		return nil, err
	}

	docs, err := c.Find(ctx, nil, &FindOptions{Screened: true, Quality: true, Criteria: criteria})
	if err != nil {
		return nil, err
	}

	return deriveCalibDocs(c.cfg, docs, calibDate, c.dateKey)
}

// deriveCalibDocs reduces raw calib exposures to the unique set of
// master calib identities they contribute to near calibDate.
func deriveCalibDocs(cfg *config.Config, raws []document.Document, calibDate time.Time, dateKey string) ([]document.Document, error) {
	validity := cfg.Calibs.Validity()

	var calibs []document.Document
	seen := map[string]bool{}

	for _, raw := range raws {
		date, ok := raw.GetTime(dateKey)
		if !ok {
			continue
		}
		if absDuration(calibDate.Sub(date)) > validity {
			continue
		}

		datasetType := raw.GetString(document.KeyDataType)
		calib := document.Document{
			document.KeyDatasetType: datasetType,
			document.KeyCalibDate:   timeutil.DateToYMD(calibDate),
		}
		key := datasetType
		for _, column := range cfg.Calibs.ColumnsFor(datasetType) {
			v, ok := raw.Get(column)
			if !ok {
				return nil, fmt.Errorf("raw document %s missing calib matching column %q",
					raw.GetString(document.KeyFilename), column)
			}
			calib[column] = v
			key = fmt.Sprintf("%s|%s=%v", key, column, v)
		}

		if seen[key] {
			continue
		}
		seen[key] = true
		calibs = append(calibs, calib)
	}

	return calibs, nil
}

// GetMatchingRawCalibs returns the screened raw exposures contributing
// to a master calib, ordered by increasing distance from calibDate.
// Exposures outside the validity window are excluded.
func (c *RawExposureCollection) GetMatchingRawCalibs(ctx context.Context, calib document.Document, calibDate time.Time) ([]document.Document, error) {
	datasetType := calib.GetString(document.KeyDatasetType)

	match := document.Document{document.KeyDataType: datasetType}
	for _, column := range c.cfg.Calibs.ColumnsFor(datasetType) {
		v, ok := calib.Get(column)
		if !ok {
			return nil, fmt.Errorf("calib document missing matching column %q", column)
		}
		match[column] = v
	}

	docs, err := c.Find(ctx, match, &FindOptions{Screened: true, Quality: true})
	if err != nil {
		return nil, err
	}

	return filterByValidity(docs, calibDate, c.cfg.Calibs.Validity(), c.dateKey), nil
}

// filterByValidity drops documents outside the validity window around
// calibDate and sorts the remainder by increasing date distance.
func filterByValidity(docs []document.Document, calibDate time.Time, validity time.Duration, dateKey string) []document.Document {
	type candidate struct {
		doc  document.Document
		diff time.Duration
	}

	var kept []candidate
	for _, doc := range docs {
		date, ok := doc.GetTime(dateKey)
		if !ok {
			continue
		}
		diff := absDuration(calibDate.Sub(date))
		if diff > validity {
			continue
		}
		kept = append(kept, candidate{doc, diff})
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].diff < kept[j].diff })

	out := make([]document.Document, len(kept))
	for i, c := range kept {
		out[i] = c.doc
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
