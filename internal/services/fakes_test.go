package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/query"
	"github.com/huntsman-array/huntsman-drp/internal/refcat"
)

// testConfig builds a config with fast service intervals and the camera
// and calib layout the synthetic frames use.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Directories: config.Directories{
			Root:    root,
			Data:    filepath.Join(root, "images"),
			Archive: filepath.Join(root, "archive"),
			Work:    filepath.Join(root, "work"),
			Plots:   filepath.Join(root, "plots"),
		},
		FITS: config.FITSConfig{
			HeaderMappings: map[string]string{
				"expTime": "EXPTIME",
				"filter":  "FILTER",
				"taiObs":  "DATE-OBS",
			},
			RequiredColumns: []string{"expTime", "filter", "dataType", "dateObs", "visit", "ccd", "field"},
		},
		Cameras: config.CamerasConfig{
			Mappings:   map[string]int{"371d420": 1, "0e68b8b": 2},
			Devices:    []string{"dslr-north", "dslr-south"},
			PixelScale: 1.24,
		},
		Calibs: config.CalibsConfig{
			Types:        []string{document.DataTypeBias, document.DataTypeFlat},
			ValidityDays: 3,
			MatchingColumns: map[string][]string{
				document.DataTypeBias: {document.KeyCCD},
				document.DataTypeFlat: {document.KeyCCD, document.KeyFilter},
			},
			MinDocsPerCalib: 1,
		},
		Quality: config.QualityConfig{
			Raw: map[string]config.CriteriaSpec{
				document.DataTypeScience: {
					"metrics.clipped_std": {"less_than": 1000.0},
				},
			},
		},
		Services: config.ServicesConfig{
			QueueInterval:  config.Duration(10 * time.Millisecond),
			StatusInterval: config.Duration(10 * time.Millisecond),
			Workers:        2,
		},
	}
}

type updateCall struct {
	match  document.Document
	update document.Document
	upsert bool
}

// fakeExposures is an in-memory ExposureStore mirroring the mongo
// collection's observable filtering semantics.
type fakeExposures struct {
	mu              sync.Mutex
	cfg             *config.Config
	docs            []document.Document
	updates         []updateCall
	calibIdentities []document.Document
	findErr         error
}

func newFakeExposures(cfg *config.Config, docs ...document.Document) *fakeExposures {
	return &fakeExposures{cfg: cfg, docs: docs}
}

func (f *fakeExposures) add(docs ...document.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, docs...)
}

func (f *fakeExposures) getUpdates() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall{}, f.updates...)
}

func matches(doc, match document.Document) bool {
	for key := range match {
		v, ok := doc.Get(key)
		if !ok {
			return false
		}
		want, _ := match.Get(key)
		if fmt.Sprint(v) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func (f *fakeExposures) passesQuality(doc document.Document) bool {
	spec, ok := f.cfg.Quality.Raw[doc.GetString(document.KeyDataType)]
	if !ok {
		return true
	}
	criteria, err := query.FromSpec(spec)
	if err != nil {
		return false
	}
	return criteria.Satisfied(doc)
}

func (f *fakeExposures) Find(_ context.Context, match document.Document, opts *mongodb.FindOptions) ([]document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}

	var out []document.Document
	for _, doc := range f.docs {
		if !matches(doc, match) {
			continue
		}
		if opts != nil {
			if opts.Screened && !doc.GetBool(document.ScreenSuccessFlag) {
				continue
			}
			if opts.Quality && !f.passesQuality(doc) {
				continue
			}
			if !opts.Criteria.Satisfied(doc) {
				continue
			}
		}
		out = append(out, doc.Copy())
	}
	return out, nil
}

func (f *fakeExposures) FindOne(ctx context.Context, match document.Document, opts *mongodb.FindOptions) (document.Document, error) {
	docs, err := f.Find(ctx, match, opts)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, fmt.Errorf("find one with filter %v: %w", match, mongodb.ErrNotFound)
	case 1:
		return docs[0], nil
	}
	return nil, fmt.Errorf("find one with filter %v: %w", match, mongodb.ErrMultipleMatches)
}

func (f *fakeExposures) FindValues(ctx context.Context, key string, match document.Document, opts *mongodb.FindOptions) ([]any, error) {
	docs, err := f.Find(ctx, match, opts)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(docs))
	for _, doc := range docs {
		if v, ok := doc.Get(key); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func (f *fakeExposures) Update(_ context.Context, match document.Document, update document.Document, upsert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updates = append(f.updates, updateCall{match: match.Copy(), update: update.Copy(), upsert: upsert})

	for _, doc := range f.docs {
		if matches(doc, match) {
			// Keys may be dotted paths, like the mongo $set they stand in for.
			for key, v := range update {
				doc.Set(key, v)
			}
			doc.Set(document.KeyDateModified, time.Now().UTC())
			return nil
		}
	}
	if !upsert {
		return fmt.Errorf("update with filter %v: %w", match, mongodb.ErrNotFound)
	}

	doc := match.Copy()
	for key, v := range update {
		doc.Set(key, v)
	}
	doc.Set(document.KeyDateModified, time.Now().UTC())
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeExposures) QualityCriteria(dataType string) (query.QueryCriteria, error) {
	spec, ok := f.cfg.Quality.Raw[dataType]
	if !ok {
		return query.QueryCriteria{}, nil
	}
	return query.FromSpec(spec)
}

func (f *fakeExposures) GetCalibDocs(_ context.Context, _ time.Time) ([]document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]document.Document, len(f.calibIdentities))
	for i, doc := range f.calibIdentities {
		out[i] = doc.Copy()
	}
	return out, nil
}

// GetMatchingRawCalibs filters the stored docs on dataset type, the
// calib's matching columns and the screening flag, like the real
// collection does.
func (f *fakeExposures) GetMatchingRawCalibs(_ context.Context, calib document.Document, _ time.Time) ([]document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	datasetType := calib.GetString(document.KeyDatasetType)
	columns := f.cfg.Calibs.ColumnsFor(datasetType)

	var out []document.Document
	for _, doc := range f.docs {
		if doc.GetString(document.KeyDataType) != datasetType {
			continue
		}
		if !doc.GetBool(document.ScreenSuccessFlag) {
			continue
		}
		if !columnsAgree(calib, doc, columns) {
			continue
		}
		out = append(out, doc.Copy())
	}
	return out, nil
}

// fakeCalibs is an in-memory CalibStore with identity-keyed lookup.
type fakeCalibs struct {
	mu       sync.Mutex
	cfg      *config.Config
	docs     []document.Document
	upserts  []document.Document
	matching map[string]document.Document
	matchErr error
}

func newFakeCalibs(cfg *config.Config, docs ...document.Document) *fakeCalibs {
	return &fakeCalibs{cfg: cfg, docs: docs}
}

func (f *fakeCalibs) getUpserts() []document.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]document.Document{}, f.upserts...)
}

func (f *fakeCalibs) identityMatch(a, b document.Document) bool {
	datasetType := a.GetString(document.KeyDatasetType)
	if datasetType != b.GetString(document.KeyDatasetType) {
		return false
	}
	if a.GetString(document.KeyCalibDate) != b.GetString(document.KeyCalibDate) {
		return false
	}
	return columnsAgree(a, b, f.cfg.Calibs.ColumnsFor(datasetType))
}

func (f *fakeCalibs) Find(_ context.Context, match document.Document, _ *mongodb.FindOptions) ([]document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []document.Document
	for _, doc := range f.docs {
		if matches(doc, match) {
			out = append(out, doc.Copy())
		}
	}
	return out, nil
}

func (f *fakeCalibs) FindCalib(_ context.Context, calib document.Document) (document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if f.identityMatch(doc, calib) {
			return doc.Copy(), nil
		}
	}
	return nil, fmt.Errorf("find calib %v: %w", calib, mongodb.ErrNotFound)
}

func (f *fakeCalibs) Upsert(_ context.Context, calib document.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upserts = append(f.upserts, calib.Copy())
	stored := calib.Copy()
	stored.Set(document.KeyDateModified, time.Now().UTC())

	for i, doc := range f.docs {
		if f.identityMatch(doc, calib) {
			f.docs[i] = stored
			return nil
		}
	}
	f.docs = append(f.docs, stored)
	return nil
}

func (f *fakeCalibs) GetMatchingCalibs(_ context.Context, _ document.Document, _ time.Time) (map[string]document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return nil, f.matchErr
	}
	out := make(map[string]document.Document, len(f.matching))
	for k, v := range f.matching {
		out[k] = v.Copy()
	}
	return out, nil
}

type pushCall struct {
	localPath string
	name      string
}

type fakeArchiver struct {
	mu     sync.Mutex
	pushes []pushCall
	err    error
}

func (f *fakeArchiver) Push(_ context.Context, localPath, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.pushes = append(f.pushes, pushCall{localPath: localPath, name: name})
	return nil
}

func (f *fakeArchiver) getPushes() []pushCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushCall{}, f.pushes...)
}

type fakeRefCat struct {
	table *refcat.Table
	err   error
	calls int
}

func (f *fakeRefCat) ConeSearch(context.Context, float64, float64) (*refcat.Table, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.table, nil
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
