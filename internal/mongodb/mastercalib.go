package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// ErrNoValidCalib is returned when no master calib falls within the
// validity window of the requested date.
var ErrNoValidCalib = errors.New("no valid master calib")

// MasterCalibCollection stores metadata for archived master calibs.
type MasterCalibCollection struct {
	*Collection
	cfg *config.Config
}

// NewMasterCalibCollection wraps a collection with the master calib
// conventions.
func NewMasterCalibCollection(c *Collection, cfg *config.Config) *MasterCalibCollection {
	return &MasterCalibCollection{Collection: c, cfg: cfg}
}

// IdentityFilter returns the filter identifying a calib document: its
// dataset type plus that type's matching columns. Archive filenames and
// store stamps never participate.
func (c *MasterCalibCollection) IdentityFilter(calib document.Document) (document.Document, error) {
	datasetType := calib.GetString(document.KeyDatasetType)
	if datasetType == "" {
		return nil, fmt.Errorf("calib document has no %s", document.KeyDatasetType)
	}

	match := document.Document{
		document.KeyDatasetType: datasetType,
		document.KeyCalibDate:   calib.GetString(document.KeyCalibDate),
	}
	for _, column := range c.cfg.Calibs.ColumnsFor(datasetType) {
		v, ok := calib.Get(column)
		if !ok {
			return nil, fmt.Errorf("calib document missing matching column %q", column)
		}
		match[column] = v
	}
	return match, nil
}

// FindCalib returns the stored document for a calib identity, or
// ErrNotFound.
func (c *MasterCalibCollection) FindCalib(ctx context.Context, calib document.Document) (document.Document, error) {
	match, err := c.IdentityFilter(calib)
	if err != nil {
		return nil, err
	}
	return c.FindOne(ctx, match, nil)
}

// Upsert stores or refreshes a calib document keyed by its identity.
func (c *MasterCalibCollection) Upsert(ctx context.Context, calib document.Document) error {
	if err := document.ValidateCalib(calib); err != nil {
		return err
	}
	match, err := c.IdentityFilter(calib)
	if err != nil {
		return err
	}
	return c.Update(ctx, match, calib, true)
}

// GetMatchingCalibs returns the best master calib of each configured
// type for a data ID: the one whose calib date lies closest to
// calibDate. A type whose best candidate falls outside the validity
// window yields ErrNoValidCalib.
func (c *MasterCalibCollection) GetMatchingCalibs(ctx context.Context, dataID document.Document, calibDate time.Time) (map[string]document.Document, error) {
	result := make(map[string]document.Document)

	for _, calibType := range c.cfg.Calibs.GetTypes() {
		match := document.Document{document.KeyDatasetType: calibType}
		for _, column := range c.cfg.Calibs.ColumnsFor(calibType) {
			v, ok := dataID.Get(column)
			if !ok {
				return nil, fmt.Errorf("data ID missing calib matching column %q", column)
			}
			match[column] = v
		}

		docs, err := c.Find(ctx, match, nil)
		if err != nil {
			return nil, err
		}

		best, err := selectBestCalib(docs, calibDate, c.cfg.Calibs.Validity())
		if err != nil {
			return nil, fmt.Errorf("no matching master %s for dataId=%v calibDate=%s: %w",
				calibType, match, timeutil.DateToYMD(calibDate), err)
		}
		result[calibType] = best
	}

	return result, nil
}

// selectBestCalib picks the document whose calib date minimises the
// distance to calibDate, requiring the winner to sit inside the validity
// window. The window bound itself is still valid.
func selectBestCalib(docs []document.Document, calibDate time.Time, validity time.Duration) (document.Document, error) {
	best := -1
	var bestDiff time.Duration

	for i, doc := range docs {
		date, err := timeutil.ParseDate(doc.GetString(document.KeyCalibDate))
		if err != nil {
			continue
		}
		diff := absDuration(calibDate.Sub(date))
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}

	if best < 0 || bestDiff > validity {
		return nil, ErrNoValidCalib
	}
	return docs[best], nil
}
