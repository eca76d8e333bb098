package butler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/reduce"
)

// ErrNoCalexp indicates that no calexp is registered for a dataId.
var ErrNoCalexp = errors.New("no calexp for dataId")

// structuralKeys are header keywords owned by the FITS writer and never
// copied between files. BSCALE and BZERO are dropped because calexps
// are written as float64 planes.
var structuralKeys = map[string]bool{
	"SIMPLE": true, "BITPIX": true,
	"NAXIS": true, "NAXIS1": true, "NAXIS2": true, "NAXIS3": true,
	"EXTEND": true, "XTENSION": true,
	"PCOUNT": true, "GCOUNT": true,
	"BSCALE": true, "BZERO": true,
	"END": true,
}

// headerCards converts a header into writable cards in deterministic
// order, dropping structural keywords.
func headerCards(hdr fits.Header) []fits.Card {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		if !structuralKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	cards := make([]fits.Card, 0, len(keys))
	for _, k := range keys {
		cards = append(cards, fits.Card{Name: k, Value: hdr[k]})
	}
	return cards
}

// MakeCalexps builds a calibrated exposure for every registered science
// raw that does not have one yet, using the closest-dated matching
// master calibs in the repository. The returned documents include the
// output filenames.
func (r *Repository) MakeCalexps(ctx context.Context) ([]document.Document, error) {
	raws, err := r.GetDataIDs(ctx, document.DataTypeScience, nil)
	if err != nil {
		return nil, err
	}

	var made []document.Document
	for _, raw := range raws {
		doc, err := r.makeCalexp(ctx, raw)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			made = append(made, doc)
		}
	}
	return made, nil
}

// makeCalexp builds one calexp, returning nil when it already exists.
func (r *Repository) makeCalexp(ctx context.Context, raw document.Document) (document.Document, error) {
	visit, ok := raw.GetInt(document.KeyVisit)
	if !ok {
		return nil, fmt.Errorf("science exposure has no visit: %v", raw)
	}
	ccd, ok := raw.GetInt(document.KeyCCD)
	if !ok {
		return nil, fmt.Errorf("science exposure has no ccd: %v", raw)
	}

	var existing string
	err := r.db.QueryRowContext(ctx,
		`SELECT path FROM calexps WHERE visit = ? AND ccd = ?`, visit, ccd).Scan(&existing)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	rawPath := raw.GetString(document.KeyFilename)
	rawImg, rawHdr, err := fits.ReadImage(rawPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawPath, err)
	}

	dateObs := raw.GetString(document.KeyDateObs)
	biasImg, err := r.masterCalibImage(ctx, document.DataTypeBias, raw, dateObs)
	if err != nil {
		return nil, err
	}
	flatImg, err := r.masterCalibImage(ctx, document.DataTypeFlat, raw, dateObs)
	if err != nil {
		return nil, err
	}

	calexp, err := reduce.Calexp(rawImg, biasImg, flatImg)
	if err != nil {
		return nil, fmt.Errorf("failed to reduce %s: %w", rawPath, err)
	}

	path := filepath.Join(r.root, calexpDirname, fmt.Sprintf("calexp_%d_ccd_%d.fits", visit, ccd))
	if err := fits.WriteImage(path, calexp, headerCards(rawHdr)); err != nil {
		return nil, fmt.Errorf("failed to write calexp: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO calexps (path, visit, ccd, filter)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO NOTHING`,
		path, visit, ccd, nullString(raw.GetString(document.KeyFilter)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register calexp: %w", err)
	}

	doc := document.Document{
		document.KeyFilename: path,
		document.KeyVisit:    int64(visit),
		document.KeyCCD:      ccd,
	}
	if filter := raw.GetString(document.KeyFilter); filter != "" {
		doc[document.KeyFilter] = filter
	}
	r.logger.Infof("Built calexp for visit=%d ccd=%d: %s", visit, ccd, path)
	return doc, nil
}

// GetCalexp loads the calexp for a dataId carrying visit and ccd.
func (r *Repository) GetCalexp(ctx context.Context, dataID document.Document) (*fits.Image, fits.Header, error) {
	visit, ok := dataID.GetInt(document.KeyVisit)
	if !ok {
		return nil, nil, fmt.Errorf("dataId has no visit: %v", dataID)
	}
	ccd, ok := dataID.GetInt(document.KeyCCD)
	if !ok {
		return nil, nil, fmt.Errorf("dataId has no ccd: %v", dataID)
	}

	var path string
	err := r.db.QueryRowContext(ctx,
		`SELECT path FROM calexps WHERE visit = ? AND ccd = ?`, visit, ccd).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("visit=%d ccd=%d: %w", visit, ccd, ErrNoCalexp)
	}
	if err != nil {
		return nil, nil, err
	}
	return fits.ReadImage(path)
}

// CountCalexps returns the number of registered calexps.
func (r *Repository) CountCalexps(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calexps`).Scan(&n)
	return n, err
}
