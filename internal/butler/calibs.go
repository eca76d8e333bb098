package butler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/reduce"
	"github.com/huntsman-array/huntsman-drp/internal/security"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// Keywords carrying a master calib's identity in its own header.
const (
	keyCalibDatasetType = "DSETTYPE"
	keyCalibDate        = "CALDATE"
	keyCalibCCD         = "CCD"
	keyCalibFilter      = "FILTER"
)

// CalibRelPath returns the canonical path of a master calib relative to
// an archive or repository calib root, e.g.
// bias/2021-03-14/ccd_1.fits or flat/2021-03-14/ccd_1_filter_g_band.fits.
// Document values are sanitized into path components.
func CalibRelPath(matchingColumns []string, doc document.Document) (string, error) {
	datasetType := doc.GetString(document.KeyDatasetType)
	if datasetType == "" {
		return "", fmt.Errorf("calib document has no datasetType: %v", doc)
	}
	calibDate := doc.GetString(document.KeyCalibDate)
	if calibDate == "" {
		return "", fmt.Errorf("calib document has no calibDate: %v", doc)
	}
	ccd, ok := doc.GetInt(document.KeyCCD)
	if !ok {
		return "", fmt.Errorf("calib document has no ccd: %v", doc)
	}

	name := fmt.Sprintf("ccd_%d", ccd)
	for _, column := range matchingColumns {
		if column == document.KeyCCD {
			continue
		}
		v, ok := doc.Get(column)
		if !ok {
			return "", fmt.Errorf("calib document has no %s: %v", column, doc)
		}
		name += fmt.Sprintf("_%s_%v", column, v)
	}
	return filepath.Join(
		security.SanitizeComponent(datasetType),
		security.SanitizeComponent(calibDate),
		security.SanitizeComponent(name)+".fits"), nil
}

// WriteMasterCalib writes a master calib image with its identity
// stamped into the header so it can be re-ingested from the file alone.
func WriteMasterCalib(path string, img *fits.Image, doc document.Document) error {
	ccd, ok := doc.GetInt(document.KeyCCD)
	if !ok {
		return fmt.Errorf("calib document has no ccd: %v", doc)
	}
	cards := []fits.Card{
		{Name: keyCalibDatasetType, Value: doc.GetString(document.KeyDatasetType)},
		{Name: keyCalibDate, Value: doc.GetString(document.KeyCalibDate)},
		{Name: keyCalibCCD, Value: ccd},
	}
	if filter := doc.GetString(document.KeyFilter); filter != "" {
		cards = append(cards, fits.Card{Name: keyCalibFilter, Value: filter})
	}
	return fits.WriteImage(path, img, cards)
}

// readCalibIdentity recovers a calib document from the identity
// keywords of a master calib file.
func readCalibIdentity(path string) (document.Document, error) {
	hdr, err := fits.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	datasetType, err := hdr.GetString(keyCalibDatasetType)
	if err != nil {
		return nil, fmt.Errorf("%s is not a master calib: %w", path, err)
	}
	calibDate, err := hdr.GetString(keyCalibDate)
	if err != nil {
		return nil, fmt.Errorf("%s is not a master calib: %w", path, err)
	}
	ccd, err := hdr.GetInt(keyCalibCCD)
	if err != nil {
		return nil, fmt.Errorf("%s is not a master calib: %w", path, err)
	}

	doc := document.Document{
		document.KeyDatasetType: datasetType,
		document.KeyCalibDate:   calibDate,
		document.KeyCCD:         ccd,
	}
	if hdr.Has(keyCalibFilter) {
		filter, err := hdr.GetString(keyCalibFilter)
		if err != nil {
			return nil, err
		}
		doc[document.KeyFilter] = filter
	}
	return doc, nil
}

// IngestMasterCalibs registers existing master calib files, reading
// each file's identity from its header. Files already present are
// skipped.
func (r *Repository) IngestMasterCalibs(ctx context.Context, paths []string) error {
	for _, path := range paths {
		doc, err := readCalibIdentity(path)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		ccd, _ := doc.GetInt(document.KeyCCD)

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO master_calibs (path, dataset_type, calib_date, ccd, filter, valid_days)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (path) DO NOTHING`,
			abs,
			doc.GetString(document.KeyDatasetType),
			doc.GetString(document.KeyCalibDate),
			ccd,
			nullString(doc.GetString(document.KeyFilter)),
			r.cfg.Calibs.ValidityDays,
		)
		if err != nil {
			return fmt.Errorf("failed to register calib %s: %w", path, err)
		}
		r.logger.Debugf("Ingested master calib: %s", abs)
	}
	return nil
}

// calibGroup is one master calib to build: the raw exposure paths that
// feed it and the matching-column values identifying it.
type calibGroup struct {
	doc   document.Document
	paths []string
}

// calibGroups partitions the registered raws of a calib dataset type by
// that type's matching columns.
func (r *Repository) calibGroups(ctx context.Context, calibType string) ([]calibGroup, error) {
	docs, err := r.GetDataIDs(ctx, calibType, nil)
	if err != nil {
		return nil, err
	}
	columns := r.cfg.Calibs.ColumnsFor(calibType)

	groups := make(map[string]*calibGroup)
	for _, doc := range docs {
		key := ""
		identity := document.Document{}
		for _, column := range columns {
			v, ok := doc.Get(column)
			if !ok {
				return nil, fmt.Errorf("raw exposure %s has no %s", doc.GetString(document.KeyFilename), column)
			}
			identity[column] = v
			key += fmt.Sprintf("%s=%v|", column, v)
		}
		g, ok := groups[key]
		if !ok {
			g = &calibGroup{doc: identity}
			groups[key] = g
		}
		g.paths = append(g.paths, doc.GetString(document.KeyFilename))
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]calibGroup, 0, len(groups))
	for _, k := range keys {
		out = append(out, *groups[k])
	}
	return out, nil
}

// MakeMasterCalibs builds master calibs for every matching-column group
// of raws in the repository, labelled with calibDate. Types build in
// configured order so flats can pick up a bias made in the same call.
// The returned documents include the output filenames.
func (r *Repository) MakeMasterCalibs(ctx context.Context, calibDate time.Time) ([]document.Document, error) {
	dateStr := timeutil.DateToYMD(calibDate)
	var made []document.Document

	for _, calibType := range r.cfg.Calibs.GetTypes() {
		groups, err := r.calibGroups(ctx, calibType)
		if err != nil {
			return nil, err
		}

		for _, g := range groups {
			imgs := make([]*fits.Image, len(g.paths))
			for i, path := range g.paths {
				img, _, err := fits.ReadImage(path)
				if err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", path, err)
				}
				imgs[i] = img
			}

			var master *fits.Image
			switch calibType {
			case document.DataTypeBias:
				master, err = reduce.MasterBias(imgs)
			case document.DataTypeFlat:
				var biasImg *fits.Image
				biasImg, err = r.masterCalibImage(ctx, document.DataTypeBias, g.doc, dateStr)
				if err == nil {
					master, err = reduce.MasterFlat(imgs, biasImg)
				}
			default:
				return nil, fmt.Errorf("no master recipe for calib type %q", calibType)
			}
			if err != nil {
				return nil, fmt.Errorf("failed to build master %s %v: %w", calibType, g.doc, err)
			}

			doc := g.doc.Copy()
			doc[document.KeyDatasetType] = calibType
			doc[document.KeyCalibDate] = dateStr

			rel, err := CalibRelPath(r.cfg.Calibs.ColumnsFor(calibType), doc)
			if err != nil {
				return nil, err
			}
			path := filepath.Join(r.root, calibDirname, rel)
			if err := security.WithinDirectory(path, r.root); err != nil {
				return nil, err
			}
			if err := WriteMasterCalib(path, master, doc); err != nil {
				return nil, fmt.Errorf("failed to write master %s: %w", calibType, err)
			}
			if err := r.IngestMasterCalibs(ctx, []string{path}); err != nil {
				return nil, err
			}

			doc[document.KeyFilename] = path
			made = append(made, doc)
			r.logger.Infof("Built master %s from %d raws: %s", calibType, len(g.paths), path)
		}
	}
	return made, nil
}

// findMasterCalib returns the registered master calib of calibType
// whose matching columns agree with dataId, preferring the calib date
// closest to targetDate.
func (r *Repository) findMasterCalib(ctx context.Context, calibType string, dataID document.Document, targetDate string) (string, error) {
	query := `SELECT path, calib_date FROM master_calibs WHERE dataset_type = ?`
	args := []any{calibType}
	for _, column := range r.cfg.Calibs.ColumnsFor(calibType) {
		v, ok := dataID.Get(column)
		if !ok {
			return "", fmt.Errorf("dataId has no %s: %v", column, dataID)
		}
		dbColumn, ok := dataIDColumns[column]
		if !ok {
			return "", fmt.Errorf("unsupported calib matching column %q", column)
		}
		query += fmt.Sprintf(" AND %s = ?", dbColumn)
		args = append(args, v)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	target, err := timeutil.ParseDate(targetDate)
	if err != nil {
		return "", err
	}

	best := ""
	var bestDiff time.Duration = -1
	for rows.Next() {
		var path, calibDate string
		if err := rows.Scan(&path, &calibDate); err != nil {
			return "", err
		}
		date, err := timeutil.ParseDate(calibDate)
		if err != nil {
			continue
		}
		diff := target.Sub(date)
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = path
			bestDiff = diff
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if best == "" {
		return "", fmt.Errorf("no master %s matching %v in repository", calibType, dataID)
	}
	return best, nil
}

// masterCalibImage loads the best matching master calib image.
func (r *Repository) masterCalibImage(ctx context.Context, calibType string, dataID document.Document, targetDate string) (*fits.Image, error) {
	path, err := r.findMasterCalib(ctx, calibType, dataID, targetDate)
	if err != nil {
		return nil, err
	}
	img, _, err := fits.ReadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master calib %s: %w", path, err)
	}
	return img, nil
}

// CountMasterCalibs returns the number of registered master calibs.
func (r *Repository) CountMasterCalibs(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM master_calibs`).Scan(&n)
	return n, err
}
