// Package butler manages data repositories: directories of FITS files
// tracked by a sqlite registry of their dataIds. A repository ingests
// raw exposures and master calibs, builds masters and calexps through
// the reduction arithmetic, and answers dataId queries for the
// processing services.
package butler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

// RegistryFilename is the sqlite registry file under the repository
// root.
const RegistryFilename = "registry.sqlite3"

// Subdirectories of the repository root.
const (
	calibDirname  = "calib"
	calexpDirname = "calexp"
)

// Repository is a data repository rooted at a directory.
type Repository struct {
	cfg        *config.Config
	root       string
	db         *sql.DB
	translator *fits.HeaderTranslator
	logger     *zap.SugaredLogger
}

// NewRepository opens the repository at root, creating the directory
// and migrating the registry as needed.
func NewRepository(cfg *config.Config, root string, logger *zap.SugaredLogger) (*Repository, error) {
	logger = logging.OrDefault(logger)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository root: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(root, RegistryFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	r := &Repository{
		cfg:        cfg,
		root:       root,
		db:         db,
		translator: fits.NewHeaderTranslator(cfg),
		logger:     logger,
	}
	if err := r.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Root returns the repository root directory.
func (r *Repository) Root() string { return r.root }

// Close closes the registry.
func (r *Repository) Close() error { return r.db.Close() }

// IngestRaw registers raw exposure files with the registry. The dataId
// of each file is parsed from its header; files already present are
// skipped.
func (r *Repository) IngestRaw(ctx context.Context, paths []string) error {
	for _, path := range paths {
		hdr, err := fits.ReadHeader(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		doc, err := r.translator.ParseHeader(hdr)
		if err != nil {
			return fmt.Errorf("failed to parse header of %s: %w", path, err)
		}

		ccd, ok := doc.GetInt(document.KeyCCD)
		if !ok {
			return fmt.Errorf("no ccd in header of %s", path)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}

		_, err = r.db.ExecContext(ctx, `
			INSERT INTO raw_exposures (path, dataset_type, ccd, filter, visit, date_obs)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (path) DO NOTHING`,
			abs,
			doc.GetString(document.KeyDataType),
			ccd,
			nullString(doc.GetString(document.KeyFilter)),
			nullVisit(doc),
			nullString(doc.GetString(document.KeyDateObs)),
		)
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", path, err)
		}
		r.logger.Debugf("Ingested raw exposure: %s", abs)
	}
	return nil
}

// GetDataIDs returns the dataIds of registered raw exposures of the
// given dataset type, optionally narrowed by ccd, filter or visit.
func (r *Repository) GetDataIDs(ctx context.Context, datasetType string, where document.Document) ([]document.Document, error) {
	query := `SELECT path, ccd, filter, visit, date_obs FROM raw_exposures WHERE dataset_type = ?`
	args := []any{datasetType}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		column, ok := dataIDColumns[key]
		if !ok {
			return nil, fmt.Errorf("unsupported dataId column %q", key)
		}
		v, _ := where.Get(key)
		query += fmt.Sprintf(" AND %s = ?", column)
		args = append(args, v)
	}
	query += " ORDER BY path"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dataId query failed: %w", err)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var (
			path    string
			ccd     int
			filter  sql.NullString
			visit   sql.NullInt64
			dateObs sql.NullString
		)
		if err := rows.Scan(&path, &ccd, &filter, &visit, &dateObs); err != nil {
			return nil, err
		}
		doc := document.Document{
			document.KeyFilename: path,
			document.KeyDataType: datasetType,
			document.KeyCCD:      ccd,
		}
		if filter.Valid {
			doc[document.KeyFilter] = filter.String
		}
		if visit.Valid {
			doc[document.KeyVisit] = visit.Int64
		}
		if dateObs.Valid {
			doc[document.KeyDateObs] = dateObs.String
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountRaws returns the number of registered raw exposures.
func (r *Repository) CountRaws(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_exposures`).Scan(&n)
	return n, err
}

// dataIDColumns maps dataId keys onto registry columns.
var dataIDColumns = map[string]string{
	document.KeyCCD:    "ccd",
	document.KeyFilter: "filter",
	document.KeyVisit:  "visit",
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullVisit(doc document.Document) sql.NullInt64 {
	visit, ok := doc.GetInt(document.KeyVisit)
	return sql.NullInt64{Int64: int64(visit), Valid: ok}
}
