package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/query"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

var (
	// ErrNotFound is returned when an operation that expects exactly one
	// document matches none.
	ErrNotFound = errors.New("no matching document")

	// ErrMultipleMatches is returned when an operation that expects at
	// most one document matches several.
	ErrMultipleMatches = errors.New("multiple matching documents")

	// ErrDuplicateDocument is returned by Insert when a document with the
	// same filename already exists.
	ErrDuplicateDocument = errors.New("document already exists")
)

// Collection wraps one mongo collection.
type Collection struct {
	coll    *mongo.Collection
	name    string
	dateKey string
	clock   timeutil.Clock
	logger  *zap.SugaredLogger

	// qualityFilter, when set, is applied by FindOptions.Quality. Only
	// the raw exposure collection configures one.
	qualityFilter bson.M
}

// FindOptions refine a Find beyond exact key matching.
type FindOptions struct {
	// Criteria adds per-column operator constraints.
	Criteria query.QueryCriteria

	// DateStart and DateEnd bound the document date key, inclusive of
	// the start and exclusive of the end. Date constrains to an exact
	// timestamp and takes precedence over the range.
	DateStart time.Time
	DateEnd   time.Time
	Date      time.Time

	// Screened restricts results to documents that passed screening.
	Screened bool

	// Quality applies the configured quality cuts, if the collection
	// has any.
	Quality bool

	SortBy   string
	SortDesc bool
	Limit    int64
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// buildFilter assembles the mongo filter for a find-like operation.
// date_modified never participates in matching since the store bumps it
// on every update.
func (c *Collection) buildFilter(match document.Document, opts *FindOptions) bson.M {
	filter := bson.M{}
	for k, v := range match {
		if k == document.KeyDateModified {
			continue
		}
		filter[k] = v
	}
	if opts == nil {
		return filter
	}

	for column, cond := range opts.Criteria.ToMongo() {
		filter[column] = cond
	}

	dateCond := bson.M{}
	if !opts.Date.IsZero() {
		dateCond["$eq"] = opts.Date.UTC()
	} else {
		if !opts.DateStart.IsZero() {
			dateCond["$gte"] = opts.DateStart.UTC()
		}
		if !opts.DateEnd.IsZero() {
			dateCond["$lt"] = opts.DateEnd.UTC()
		}
	}
	if len(dateCond) > 0 {
		filter[c.dateKey] = dateCond
	}

	if opts.Screened {
		filter[document.ScreenSuccessFlag] = true
	}

	if opts.Quality && len(c.qualityFilter) > 0 {
		if len(filter) == 0 {
			filter = bson.M{"$and": bson.A{c.qualityFilter}}
		} else {
			filter = bson.M{"$and": bson.A{filter, c.qualityFilter}}
		}
	}

	return filter
}

// Count returns the number of matching documents.
func (c *Collection) Count(ctx context.Context, match document.Document, opts *FindOptions) (int64, error) {
	filter := c.buildFilter(match, opts)
	n, err := c.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count in %s: %w", c.name, err)
	}
	return n, nil
}

// Find returns all matching documents.
func (c *Collection) Find(ctx context.Context, match document.Document, opts *FindOptions) ([]document.Document, error) {
	filter := c.buildFilter(match, opts)

	findOpts := options.Find().SetProjection(bson.M{"_id": 0})
	if opts != nil {
		if opts.SortBy != "" {
			direction := 1
			if opts.SortDesc {
				direction = -1
			}
			findOpts.SetSort(bson.D{{Key: opts.SortBy, Value: direction}})
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
	}

	c.logger.Debugf("Find on %s with filter: %v", c.name, filter)
	cursor, err := c.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.name, err)
	}
	var docs []document.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode documents from %s: %w", c.name, err)
	}
	c.logger.Debugf("Find on %s returned %d documents", c.name, len(docs))
	return docs, nil
}

// FindValues returns the value at the given key for every matching
// document. Documents where the key does not resolve are skipped.
func (c *Collection) FindValues(ctx context.Context, key string, match document.Document, opts *FindOptions) ([]any, error) {
	docs, err := c.Find(ctx, match, opts)
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

// FindOne returns the single matching document. It returns ErrNotFound
// when nothing matches and ErrMultipleMatches when the filter is
// ambiguous.
func (c *Collection) FindOne(ctx context.Context, match document.Document, opts *FindOptions) (document.Document, error) {
	docs, err := c.Find(ctx, match, opts)
	if err != nil {
		return nil, err
	}
	switch len(docs) {
	case 0:
		return nil, fmt.Errorf("find one in %s with filter %v: %w", c.name, match, ErrNotFound)
	case 1:
		return docs[0], nil
	}
	return nil, fmt.Errorf("find one in %s with filter %v: %w", c.name, match, ErrMultipleMatches)
}

// FindLatest returns matching documents no older than the given window.
func (c *Collection) FindLatest(ctx context.Context, window time.Duration, match document.Document, opts *FindOptions) ([]document.Document, error) {
	latest := &FindOptions{}
	if opts != nil {
		*latest = *opts
	}
	latest.DateStart = timeutil.CurrentDate(c.clock).Add(-window)
	return c.Find(ctx, match, latest)
}

// Distinct returns the distinct values of key over matching documents.
func (c *Collection) Distinct(ctx context.Context, key string, match document.Document) ([]any, error) {
	values, err := c.coll.Distinct(ctx, key, c.buildFilter(match, nil))
	if err != nil {
		return nil, fmt.Errorf("distinct %q in %s: %w", key, c.name, err)
	}
	return values, nil
}

// Insert stores a new document. The filename must be unique within the
// collection; date_created and date_modified are stamped and the document
// date is backfilled from its observation or calib date when absent.
func (c *Collection) Insert(ctx context.Context, doc document.Document) error {
	filename := doc.GetString(document.KeyFilename)
	if filename == "" {
		return fmt.Errorf("insert into %s: document has no filename", c.name)
	}

	n, err := c.Count(ctx, document.Document{document.KeyFilename: filename}, nil)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("insert %s into %s: %w", filename, c.name, ErrDuplicateDocument)
	}

	stored := doc.Copy()
	if err := c.ensureDate(stored); err != nil {
		return fmt.Errorf("insert %s into %s: %w", filename, c.name, err)
	}
	now := timeutil.CurrentDate(c.clock)
	stored[document.KeyDateCreated] = now
	stored[document.KeyDateModified] = now

	c.logger.Debugf("Inserting document into %s: %s", c.name, filename)
	if _, err := c.coll.InsertOne(ctx, bson.M(stored)); err != nil {
		return fmt.Errorf("insert %s into %s: %w", filename, c.name, err)
	}
	return nil
}

// InsertMany inserts each document in turn, stopping at the first error.
func (c *Collection) InsertMany(ctx context.Context, docs []document.Document) error {
	for _, doc := range docs {
		if err := c.Insert(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// Update sets fields on the single document matching the filter. It
// refuses ambiguous filters, and without upsert it refuses filters that
// match nothing. date_modified is bumped on every update.
func (c *Collection) Update(ctx context.Context, match document.Document, update document.Document, upsert bool) error {
	filter := c.buildFilter(match, nil)

	n, err := c.coll.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("count in %s: %w", c.name, err)
	}
	if n > 1 {
		return fmt.Errorf("update in %s with filter %v: %w", c.name, match, ErrMultipleMatches)
	}
	if n == 0 && !upsert {
		return fmt.Errorf("update in %s with filter %v: %w", c.name, match, ErrNotFound)
	}

	set := bson.M(update.Copy())
	set[document.KeyDateModified] = timeutil.CurrentDate(c.clock)

	_, err = c.coll.UpdateOne(ctx, filter, bson.M{"$set": set}, options.Update().SetUpsert(upsert))
	if err != nil {
		return fmt.Errorf("update in %s: %w", c.name, err)
	}
	return nil
}

// Delete removes the single document matching the filter, refusing
// ambiguous or empty matches.
func (c *Collection) Delete(ctx context.Context, match document.Document) error {
	filter := c.buildFilter(match, nil)

	n, err := c.coll.CountDocuments(ctx, filter)
	if err != nil {
		return fmt.Errorf("count in %s: %w", c.name, err)
	}
	if n > 1 {
		return fmt.Errorf("delete in %s with filter %v: %w", c.name, match, ErrMultipleMatches)
	}
	if n == 0 {
		return fmt.Errorf("delete in %s with filter %v: %w", c.name, match, ErrNotFound)
	}

	if _, err := c.coll.DeleteOne(ctx, filter); err != nil {
		return fmt.Errorf("delete in %s: %w", c.name, err)
	}
	return nil
}

// DeleteMany removes every matching document and reports how many went.
func (c *Collection) DeleteMany(ctx context.Context, match document.Document) (int64, error) {
	res, err := c.coll.DeleteMany(ctx, c.buildFilter(match, nil))
	if err != nil {
		return 0, fmt.Errorf("delete many in %s: %w", c.name, err)
	}
	return res.DeletedCount, nil
}

// ensureDate backfills the document date key from the observation or
// calib date so date-range queries always apply.
func (c *Collection) ensureDate(doc document.Document) error {
	if doc.Has(c.dateKey) {
		return nil
	}
	for _, key := range []string{document.KeyDateObs, document.KeyCalibDate} {
		s := doc.GetString(key)
		if s == "" {
			continue
		}
		t, err := timeutil.ParseDate(s)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		doc[c.dateKey] = t
		return nil
	}
	return nil
}
