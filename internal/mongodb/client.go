// Package mongodb wraps the document store holding exposure and master
// calib metadata. Each collection shares the same conventions: a document
// date key, created/modified stamps and a unique filename per document.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

const connectTimeout = 10 * time.Second

// Client owns the mongo connection shared by the collection wrappers.
type Client struct {
	cfg    *config.Config
	client *mongo.Client
	db     *mongo.Database
	clock  timeutil.Clock
	logger *zap.SugaredLogger
}

// Connect dials the document store and verifies it is reachable.
func Connect(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Client, error) {
	logger = logging.OrDefault(logger)
	uri := cfg.MongoDB.GetURI()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb at %s: %w", uri, err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb at %s: %w", uri, err)
	}
	logger.Infof("Connected to mongodb at %s", uri)

	return &Client{
		cfg:    cfg,
		client: client,
		db:     client.Database(cfg.MongoDB.GetDatabase()),
		clock:  timeutil.RealClock{},
		logger: logger,
	}, nil
}

// Close disconnects from the document store.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// Ping checks that the document store is still reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// SetClock replaces the clock used for date stamps. Tests use this to
// make date_created and date_modified deterministic.
func (c *Client) SetClock(clock timeutil.Clock) { c.clock = clock }

// Collection returns a wrapper for an arbitrary named collection.
func (c *Client) Collection(name string) *Collection {
	return &Collection{
		coll:    c.db.Collection(name),
		name:    name,
		dateKey: c.cfg.MongoDB.GetDateKey(),
		clock:   c.clock,
		logger:  c.logger,
	}
}

// RawExposures returns the raw exposure metadata collection.
func (c *Client) RawExposures() *RawExposureCollection {
	return NewRawExposureCollection(c.Collection(c.cfg.MongoDB.GetRawCollection()), c.cfg)
}

// MasterCalibs returns the master calib metadata collection.
func (c *Client) MasterCalibs() *MasterCalibCollection {
	return NewMasterCalibCollection(c.Collection(c.cfg.MongoDB.GetCalibCollection()), c.cfg)
}
