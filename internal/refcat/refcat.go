// Package refcat builds reference source catalogues by cone-searching
// a TAP service, for photometric calibration of calexps.
package refcat

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

// Coordinate is a J2000 pointing in degrees.
type Coordinate struct {
	RA  float64
	Dec float64
}

// Client runs ADQL cone searches against one TAP service.
type Client struct {
	cfg    config.RefCatConfig
	client httputil.HTTPClient
	logger *zap.SugaredLogger
}

// NewClient builds a client from the refcat configuration.
func NewClient(cfg *config.Config, client httputil.HTTPClient, logger *zap.SugaredLogger) *Client {
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &Client{
		cfg:    cfg.RefCat,
		client: client,
		logger: logging.OrDefault(logger),
	}
}

// ConeSearchQuery returns the ADQL selecting every catalogue source
// within the configured radius of the pointing, with the parameter
// range clauses applied.
func (c *Client) ConeSearchQuery(ra, dec float64) string {
	var q strings.Builder
	fmt.Fprintf(&q, "SELECT * FROM %s", c.cfg.TapTable)
	fmt.Fprintf(&q, " WHERE 1=CONTAINS(POINT('ICRS', %s, %s), CIRCLE('ICRS', %v, %v, %v))",
		c.cfg.GetRAKey(), c.cfg.GetDecKey(), ra, dec, c.cfg.ConeSearchRadius)

	params := make([]string, 0, len(c.cfg.ParameterRanges))
	for param := range c.cfg.ParameterRanges {
		params = append(params, param)
	}
	sort.Strings(params)
	for _, param := range params {
		r := c.cfg.ParameterRanges[param]
		if r.Lower != nil {
			fmt.Fprintf(&q, " AND %s >= %v", param, *r.Lower)
		}
		if r.Upper != nil {
			fmt.Fprintf(&q, " AND %s < %v", param, *r.Upper)
		}
	}

	if c.cfg.Limit > 0 {
		fmt.Fprintf(&q, " LIMIT %d", c.cfg.Limit)
	}
	return q.String()
}

// ConeSearch runs one query through the synchronous TAP endpoint and
// parses the CSV result.
func (c *Client) ConeSearch(ctx context.Context, ra, dec float64) (*Table, error) {
	query := c.ConeSearchQuery(ra, dec)
	c.logger.Debugf("Cone search command: %s", query)

	form := url.Values{}
	form.Set("REQUEST", "doQuery")
	form.Set("LANG", "ADQL")
	form.Set("FORMAT", "csv")
	form.Set("QUERY", query)

	endpoint := strings.TrimRight(c.cfg.TapURL, "/") + "/sync"
	resp, err := httputil.Post(ctx, c.client, endpoint,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("cone search failed: %w", err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("cone search failed: %w", err)
	}
	return ParseCSV(bytes.NewReader(body))
}

// MakeReferenceCatalogue cone-searches every pointing, concatenates
// the results and drops duplicate sources by the unique source key.
func (c *Client) MakeReferenceCatalogue(ctx context.Context, coords []Coordinate) (*Table, error) {
	if len(coords) == 0 {
		return nil, fmt.Errorf("no coordinates to search")
	}

	var catalogue *Table
	for _, coord := range coords {
		table, err := c.ConeSearch(ctx, coord.RA, coord.Dec)
		if err != nil {
			return nil, err
		}
		c.logger.Debugf("Adding %d sources for ra=%v dec=%v", table.NumRows(), coord.RA, coord.Dec)
		if catalogue == nil {
			catalogue = table
			continue
		}
		if err := catalogue.Append(table); err != nil {
			return nil, err
		}
	}

	if err := catalogue.Dedup(c.cfg.UniqueSourceKey); err != nil {
		return nil, err
	}
	c.logger.Infof("Made reference catalogue with %d unique sources", catalogue.NumRows())
	return catalogue, nil
}
