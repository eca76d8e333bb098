// Package astrometry fetches the index files the plate-solver
// containers mount. Index servers expose a plain directory listing;
// files are large and immutable, so existing ones are never refetched.
package astrometry

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

// Downloader mirrors matching index files from a remote listing into
// the local index directory.
type Downloader struct {
	baseURL string
	pattern string
	dir     string
	workers int
	client  httputil.HTTPClient
	logger  *zap.SugaredLogger
}

// NewDownloader builds a downloader from the astrometry configuration.
func NewDownloader(cfg *config.Config, client httputil.HTTPClient, logger *zap.SugaredLogger) *Downloader {
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &Downloader{
		baseURL: cfg.Astrometry.IndexURL,
		pattern: cfg.Astrometry.GetPattern(),
		dir:     cfg.Directories.Indexes,
		workers: cfg.Astrometry.GetWorkers(),
		client:  client,
		logger:  logging.OrDefault(logger),
	}
}

var hrefPattern = regexp.MustCompile(`href="([^"]+)"`)

// parseListing extracts plain file names from a directory listing
// page, skipping directories and external links.
func parseListing(body string) []string {
	var names []string
	for _, m := range hrefPattern.FindAllStringSubmatch(body, -1) {
		href := m[1]
		if strings.Contains(href, "://") || strings.HasPrefix(href, "?") {
			continue
		}
		if u, err := url.PathUnescape(href); err == nil {
			href = u
		}
		if strings.HasSuffix(href, "/") || strings.Contains(href, "/") {
			continue
		}
		names = append(names, href)
	}
	return names
}

// ListIndexFiles fetches the remote listing and returns the file names
// matching the configured pattern, sorted.
func (d *Downloader) ListIndexFiles(ctx context.Context) ([]string, error) {
	resp, err := httputil.Get(ctx, d.client, d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch index listing: %w", err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("fetch index listing: %w", err)
	}

	var out []string
	for _, name := range parseListing(string(body)) {
		ok, err := path.Match(d.pattern, name)
		if err != nil {
			return nil, fmt.Errorf("bad index pattern %q: %w", d.pattern, err)
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Download fetches every matching index file not already on disk and
// returns the number fetched.
func (d *Downloader) Download(ctx context.Context) (int, error) {
	names, err := d.ListIndexFiles(ctx)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return 0, err
	}
	d.logger.Infof("Found %d index files matching %s", len(names), d.pattern)

	var fetched atomic.Int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.workers)
	for _, name := range names {
		eg.Go(func() error {
			dest := filepath.Join(d.dir, name)
			if _, err := os.Stat(dest); err == nil {
				d.logger.Debugf("Index file already present: %s", name)
				return nil
			}
			if err := d.fetch(ctx, name, dest); err != nil {
				return err
			}
			fetched.Add(1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return int(fetched.Load()), err
	}
	return int(fetched.Load()), nil
}

// fetch downloads one file through a temporary name so a partial
// download never looks complete.
func (d *Downloader) fetch(ctx context.Context, name, dest string) error {
	u := strings.TrimRight(d.baseURL, "/") + "/" + name
	d.logger.Infof("Downloading index file: %s", name)

	resp, err := httputil.Get(ctx, d.client, u)
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	tmp := dest + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("download %s: %w", name, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		os.Remove(tmp)
		return fmt.Errorf("download %s: got %d bytes, want %d", name, n, resp.ContentLength)
	}
	return os.Rename(tmp, dest)
}
