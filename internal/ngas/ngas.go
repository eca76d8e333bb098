// Package ngas talks to the NGAS object archive over its HTTP command
// interface. Commands take the form http://host:port/COMMAND?k=v; file
// payloads travel in the request or response body.
package ngas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
)

const (
	commandArchive  = "QARCHIVE"
	commandQuery    = "QUERY"
	commandRetrieve = "RETRIEVE"
	commandStatus   = "STATUS"
)

// Client archives and retrieves files against one NGAS server.
type Client struct {
	addr   string
	client httputil.HTTPClient
	logger *zap.SugaredLogger
}

// NewClient builds a client for the configured server. A nil client
// gets an unbounded-timeout http.Client, since archive transfers can
// be large.
func NewClient(cfg *config.Config, client httputil.HTTPClient, logger *zap.SugaredLogger) *Client {
	if client == nil {
		client = httputil.NewClient(0)
	}
	return &Client{
		addr:   cfg.NGAS.Addr(),
		client: client,
		logger: logging.OrDefault(logger),
	}
}

func (c *Client) commandURL(command string, params url.Values) string {
	u := url.URL{
		Scheme:   "http",
		Host:     c.addr,
		Path:     "/" + command,
		RawQuery: params.Encode(),
	}
	return u.String()
}

// Push archives a local file under name using QARCHIVE. An empty name
// defaults to the file's base name.
func (c *Client) Push(ctx context.Context, localPath, name string) error {
	if name == "" {
		name = filepath.Base(localPath)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("QARCHIVE %s: %w", name, err)
	}
	defer f.Close()

	params := url.Values{}
	params.Set("filename", name)
	params.Set("ignore_arcfile", "1")
	params.Set("format", "json")

	u := c.commandURL(commandArchive, params)
	c.logger.Debugf("Posting NGAS command: %s", u)

	resp, err := httputil.Post(ctx, c.client, u, "application/octet-stream", f)
	if err != nil {
		return fmt.Errorf("QARCHIVE %s: %w", name, err)
	}
	if _, err := httputil.ReadBody(resp); err != nil {
		return fmt.Errorf("QARCHIVE %s: %w", name, err)
	}
	return nil
}

// QueryFiles lists the file ids known to the archive.
func (c *Client) QueryFiles(ctx context.Context) ([]string, error) {
	params := url.Values{}
	params.Set("query", "files_list")
	params.Set("format", "json")

	u := c.commandURL(commandQuery, params)
	c.logger.Debugf("Posting NGAS command: %s", u)

	resp, err := httputil.Post(ctx, c.client, u, "", nil)
	if err != nil {
		return nil, fmt.Errorf("QUERY: %w", err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("QUERY: %w", err)
	}

	// Query results arrive as {"<query>": [[col0, col1, ...], ...]}
	// with the file id in the first column.
	var result map[string][][]any
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode files_list: %w", err)
	}
	rows := result["files_list"]
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		if id, ok := row[0].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Retrieve downloads the archived file with the given id to localPath,
// creating parent directories as needed.
func (c *Client) Retrieve(ctx context.Context, name, localPath string) error {
	params := url.Values{}
	params.Set("file_id", name)

	u := c.commandURL(commandRetrieve, params)
	c.logger.Debugf("Fetching NGAS file: %s", u)

	resp, err := httputil.Get(ctx, c.client, u)
	if err != nil {
		return fmt.Errorf("RETRIEVE %s: %w", name, err)
	}
	if err := httputil.CheckStatus(resp); err != nil {
		return fmt.Errorf("RETRIEVE %s: %w", name, err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("RETRIEVE %s: %w", name, err)
	}
	return f.Close()
}

// Status checks that the server answers its STATUS command.
func (c *Client) Status(ctx context.Context) error {
	u := c.commandURL(commandStatus, nil)
	resp, err := httputil.Get(ctx, c.client, u)
	if err != nil {
		return fmt.Errorf("STATUS: %w", err)
	}
	if _, err := httputil.ReadBody(resp); err != nil {
		return fmt.Errorf("STATUS: %w", err)
	}
	return nil
}
