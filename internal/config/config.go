// Package config loads and validates the observatory configuration.
//
// Configuration is assembled from YAML files under <root>/config, where
// root comes from the HUNTSMAN_DRP environment variable: config.yaml is
// required, config_local.yaml is merged over it when present, and
// testing.yaml is merged in testing mode. Values are immutable after
// Load returns.
package config

import (
	"strconv"
	"time"
)

// Config is the top-level observatory configuration.
type Config struct {
	Site        SiteConfig  `yaml:"site"`
	Directories Directories `yaml:"directories"`

	MongoDB    MongoDBConfig    `yaml:"mongodb"`
	FITS       FITSConfig       `yaml:"fits"`
	Cameras    CamerasConfig    `yaml:"cameras"`
	Calibs     CalibsConfig     `yaml:"calibs"`
	Quality    QualityConfig    `yaml:"quality"`
	RefCat     RefCatConfig     `yaml:"refcat"`
	NGAS       NGASConfig       `yaml:"ngas"`
	NATS       NATSConfig       `yaml:"nats"`
	Butler     ButlerConfig     `yaml:"butler"`
	Astrometry AstrometryConfig `yaml:"astrometry"`

	Services ServicesConfig `yaml:"services"`
	Plotter  PlotterConfig  `yaml:"plotter"`

	ExposureSequence ExposureSequenceConfig `yaml:"exposure_sequence"`
}

// SiteConfig identifies the observatory. The coordinates are stamped
// into simulated exposure headers and are not read back by the
// pipeline, which trusts the LAT-OBS/LONG-OBS keywords in each file.
type SiteConfig struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Elevation float64 `yaml:"elevation"`
}

// Directories holds the filesystem layout. Values may reference
// environment variables (${DATA} and friends); Load expands them.
type Directories struct {
	Root    string `yaml:"root"`
	Data    string `yaml:"data"`
	Archive string `yaml:"archive"`
	Work    string `yaml:"work"`
	Plots   string `yaml:"plots"`
	Indexes string `yaml:"astrometry_indexes"`
	Log     string `yaml:"log"`
	Mount   string `yaml:"mount"`
}

// MongoDBConfig locates the document store.
type MongoDBConfig struct {
	URI             string `yaml:"uri"`
	Hostname        string `yaml:"hostname"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"db_name"`
	RawCollection   string `yaml:"raw_collection"`
	CalibCollection string `yaml:"calib_collection"`

	// DateKey is the document field holding the parsed observation
	// timestamp used for date-range queries.
	DateKey string `yaml:"date_key"`
}

// GetDateKey returns the document date field, defaulting to "date".
func (c MongoDBConfig) GetDateKey() string {
	if c.DateKey == "" {
		return "date"
	}
	return c.DateKey
}

// GetURI returns the connection string, building one from hostname/port
// when no explicit URI is configured.
func (c MongoDBConfig) GetURI() string {
	if c.URI != "" {
		return c.URI
	}
	host := c.Hostname
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 27017
	}
	return "mongodb://" + host + ":" + strconv.Itoa(port)
}

// GetDatabase returns the database name, defaulting to "huntsman".
func (c MongoDBConfig) GetDatabase() string {
	if c.Database == "" {
		return "huntsman"
	}
	return c.Database
}

// GetRawCollection returns the raw exposure collection name.
func (c MongoDBConfig) GetRawCollection() string {
	if c.RawCollection == "" {
		return "raw_data"
	}
	return c.RawCollection
}

// GetCalibCollection returns the master calib collection name.
func (c MongoDBConfig) GetCalibCollection() string {
	if c.CalibCollection == "" {
		return "master_calib"
	}
	return c.CalibCollection
}

// FITSConfig maps logical column names onto physical header keywords.
type FITSConfig struct {
	// HeaderMappings maps logical names (expTime, ccdTemp) to the
	// keyword written by the cameras (EXPTIME, CCD-TEMP).
	HeaderMappings map[string]string `yaml:"header_mappings"`

	// RequiredColumns are the logical columns every ingested exposure
	// document must carry.
	RequiredColumns []string `yaml:"required_columns"`

	// DateKey is the physical keyword holding the exposure timestamp.
	DateKey string `yaml:"date_key"`
}

// GetDateKey returns the timestamp keyword, defaulting to DATE-OBS.
func (c FITSConfig) GetDateKey() string {
	if c.DateKey == "" {
		return "DATE-OBS"
	}
	return c.DateKey
}

// CamerasConfig carries the camera identity tables.
type CamerasConfig struct {
	// Mappings maps camera serial numbers to their ccd index. Keys and
	// values must both be unique; values are small positive integers.
	Mappings map[string]int `yaml:"mappings"`

	// Devices lists camera names in array order for plotting. The ccd
	// index of devices[i] is i+1.
	Devices []string `yaml:"devices"`

	// PixelScale is the plate scale in arcseconds per pixel, shared by
	// every camera in the array.
	PixelScale float64 `yaml:"pixel_scale"`
}

// GetPixelScale returns the plate scale, defaulting to 1 arcsec/pixel.
func (c CamerasConfig) GetPixelScale() float64 {
	if c.PixelScale <= 0 {
		return 1.0
	}
	return c.PixelScale
}

// CalibsConfig controls master calibration bookkeeping.
type CalibsConfig struct {
	// Types enumerates the calib dataset types, in build order.
	Types []string `yaml:"types"`

	// ValidityDays bounds how far (in days, inclusive) a master calib's
	// date may sit from an exposure's observation date and still match.
	ValidityDays int `yaml:"validity"`

	// MatchingColumns lists, per type, the document columns that must
	// agree between a calib and the exposure it corrects.
	MatchingColumns map[string][]string `yaml:"matching_columns"`

	MinDocsPerCalib int `yaml:"min_docs_per_calib"`
	MaxDocsPerCalib int `yaml:"max_docs_per_calib"`
}

// GetTypes returns the calib types, defaulting to bias then flat.
func (c CalibsConfig) GetTypes() []string {
	if len(c.Types) == 0 {
		return []string{"bias", "flat"}
	}
	return c.Types
}

// Validity returns the validity window as a duration.
func (c CalibsConfig) Validity() time.Duration {
	return time.Duration(c.ValidityDays) * 24 * time.Hour
}

// ColumnsFor returns the matching columns for a calib type, falling back
// to ccd for bias and ccd+filter for flat.
func (c CalibsConfig) ColumnsFor(calibType string) []string {
	if cols, ok := c.MatchingColumns[calibType]; ok {
		return cols
	}
	if calibType == "flat" {
		return []string{"ccd", "filter"}
	}
	return []string{"ccd"}
}

// GetMinDocsPerCalib returns the minimum stack depth, defaulting to 1.
func (c CalibsConfig) GetMinDocsPerCalib() int {
	if c.MinDocsPerCalib <= 0 {
		return 1
	}
	return c.MinDocsPerCalib
}

// CriteriaSpec maps a document column to operator/threshold pairs, e.g.
// {"clipped_std": {"greater_than": 0}}.
type CriteriaSpec map[string]map[string]any

// QualityConfig holds the screening thresholds applied to raw exposure
// metrics, keyed by dataset type.
type QualityConfig struct {
	Raw map[string]CriteriaSpec `yaml:"raw"`
}

// Range is a half-open parameter window; nil bounds are unconstrained.
type Range struct {
	Lower *float64 `yaml:"lower"`
	Upper *float64 `yaml:"upper"`
}

// RefCatConfig describes the TAP reference catalogue service.
type RefCatConfig struct {
	TapURL           string           `yaml:"tap_url"`
	TapTable         string           `yaml:"tap_table"`
	RAKey            string           `yaml:"ra_key"`
	DecKey           string           `yaml:"dec_key"`
	UniqueSourceKey  string           `yaml:"unique_source_key"`
	ConeSearchRadius float64          `yaml:"cone_search_radius"`
	Limit            int              `yaml:"tap_limit"`
	ParameterRanges  map[string]Range `yaml:"parameter_ranges"`

	// MagKeys maps an exposure filter name onto the catalogue column
	// holding reference magnitudes in that band.
	MagKeys map[string]string `yaml:"mag_keys"`
}

// GetRAKey returns the catalogue RA column, defaulting to raj2000.
func (c RefCatConfig) GetRAKey() string {
	if c.RAKey == "" {
		return "raj2000"
	}
	return c.RAKey
}

// GetDecKey returns the catalogue Dec column, defaulting to dej2000.
func (c RefCatConfig) GetDecKey() string {
	if c.DecKey == "" {
		return "dej2000"
	}
	return c.DecKey
}

// NGASConfig locates the remote object store.
type NGASConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
}

// Addr returns host:port with the NGAS default port applied.
func (c NGASConfig) Addr() string {
	host := c.Hostname
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 7777
	}
	return host + ":" + strconv.Itoa(port)
}

// AstrometryConfig controls astrometric index-file downloads.
type AstrometryConfig struct {
	IndexURL string `yaml:"index_url"`
	Pattern  string `yaml:"index_pattern"`
	Workers  int    `yaml:"download_workers"`
}

// GetPattern returns the index filename pattern, defaulting to every
// index file.
func (c AstrometryConfig) GetPattern() string {
	if c.Pattern == "" {
		return "index-*.fits"
	}
	return c.Pattern
}

// GetWorkers returns the download parallelism, defaulting to 4.
func (c AstrometryConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// NATSConfig controls the event bus. A disabled bus is a no-op.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// GetURL returns the NATS server URL with the standard default.
func (c NATSConfig) GetURL() string {
	if c.URL == "" {
		return "nats://127.0.0.1:4222"
	}
	return c.URL
}

// ButlerConfig locates the data repository.
type ButlerConfig struct {
	Directory string `yaml:"directory"`
}

// ServicesConfig carries the shared service scheduling knobs.
type ServicesConfig struct {
	QueueInterval  Duration `yaml:"queue_interval"`
	StatusInterval Duration `yaml:"status_interval"`
	Workers        int      `yaml:"workers"`
	ListenAddr     string   `yaml:"listen_addr"`
}

// GetQueueInterval returns the work discovery period, default 5m.
func (c ServicesConfig) GetQueueInterval() time.Duration {
	if c.QueueInterval <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.QueueInterval)
}

// GetStatusInterval returns the status reporting period, default 1m.
func (c ServicesConfig) GetStatusInterval() time.Duration {
	if c.StatusInterval <= 0 {
		return time.Minute
	}
	return time.Duration(c.StatusInterval)
}

// GetWorkers returns the per-service worker count, default 4.
func (c ServicesConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetListenAddr returns the status API bind address, default :8085.
func (c ServicesConfig) GetListenAddr() string {
	if c.ListenAddr == "" {
		return ":8085"
	}
	return c.ListenAddr
}

// PlotDirective describes one plot family: a metric column against the
// x column, one panel per camera, optionally split by filter.
type PlotDirective struct {
	Collection string `yaml:"collection"`
	XKey       string `yaml:"x_key"`
	YKey       string `yaml:"y_key"`
	ByFilter   bool   `yaml:"by_filter"`
	Histogram  bool   `yaml:"histogram"`
	NBins      int    `yaml:"n_bins"`
}

// GetNBins returns the histogram bin count, default 20.
func (d PlotDirective) GetNBins() int {
	if d.NBins <= 0 {
		return 20
	}
	return d.NBins
}

// PlotterConfig drives the plotter service.
type PlotterConfig struct {
	Interval   Duration        `yaml:"interval"`
	Directives []PlotDirective `yaml:"plots"`
}

// GetInterval returns the plot regeneration period, default 1h.
func (c PlotterConfig) GetInterval() time.Duration {
	if c.Interval <= 0 {
		return time.Hour
	}
	return time.Duration(c.Interval)
}

// ExposureSequenceConfig parameterises the fake observation generator
// used by the simulator and the test suite.
type ExposureSequenceConfig struct {
	SizeX           int      `yaml:"size_x"`
	SizeY           int      `yaml:"size_y"`
	BitDepth        int      `yaml:"bit_depth"`
	Saturate        float64  `yaml:"saturate"`
	Bias            float64  `yaml:"bias"`
	PixelSizeArcsec float64  `yaml:"pixel_size"`
	NDays           int      `yaml:"n_days"`
	NCameras        int      `yaml:"n_cameras"`
	NFlat           int      `yaml:"n_flat"`
	NScience        int      `yaml:"n_science"`
	NBias           int      `yaml:"n_bias"`
	Filters         []string `yaml:"filters"`
	ExptimeScience  float64  `yaml:"exptime_science"`
	ExptimeFlat     float64  `yaml:"exptime_flat"`
	StartDate       string   `yaml:"start_date"`
}
