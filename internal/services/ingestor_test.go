package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
)

// writeTestFrame writes a synthetic exposure with the headers the
// translator and the raw metrics need.
func writeTestFrame(t *testing.T, path, imageType, field, serial, dateObs string, value float64, extra ...fits.Card) string {
	t.Helper()
	img := fits.NewImage(4, 4)
	for i := range img.Data {
		img.Data[i] = value
	}
	cards := []fits.Card{
		{Name: "EXPTIME", Value: 60.0},
		{Name: "FILTER", Value: "g_band"},
		{Name: "FIELD", Value: field},
		{Name: "DATE-OBS", Value: dateObs},
		{Name: "IMAGETYP", Value: imageType},
		{Name: "INSTRUME", Value: serial},
		{Name: "BITDEPTH", Value: 16},
	}
	cards = append(cards, extra...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := fits.WriteImage(path, img, cards); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func biasFrame(t *testing.T, dir, name, serial, dateObs string) string {
	t.Helper()
	return writeTestFrame(t, filepath.Join(dir, name), "Dark Frame", "dark", serial, dateObs, 100)
}

// pointingCards carry the mount and site keywords science metrics need.
var pointingCards = []fits.Card{
	{Name: "RA-MNT", Value: 180.0},
	{Name: "DEC-MNT", Value: -33.0},
	{Name: "LAT-OBS", Value: -31.16},
	{Name: "LONG-OBS", Value: 149.13},
}

func TestIngestorNextObjects(t *testing.T) {
	cfg := testConfig(t)
	dir := cfg.Directories.Data

	ingested := biasFrame(t, dir, "night1/bias_0.fits", "371d420", "2021-03-14T10:00:00.000(UTC)")
	fresh := biasFrame(t, dir, "night1/bias_1.fits", "0e68b8b", "2021-03-14T10:00:00.000(UTC)")
	failed := biasFrame(t, dir, "night2/bias_2.fits", "371d420", "2021-03-15T10:00:00.000(UTC)")

	exposures := newFakeExposures(cfg,
		document.Document{
			document.KeyFilename: ingested,
			document.KeyMetrics:  map[string]any{document.MetricSuccessFlag: true},
		},
		document.Document{
			document.KeyFilename: failed,
			document.KeyMetrics:  map[string]any{document.MetricSuccessFlag: false},
		},
	)
	ing := NewIngestor(cfg, exposures, nil, nil)

	objs, err := ing.NextObjects(context.Background())
	if err != nil {
		t.Fatalf("NextObjects: %v", err)
	}

	want := map[string]bool{fresh: true, failed: true}
	if len(objs) != len(want) {
		t.Fatalf("got %d objects %v, want %d", len(objs), objs, len(want))
	}
	for _, obj := range objs {
		if !want[obj] {
			t.Errorf("unexpected object %s", obj)
		}
	}
}

func TestIngestorNextObjectsMissingDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Directories.Data = filepath.Join(cfg.Directories.Root, "does-not-exist")

	ing := NewIngestor(cfg, newFakeExposures(cfg), nil, nil)
	objs, err := ing.NextObjects(context.Background())
	if err != nil {
		t.Fatalf("NextObjects: %v", err)
	}
	if len(objs) != 0 {
		t.Errorf("got %v from missing directory, want none", objs)
	}
}

func TestIngestorProcessBias(t *testing.T) {
	cfg := testConfig(t)
	path := biasFrame(t, cfg.Directories.Data, "bias_0.fits", "371d420", "2021-03-14T10:00:00.000(UTC)")

	exposures := newFakeExposures(cfg)
	ing := NewIngestor(cfg, exposures, nil, nil)

	if err := ing.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	updates := exposures.getUpdates()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	up := updates[0]
	if !up.upsert {
		t.Error("ingest update is not an upsert")
	}
	if got := up.match.GetString(document.KeyFilename); got != path {
		t.Errorf("match filename = %q, want %q", got, path)
	}

	doc := up.update
	if got := doc.GetString(document.KeyDataType); got != document.DataTypeBias {
		t.Errorf("dataType = %q, want bias", got)
	}
	if ccd, _ := doc.GetInt(document.KeyCCD); ccd != 1 {
		t.Errorf("ccd = %d, want 1", ccd)
	}
	if got := doc.GetString(document.KeyFilter); got != "g_band" {
		t.Errorf("filter = %q, want g_band", got)
	}
	if !doc.GetBool(document.KeyMetrics + "." + document.MetricSuccessFlag) {
		t.Error("metrics not marked successful")
	}
	if _, ok := doc.GetFloat(document.KeyMetrics + ".clipped_median"); !ok {
		t.Error("clipped stats missing from metrics")
	}
	if _, ok := doc.GetTime(cfg.MongoDB.GetDateKey()); !ok {
		t.Error("parsed date missing from document")
	}
}

func TestIngestorProcessScience(t *testing.T) {
	cfg := testConfig(t)
	path := writeTestFrame(t, filepath.Join(cfg.Directories.Data, "science_0.fits"),
		"Light Frame", "TestField0", "371d420", "2021-03-14T10:00:00.000(UTC)", 500,
		pointingCards...)

	exposures := newFakeExposures(cfg)
	ing := NewIngestor(cfg, exposures, nil, nil)

	if err := ing.Process(context.Background(), path); err != nil {
		t.Fatalf("Process: %v", err)
	}

	doc := exposures.getUpdates()[0].update
	if !doc.GetBool(document.KeyMetrics + ".has_pointing") {
		t.Error("science exposure has no pointing")
	}
	if ra, ok := doc.GetFloat(document.KeyMetrics + ".ra_centre"); !ok || ra != 180.0 {
		t.Errorf("ra_centre = %v (ok=%v), want 180", ra, ok)
	}
	if _, ok := doc.GetFloat(document.KeyMetrics + ".alt"); !ok {
		t.Error("alt missing despite site keywords")
	}
}

func TestIngestorProcessScienceWithoutMountCoords(t *testing.T) {
	cfg := testConfig(t)
	path := writeTestFrame(t, filepath.Join(cfg.Directories.Data, "science_0.fits"),
		"Light Frame", "TestField0", "371d420", "2021-03-14T10:00:00.000(UTC)", 500)

	exposures := newFakeExposures(cfg)
	ing := NewIngestor(cfg, exposures, nil, nil)

	// The document is still recorded so the failure is visible in the
	// store, but Process reports the metric failure for retry.
	if err := ing.Process(context.Background(), path); err == nil {
		t.Fatal("expected error for science frame without mount coordinates")
	}

	updates := exposures.getUpdates()
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	if updates[0].update.GetBool(document.KeyMetrics + "." + document.MetricSuccessFlag) {
		t.Error("metrics marked successful despite missing pointing")
	}
}

func TestIngestorProcessUnreadableFile(t *testing.T) {
	cfg := testConfig(t)
	exposures := newFakeExposures(cfg)
	ing := NewIngestor(cfg, exposures, nil, nil)

	err := ing.Process(context.Background(), filepath.Join(cfg.Directories.Data, "missing.fits"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if len(exposures.getUpdates()) != 0 {
		t.Error("update recorded for unreadable file")
	}
}

func TestIngestorWatcherPicksUpNewFiles(t *testing.T) {
	cfg := testConfig(t)
	// Only the filesystem watcher can trigger discovery within the
	// test window.
	cfg.Services.QueueInterval = config.Duration(time.Hour)

	exposures := newFakeExposures(cfg)
	ing := NewIngestor(cfg, exposures, nil, nil)

	runDone := make(chan error, 1)
	go func() {
		runDone <- ing.Run(context.Background())
	}()
	defer func() {
		ing.Stop()
		select {
		case err := <-runDone:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("ingestor did not stop in time")
		}
	}()
	waitFor(t, time.Second, ing.IsRunning, "ingestor to start")

	// Write outside the data directory, then move into place so the
	// create event fires on a complete file.
	staged := biasFrame(t, cfg.Directories.Work, "bias_0.fits", "371d420", "2021-03-14T10:00:00.000(UTC)")
	target := filepath.Join(cfg.Directories.Data, "bias_0.fits")
	if err := os.Rename(staged, target); err != nil {
		t.Fatalf("rename into data directory: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		for _, up := range exposures.getUpdates() {
			if up.match.GetString(document.KeyFilename) == target {
				return true
			}
		}
		return false
	}, "new file to be ingested")
}
