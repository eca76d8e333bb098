package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
)

func scienceDoc(filename string, clippedStd float64) document.Document {
	return document.Document{
		document.KeyFilename: filename,
		document.KeyDataType: document.DataTypeScience,
		document.KeyMetrics: map[string]any{
			document.MetricSuccessFlag: true,
			"clipped_std":              clippedStd,
		},
	}
}

func TestScreenerNextObjects(t *testing.T) {
	cfg := testConfig(t)

	unscreened := scienceDoc("a.fits", 50)
	screened := scienceDoc("b.fits", 50)
	screened.Set(document.ScreenSuccessFlag, true)
	rejected := scienceDoc("c.fits", 50)
	rejected.Set(document.ScreenSuccessFlag, false)
	noMetrics := document.Document{
		document.KeyFilename: "d.fits",
		document.KeyDataType: document.DataTypeScience,
		document.KeyMetrics:  map[string]any{document.MetricSuccessFlag: false},
	}

	exposures := newFakeExposures(cfg, unscreened, screened, rejected, noMetrics)
	s := NewScreener(cfg, exposures, nil, nil)

	objs, err := s.NextObjects(context.Background())
	if err != nil {
		t.Fatalf("NextObjects: %v", err)
	}
	if len(objs) != 1 || objs[0] != "a.fits" {
		t.Errorf("got %v, want [a.fits]", objs)
	}
}

func TestScreenerProcessVerdicts(t *testing.T) {
	cfg := testConfig(t)

	cases := []struct {
		name string
		doc  document.Document
		want bool
	}{
		{"passing science", scienceDoc("pass.fits", 50), true},
		{"failing science", scienceDoc("fail.fits", 5000), false},
		{"bias has no criteria", document.Document{
			document.KeyFilename: "bias.fits",
			document.KeyDataType: document.DataTypeBias,
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exposures := newFakeExposures(cfg, tc.doc)
			s := NewScreener(cfg, exposures, nil, nil)

			filename := tc.doc.GetString(document.KeyFilename)
			if err := s.Process(context.Background(), filename); err != nil {
				t.Fatalf("Process: %v", err)
			}

			updates := exposures.getUpdates()
			if len(updates) != 1 {
				t.Fatalf("got %d updates, want 1", len(updates))
			}
			up := updates[0]
			if up.upsert {
				t.Error("screening update must not upsert")
			}
			verdict, ok := up.update.Get(document.ScreenSuccessFlag)
			if !ok {
				t.Fatal("update does not set the screening flag")
			}
			if verdict != tc.want {
				t.Errorf("screen_success = %v, want %v", verdict, tc.want)
			}
		})
	}
}

func TestScreenerProcessMissingDocument(t *testing.T) {
	cfg := testConfig(t)
	s := NewScreener(cfg, newFakeExposures(cfg), nil, nil)

	err := s.Process(context.Background(), "nowhere.fits")
	if !errors.Is(err, mongodb.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestScreenerRunDrainsBacklog(t *testing.T) {
	cfg := testConfig(t)
	exposures := newFakeExposures(cfg,
		scienceDoc("pass.fits", 50),
		scienceDoc("fail.fits", 5000),
	)
	s := NewScreener(cfg, exposures, nil, nil)

	runDone := make(chan error, 1)
	go func() {
		runDone <- s.Run(context.Background())
	}()
	waitFor(t, time.Second, s.IsRunning, "screener to start")

	// Both documents get a verdict, after which discovery finds
	// nothing: the screening flag now exists either way.
	waitFor(t, 2*time.Second, func() bool { return len(exposures.getUpdates()) >= 2 },
		"both exposures to be screened")

	s.Stop()
	if err := <-runDone; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	verdicts := map[string]bool{}
	for _, up := range exposures.getUpdates() {
		name := up.match.GetString(document.KeyFilename)
		if v, ok := up.update.Get(document.ScreenSuccessFlag); ok {
			verdicts[name] = v == true
		}
	}
	if !verdicts["pass.fits"] {
		t.Error("pass.fits did not pass screening")
	}
	if v, ok := verdicts["fail.fits"]; !ok || v {
		t.Error("fail.fits was not rejected")
	}
}
