package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		FITS: FITSConfig{
			HeaderMappings: map[string]string{
				"expTime": "EXPTIME",
				"ccdTemp": "CCD-TEMP",
			},
			RequiredColumns: []string{"expTime", "dataType", "dateObs", "ccd"},
		},
		Cameras: CamerasConfig{
			Mappings: map[string]int{"371d420": 1, "0e68b8b": 2},
		},
		Calibs: CalibsConfig{
			Types:        []string{"bias", "flat"},
			ValidityDays: 30,
		},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsDuplicateCameraIndex(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras.Mappings["aaaa111"] = 2

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected duplicate camera index to fail validation")
	}
	if !strings.Contains(err.Error(), "share index 2") {
		t.Errorf("error %q should name the shared index", err)
	}
}

func TestValidateRejectsNonPositiveCameraIndex(t *testing.T) {
	cfg := validConfig()
	cfg.Cameras.Mappings["badcam"] = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero camera index to fail validation")
	}
}

func TestValidateRejectsUnresolvableRequiredColumn(t *testing.T) {
	cfg := validConfig()
	cfg.FITS.RequiredColumns = append(cfg.FITS.RequiredColumns, "airmass")

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected unresolvable required column to fail validation")
	}
	if !strings.Contains(err.Error(), `"airmass"`) {
		t.Errorf("error %q should name the column", err)
	}

	// Mapping the column fixes it.
	cfg.FITS.HeaderMappings["airmass"] = "AIRMASS"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate after mapping airmass: %v", err)
	}
}

func TestValidateAcceptsDerivedColumns(t *testing.T) {
	cfg := validConfig()
	// None of these appear in header_mappings; all are derived by the
	// translator.
	cfg.FITS.RequiredColumns = []string{"dataType", "dateObs", "visit", "ccd", "field"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsEmptyRefCatRange(t *testing.T) {
	lo, hi := 18.0, 14.0
	cfg := validConfig()
	cfg.RefCat = RefCatConfig{
		TapURL:           "https://tap.example.org/tap",
		TapTable:         "dr3.master",
		RAKey:            "raj2000",
		DecKey:           "dej2000",
		UniqueSourceKey:  "object_id",
		ConeSearchRadius: 1,
		ParameterRanges:  map[string]Range{"g_psf": {Lower: &lo, Upper: &hi}},
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected inverted range to fail validation")
	}
}

func TestValidateRefCatRequiresKeys(t *testing.T) {
	cfg := validConfig()
	cfg.RefCat = RefCatConfig{TapURL: "https://tap.example.org/tap"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected refcat with only a URL to fail validation")
	}
}

func TestCalibDefaults(t *testing.T) {
	var c CalibsConfig
	types := c.GetTypes()
	if len(types) != 2 || types[0] != "bias" || types[1] != "flat" {
		t.Errorf("GetTypes = %v, want [bias flat]", types)
	}
	if cols := c.ColumnsFor("flat"); len(cols) != 2 || cols[0] != "ccd" || cols[1] != "filter" {
		t.Errorf("ColumnsFor(flat) = %v, want [ccd filter]", cols)
	}
	if cols := c.ColumnsFor("bias"); len(cols) != 1 || cols[0] != "ccd" {
		t.Errorf("ColumnsFor(bias) = %v, want [ccd]", cols)
	}
}

func TestValidityWindow(t *testing.T) {
	c := CalibsConfig{ValidityDays: 30}
	if got, want := c.Validity().Hours(), 30*24.0; got != want {
		t.Errorf("Validity = %v hours, want %v", got, want)
	}
}

func TestValidateRejectsUnknownQualityOperator(t *testing.T) {
	cfg := validConfig()
	cfg.Quality.Raw = map[string]CriteriaSpec{
		"science": {"metrics.clipped_std": {"maximum": 500.0}},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected unknown quality operator to fail validation")
	}
	if !strings.Contains(err.Error(), `"maximum"`) {
		t.Errorf("error %q should name the bad operator", err)
	}

	cfg.Quality.Raw["science"]["metrics.clipped_std"] = map[string]any{"less_than": 500.0}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with known operator: %v", err)
	}
}
