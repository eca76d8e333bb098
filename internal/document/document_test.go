package document

import (
	"strings"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestGetDotPath(t *testing.T) {
	doc := Document{
		"filename": "exposure.fits",
		"quality": map[string]any{
			"calexp": map[string]any{"zp_mag": 24.5},
		},
	}

	v, ok := doc.Get("quality.calexp.zp_mag")
	if !ok {
		t.Fatal("nested path did not resolve")
	}
	if v != 24.5 {
		t.Errorf("value = %v, want 24.5", v)
	}

	if _, ok := doc.Get("quality.psf.fwhm"); ok {
		t.Error("missing path should not resolve")
	}
	if _, ok := doc.Get("filename.sub"); ok {
		t.Error("path through a scalar should not resolve")
	}
}

func TestGetThroughBSONMap(t *testing.T) {
	doc := Document{
		"quality": primitive.M{"clipped_mean": int32(800)},
	}
	n, ok := doc.GetInt("quality.clipped_mean")
	if !ok || n != 800 {
		t.Errorf("GetInt through primitive.M = %d, %v", n, ok)
	}
}

func TestSetCreatesIntermediates(t *testing.T) {
	doc := Document{}
	doc.Set("quality.calexp.zp_mag", 24.5)

	f, ok := doc.GetFloat("quality.calexp.zp_mag")
	if !ok || f != 24.5 {
		t.Fatalf("GetFloat after Set = %v, %v", f, ok)
	}

	doc.Set("quality.calexp.psf_fwhm", 2.1)
	if !doc.Has("quality.calexp.zp_mag") {
		t.Error("sibling key lost after second Set")
	}
}

func TestGetTimeHandlesBSONDatetime(t *testing.T) {
	when := time.Date(2021, 3, 14, 19, 30, 0, 0, time.UTC)
	doc := Document{
		"date":     when,
		"modified": primitive.NewDateTimeFromTime(when),
	}

	got, ok := doc.GetTime("date")
	if !ok || !got.Equal(when) {
		t.Errorf("GetTime(date) = %v, %v", got, ok)
	}
	got, ok = doc.GetTime("modified")
	if !ok || !got.Equal(when) {
		t.Errorf("GetTime(modified) = %v, %v", got, ok)
	}
}

func TestCopyIsDeep(t *testing.T) {
	doc := Document{
		"quality": map[string]any{"screened": true},
	}
	dup := doc.Copy()
	dup.Set("quality.screened", false)

	if !doc.GetBool("quality.screened") {
		t.Error("mutating the copy changed the original")
	}
}

func TestRequireListsAllMissing(t *testing.T) {
	doc := Document{"filename": "a.fits"}
	err := doc.Require("filename", "ccd", "dateObs")
	if err == nil {
		t.Fatal("expected error for missing keys")
	}
	msg := err.Error()
	if !strings.Contains(msg, "ccd") || !strings.Contains(msg, "dateObs") {
		t.Errorf("error %q should list every missing key", msg)
	}
}

func TestValidateRaw(t *testing.T) {
	doc := Document{
		KeyFilename: "a.fits",
		"expTime":   1.0,
		KeyDataType: "science",
	}
	if err := ValidateRaw(doc, []string{"expTime", KeyDataType}); err != nil {
		t.Errorf("ValidateRaw: %v", err)
	}
	if err := ValidateRaw(doc, []string{"expTime", "ccdTemp"}); err == nil {
		t.Error("expected missing ccdTemp to fail")
	}
}

func TestValidateCalibFlatNeedsFilter(t *testing.T) {
	doc := Document{
		KeyCalibDate:   "2021-03-14",
		KeyDatasetType: "bias",
		KeyFilename:    "bias.fits",
		KeyCCD:         1,
	}
	if err := ValidateCalib(doc); err != nil {
		t.Errorf("ValidateCalib bias: %v", err)
	}

	doc[KeyDatasetType] = "flat"
	if err := ValidateCalib(doc); err == nil {
		t.Error("flat without filter should fail validation")
	}
	doc[KeyFilter] = "g_band"
	if err := ValidateCalib(doc); err != nil {
		t.Errorf("ValidateCalib flat with filter: %v", err)
	}
}
