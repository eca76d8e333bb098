// Package testutil generates synthetic observation sets for the service
// tests and the simulate command.
package testutil

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// Field names stamped on generated frames. Screening classifies flats
// by the "Flat" prefix, so tests rely on these exact values.
const (
	FlatField    = "FlatDither0"
	ScienceField = "TestField0"
	DarkField    = "Dark Field"
)

// FakeExposureSequence writes synthetic observation nights in the
// layout the cameras produce: for each night and camera, flat and
// science frames in every configured filter followed by dark frames
// matching both exposure times. Pixel counts are Poisson draws around
// the configured bias and saturation levels so the frames carry
// realistic statistics for the metric and calib code.
type FakeExposureSequence struct {
	cfg *config.Config
	seq config.ExposureSequenceConfig
	src rand.Source

	fileCount int

	// Headers holds the header of every file written, keyed by path.
	Headers map[string]fits.Header
}

// NewFakeExposureSequence returns a generator. The seed fixes the pixel
// noise so repeated runs produce identical frames.
func NewFakeExposureSequence(cfg *config.Config, seed uint64) *FakeExposureSequence {
	return &FakeExposureSequence{
		cfg:     cfg,
		seq:     sequenceDefaults(cfg.ExposureSequence),
		src:     rand.NewPCG(seed, seed),
		Headers: make(map[string]fits.Header),
	}
}

// Generate writes the configured sequence under dir and returns the
// file paths in write order.
func (f *FakeExposureSequence) Generate(dir string) ([]string, error) {
	start, err := timeutil.ParseDate(f.seq.StartDate)
	if err != nil {
		return nil, fmt.Errorf("exposure_sequence start_date: %w", err)
	}
	serials, err := serialsByCCD(f.cfg.Cameras.Mappings, f.seq.NCameras)
	if err != nil {
		return nil, err
	}

	var paths []string
	write := func(img *fits.Image, cards []fits.Card) error {
		path := filepath.Join(dir, fmt.Sprintf("testdata_%d.fits", f.fileCount))
		if err := fits.WriteImage(path, img, cards); err != nil {
			return err
		}
		hdr, err := fits.ReadHeader(path)
		if err != nil {
			return err
		}
		f.Headers[path] = hdr
		f.fileCount++
		paths = append(paths, path)
		return nil
	}

	for day := 0; day < f.seq.NDays; day++ {
		// Nights start in the evening so every frame lands on one date.
		night := start.AddDate(0, 0, day).Add(19 * time.Hour)

		for cam := 0; cam < f.seq.NCameras; cam++ {
			serial := serials[cam+1]
			// Cameras expose in lockstep; each replays the same times,
			// so frames taken together share a visit id.
			t := night

			for _, filter := range f.seq.Filters {
				for i := 0; i < f.seq.NFlat; i++ {
					if err := write(f.lightFrame(t, serial, f.seq.ExptimeFlat, filter, FlatField)); err != nil {
						return paths, err
					}
					t = t.Add(exposureDuration(f.seq.ExptimeFlat))
				}
				for i := 0; i < f.seq.NScience; i++ {
					if err := write(f.lightFrame(t, serial, f.seq.ExptimeScience, filter, ScienceField)); err != nil {
						return paths, err
					}
					t = t.Add(exposureDuration(f.seq.ExptimeScience))
				}
			}

			// Dark frames at both exposure times, for the bias masters.
			for i := 0; i < f.seq.NBias; i++ {
				for _, exptime := range []float64{f.seq.ExptimeFlat, f.seq.ExptimeScience} {
					if err := write(f.darkFrame(t, serial, exptime)); err != nil {
						return paths, err
					}
					t = t.Add(exposureDuration(exptime))
				}
			}
		}
	}
	return paths, nil
}

func (f *FakeExposureSequence) lightFrame(t time.Time, serial string, exptime float64, filter, field string) (*fits.Image, []fits.Card) {
	img := f.sampleImage(0.5*f.seq.Saturate, f.seq.Bias)
	return img, f.cards(t, serial, exptime, filter, field, "Light Frame")
}

func (f *FakeExposureSequence) darkFrame(t time.Time, serial string, exptime float64) (*fits.Image, []fits.Card) {
	img := f.sampleImage(f.seq.Bias, 0)
	return img, f.cards(t, serial, exptime, "Blank", DarkField, "Dark Frame")
}

// sampleImage fills a frame with Poisson counts around lambda, shifted
// by offset and clipped at the saturation level.
func (f *FakeExposureSequence) sampleImage(lambda, offset float64) *fits.Image {
	img := fits.NewImage(f.seq.SizeX, f.seq.SizeY)
	poisson := distuv.Poisson{Lambda: lambda, Src: f.src}
	for i := range img.Data {
		v := poisson.Rand() + offset
		if v > f.seq.Saturate {
			v = f.seq.Saturate
		}
		img.Data[i] = v
	}
	return img
}

func (f *FakeExposureSequence) cards(t time.Time, serial string, exptime float64, filter, field, imageType string) []fits.Card {
	pixDeg := f.pixelScaleDeg()
	return []fits.Card{
		{Name: "EXPTIME", Value: exptime},
		{Name: "FILTER", Value: filter},
		{Name: "FIELD", Value: field},
		{Name: "DATE-OBS", Value: timeutil.FormatObsDate(t)},
		{Name: "IMAGETYP", Value: imageType},
		{Name: "INSTRUME", Value: serial},
		{Name: "IMAGEID", Value: fmt.Sprintf("sim-%06d", f.fileCount)},
		{Name: "CCD-TEMP", Value: 0.0},
		{Name: "RA-MNT", Value: 10.0},
		{Name: "DEC-MNT", Value: -20.0},
		{Name: "AIRMASS", Value: 1.0},
		{Name: "BITDEPTH", Value: f.seq.BitDepth},
		{Name: "LAT-OBS", Value: f.cfg.Site.Latitude},
		{Name: "LONG-OBS", Value: f.cfg.Site.Longitude},
		{Name: "ELEV-OBS", Value: f.cfg.Site.Elevation},
		{Name: "CD1_1", Value: pixDeg},
		{Name: "CD1_2", Value: 0.0},
		{Name: "CD2_1", Value: 0.0},
		{Name: "CD2_2", Value: pixDeg},
	}
}

func (f *FakeExposureSequence) pixelScaleDeg() float64 {
	arcsec := f.seq.PixelSizeArcsec
	if arcsec <= 0 {
		arcsec = f.cfg.Cameras.GetPixelScale()
	}
	return arcsec / 3600.0
}

// serialsByCCD inverts the camera serial mappings so generated headers
// carry serials the ingest translator can resolve back to ccd indexes.
func serialsByCCD(mappings map[string]int, n int) (map[int]string, error) {
	byCCD := make(map[int]string, len(mappings))
	for serial, ccd := range mappings {
		byCCD[ccd] = serial
	}
	for ccd := 1; ccd <= n; ccd++ {
		if _, ok := byCCD[ccd]; !ok {
			return nil, fmt.Errorf("no camera serial mapped to ccd %d (%d cameras requested)", ccd, n)
		}
	}
	return byCCD, nil
}

// sequenceDefaults fills the physical parameters a minimal config
// leaves out. Frame counts are honoured as given; zero means none.
func sequenceDefaults(seq config.ExposureSequenceConfig) config.ExposureSequenceConfig {
	if seq.SizeX <= 0 {
		seq.SizeX = 48
	}
	if seq.SizeY <= 0 {
		seq.SizeY = 32
	}
	if seq.BitDepth <= 0 {
		seq.BitDepth = 16
	}
	if seq.Saturate <= 0 {
		seq.Saturate = float64(uint64(1)<<uint(seq.BitDepth)) - 1
	}
	if seq.Bias <= 0 {
		seq.Bias = 32
	}
	if seq.ExptimeFlat <= 0 {
		seq.ExptimeFlat = 1
	}
	if seq.ExptimeScience <= 0 {
		seq.ExptimeScience = 30
	}
	return seq
}

func exposureDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
