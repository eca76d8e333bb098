package metrics

import (
	"math"

	"go.uber.org/zap"

	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/logging"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
	"github.com/huntsman-array/huntsman-drp/internal/units"
)

// Header keywords read by the raw metrics.
const (
	keyBitDepth = "BITDEPTH"
	keyRAMount  = "RA-MNT"
	keyDecMount = "DEC-MNT"
	keyLatObs   = "LAT-OBS"
	keyLongObs  = "LONG-OBS"
	keyDateObs  = "DATE-OBS"
)

// rawMetric is one named family of raw-exposure metrics. Each family
// returns a map of metric name to value, merged into the exposure's
// metrics sub-document.
type rawMetric struct {
	name string
	eval func(img *fits.Image, hdr fits.Header, dataType string) (map[string]any, error)
}

// rawMetrics lists the families evaluated for every ingested exposure,
// in evaluation order.
var rawMetrics = []rawMetric{
	{"pointing", func(_ *fits.Image, hdr fits.Header, dataType string) (map[string]any, error) {
		return PointingInfo(hdr, dataType)
	}},
	{"clipped_stats", clippedStatsMetric},
	{"flipped_asymmetry", flippedAsymmetryMetric},
}

// EvaluateRaw evaluates every raw metric family against an exposure and
// merges the results into a single map, recording overall success under
// the metric success flag. A failing family is logged and clears the
// flag without stopping the remaining families.
func EvaluateRaw(filename string, img *fits.Image, hdr fits.Header, dataType string, logger *zap.SugaredLogger) map[string]any {
	logger = logging.OrDefault(logger)

	result := make(map[string]any)
	success := true
	for _, m := range rawMetrics {
		values, err := m.eval(img, hdr, dataType)
		if err != nil {
			logger.Errorf("Error calculating %s for %s: %v", m.name, filename, err)
			success = false
			continue
		}
		for k, v := range values {
			result[k] = v
		}
	}
	result[document.MetricSuccessFlag] = success
	return result
}

// PointingInfo reports where a science exposure was pointed: the mount
// RA/Dec, and the corresponding horizontal coordinates when the site
// location keywords are present. Non-science exposures report
// has_pointing false and nothing else.
func PointingInfo(hdr fits.Header, dataType string) (map[string]any, error) {
	if dataType != document.DataTypeScience {
		return map[string]any{"has_pointing": false}, nil
	}

	ra, err := hdr.GetFloat(keyRAMount)
	if err != nil {
		return nil, err
	}
	dec, err := hdr.GetFloat(keyDecMount)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"has_pointing": true,
		"ra_centre":    ra,
		"dec_centre":   dec,
	}

	// Files written before the site keywords were added have no alt/az.
	if !hdr.Has(keyLatObs) || !hdr.Has(keyLongObs) {
		return result, nil
	}
	lat, err := hdr.GetFloat(keyLatObs)
	if err != nil {
		return nil, err
	}
	lon, err := hdr.GetFloat(keyLongObs)
	if err != nil {
		return nil, err
	}
	dateStr, err := hdr.GetString(keyDateObs)
	if err != nil {
		return nil, err
	}
	obsTime, err := timeutil.ParseDate(dateStr)
	if err != nil {
		return nil, err
	}

	alt, az := units.EquatorialToHorizontal(ra, dec, lat, lon, obsTime)
	result["alt"] = alt
	result["az"] = az
	return result, nil
}

// clippedStatsMetric computes the sigma-clipped image statistics and
// the well fullness fraction relative to the detector bit depth.
func clippedStatsMetric(img *fits.Image, hdr fits.Header, _ string) (map[string]any, error) {
	mean, median, std := ClippedStats(img.Data)

	bitDepth, err := hdr.GetInt(keyBitDepth)
	if err != nil {
		return nil, err
	}
	saturate := math.Pow(2, float64(bitDepth)) - 1

	return map[string]any{
		"clipped_mean":   mean,
		"clipped_median": median,
		"clipped_std":    std,
		"well_fullfrac":  median / saturate,
	}, nil
}

func flippedAsymmetryMetric(img *fits.Image, _ fits.Header, _ string) (map[string]any, error) {
	h, v := FlippedAsymmetry(img)
	return map[string]any{
		"flip_asymm_h": h,
		"flip_asymm_v": v,
	}, nil
}

// FlippedAsymmetry returns the standard deviation of the difference
// between the image and its mirror image, flipped left-right
// (horizontal) and top-bottom (vertical). Symmetric frames score near
// zero on both.
func FlippedAsymmetry(img *fits.Image) (horizontal, vertical float64) {
	n := img.Nx * img.Ny
	diff := make([]float64, n)

	i := 0
	for y := 0; y < img.Ny; y++ {
		for x := 0; x < img.Nx; x++ {
			diff[i] = img.At(x, y) - img.At(img.Nx-1-x, y)
			i++
		}
	}
	horizontal = popStd(diff)

	i = 0
	for y := 0; y < img.Ny; y++ {
		for x := 0; x < img.Nx; x++ {
			diff[i] = img.At(x, y) - img.At(x, img.Ny-1-y)
			i++
		}
	}
	vertical = popStd(diff)

	return horizontal, vertical
}
