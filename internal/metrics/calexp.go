package metrics

import (
	"errors"
	"math"
	"sort"

	"github.com/huntsman-array/huntsman-drp/internal/fits"
)

// Source detection defaults.
const (
	detectNSigma      = 5.0
	detectMinPix      = 5
	maxZeropointStars = 20
)

// ErrNoSources indicates that nothing rose above the detection
// threshold on a calibrated exposure.
var ErrNoSources = errors.New("no sources detected")

// Source is one detected object on a calibrated exposure: its
// flux-weighted centroid, background-subtracted flux and second central
// moments in pixel units.
type Source struct {
	X, Y float64
	Flux float64
	Ixx  float64
	Iyy  float64
	Ixy  float64
	NPix int
}

// PSFShape is a second-moment shape assumed to describe the point
// spread function across the frame.
type PSFShape struct {
	Ixx, Iyy, Ixy float64
}

// TraceRadius is the size parameter sqrt((Ixx+Iyy)/2).
func (s PSFShape) TraceRadius() float64 {
	return math.Sqrt((s.Ixx + s.Iyy) / 2)
}

// Distortion returns the distortion ellipticity components
// (Ixx-Iyy, 2*Ixy) / (Ixx+Iyy).
func (s PSFShape) Distortion() (e1, e2 float64) {
	t := s.Ixx + s.Iyy
	if t == 0 {
		return 0, 0
	}
	return (s.Ixx - s.Iyy) / t, 2 * s.Ixy / t
}

// DetectSources finds connected groups of pixels more than nsigma
// clipped standard deviations above the clipped median, keeping groups
// of at least minPix pixels. Sources are returned brightest first.
func DetectSources(img *fits.Image, nsigma float64, minPix int) []Source {
	_, median, std := ClippedStats(img.Data)
	threshold := median + nsigma*std

	visited := make([]bool, len(img.Data))
	var sources []Source

	for start, v := range img.Data {
		if visited[start] || v <= threshold {
			continue
		}
		src, ok := growSource(img, start, threshold, median, visited, minPix)
		if ok {
			sources = append(sources, src)
		}
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Flux > sources[j].Flux })
	return sources
}

// growSource flood-fills the 4-connected component containing start and
// measures its flux-weighted centroid and second central moments.
func growSource(img *fits.Image, start int, threshold, background float64, visited []bool, minPix int) (Source, bool) {
	stack := []int{start}
	visited[start] = true

	var flux, sumX, sumY, sumXX, sumYY, sumXY float64
	npix := 0

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x := idx % img.Nx
		y := idx / img.Nx
		w := img.Data[idx] - background

		flux += w
		fx := float64(x)
		fy := float64(y)
		sumX += w * fx
		sumY += w * fy
		sumXX += w * fx * fx
		sumYY += w * fy * fy
		sumXY += w * fx * fy
		npix++

		for _, n := range [4]int{idx - 1, idx + 1, idx - img.Nx, idx + img.Nx} {
			if n < 0 || n >= len(img.Data) || visited[n] {
				continue
			}
			// Row-major adjacency wraps at the edges; reject those.
			if (n == idx-1 || n == idx+1) && n/img.Nx != y {
				continue
			}
			if img.Data[n] > threshold {
				visited[n] = true
				stack = append(stack, n)
			}
		}
	}

	if npix < minPix || flux <= 0 {
		return Source{}, false
	}

	cx := sumX / flux
	cy := sumY / flux
	return Source{
		X:    cx,
		Y:    cy,
		Flux: flux,
		Ixx:  sumXX/flux - cx*cx,
		Iyy:  sumYY/flux - cy*cy,
		Ixy:  sumXY/flux - cx*cy,
		NPix: npix,
	}, true
}

// EstimatePSFShape reduces the detected sources to a single shape by
// taking the median of each second moment.
func EstimatePSFShape(sources []Source) (PSFShape, error) {
	if len(sources) == 0 {
		return PSFShape{}, ErrNoSources
	}
	ixx := make([]float64, len(sources))
	iyy := make([]float64, len(sources))
	ixy := make([]float64, len(sources))
	for i, s := range sources {
		ixx[i] = s.Ixx
		iyy[i] = s.Iyy
		ixy[i] = s.Ixy
	}
	return PSFShape{
		Ixx: Median(ixx),
		Iyy: Median(iyy),
		Ixy: Median(ixy),
	}, nil
}

// PSFMetrics converts a shape into the stored metrics: the FWHM in
// arcseconds, assuming a Gaussian profile, and the ellipticity.
func PSFMetrics(shape PSFShape, pixelScaleArcsec float64) map[string]any {
	fwhm := 2 * math.Sqrt(2*math.Ln2) * shape.TraceRadius() * pixelScaleArcsec
	e1, e2 := shape.Distortion()
	return map[string]any{
		"psf_fwhm_arcsec": fwhm,
		"psf_ell":         math.Hypot(e1, e2),
	}
}

// Zeropoint converts the instrumental flux of a zero-magnitude source
// into the magnitude zeropoint.
func Zeropoint(instFluxAtZeroMag float64) float64 {
	// Note the missing minus sign.
	return 2.5 * math.Log10(instFluxAtZeroMag)
}

// RankMatchZeropoint estimates the zeropoint by pairing the brightest
// measured fluxes with the brightest reference magnitudes in rank order
// and taking the median implied zeropoint. It does not need an
// astrometric solution, only that the reference cone covers the frame.
func RankMatchZeropoint(fluxes, refMags []float64) (float64, error) {
	if len(fluxes) == 0 || len(refMags) == 0 {
		return 0, errors.New("rank-match zeropoint needs measured and reference sources")
	}

	f := append([]float64(nil), fluxes...)
	m := append([]float64(nil), refMags...)
	sort.Sort(sort.Reverse(sort.Float64Slice(f)))
	sort.Float64s(m)

	n := len(f)
	if len(m) < n {
		n = len(m)
	}
	zps := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if f[i] <= 0 {
			break
		}
		zps = append(zps, m[i]+Zeropoint(f[i]))
	}
	if len(zps) == 0 {
		return 0, errors.New("no positive fluxes to match")
	}
	return Median(zps), nil
}

// EvaluateCalexp measures sources on a calibrated exposure and derives
// its quality metrics. refMags, when non-empty, carries reference
// catalogue magnitudes for the surrounding field and enables the
// zeropoint estimate; an empty slice skips it.
func EvaluateCalexp(img *fits.Image, pixelScaleArcsec float64, refMags []float64) (map[string]any, error) {
	sources := DetectSources(img, detectNSigma, detectMinPix)
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	shape, err := EstimatePSFShape(sources)
	if err != nil {
		return nil, err
	}

	result := PSFMetrics(shape, pixelScaleArcsec)
	result["n_sources"] = len(sources)

	if len(refMags) > 0 {
		n := len(sources)
		if n > maxZeropointStars {
			n = maxZeropointStars
		}
		fluxes := make([]float64, n)
		for i := 0; i < n; i++ {
			fluxes[i] = sources[i].Flux
		}
		zp, err := RankMatchZeropoint(fluxes, refMags)
		if err != nil {
			return nil, err
		}
		result["zp_mag"] = zp
	}

	return result, nil
}
