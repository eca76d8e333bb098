// Package reduce implements the master calibration and calibrated
// exposure arithmetic: per-pixel stacking of bias frames, normalized
// flat combination, and instrument signature removal for calexps.
package reduce

import (
	"errors"
	"fmt"

	"github.com/huntsman-array/huntsman-drp/internal/fits"
	"github.com/huntsman-array/huntsman-drp/internal/metrics"
)

// Stacking parameters for master bias combination.
const (
	stackClipSigma = 3.0
	stackClipIters = 5
)

var errEmptyStack = errors.New("empty image stack")

// MasterBias combines a stack of bias frames into a master bias by
// taking the sigma-clipped mean of each pixel.
func MasterBias(stack []*fits.Image) (*fits.Image, error) {
	if len(stack) == 0 {
		return nil, errEmptyStack
	}
	if err := sameShape(stack...); err != nil {
		return nil, err
	}

	out := fits.NewImage(stack[0].Nx, stack[0].Ny)
	vals := make([]float64, len(stack))
	for i := range out.Data {
		for j, img := range stack {
			vals[j] = img.Data[i]
		}
		mean, _, _ := metrics.SigmaClippedStats(vals, stackClipSigma, stackClipIters)
		out.Data[i] = mean
	}
	return out, nil
}

// MasterFlat combines a stack of flat frames into a master flat. Each
// frame is bias-subtracted and scaled to unit median before the stack
// is median-combined per pixel, so twilight frames taken at different
// sky levels carry equal weight. The result has unit median.
func MasterFlat(stack []*fits.Image, bias *fits.Image) (*fits.Image, error) {
	if len(stack) == 0 {
		return nil, errEmptyStack
	}
	if err := sameShape(append([]*fits.Image{bias}, stack...)...); err != nil {
		return nil, err
	}

	normalized := make([]*fits.Image, len(stack))
	for i, img := range stack {
		sub := fits.NewImage(img.Nx, img.Ny)
		for j := range sub.Data {
			sub.Data[j] = img.Data[j] - bias.Data[j]
		}
		median := metrics.Median(sub.Data)
		if median <= 0 {
			return nil, fmt.Errorf("flat frame %d has non-positive median %v after bias subtraction", i, median)
		}
		for j := range sub.Data {
			sub.Data[j] /= median
		}
		normalized[i] = sub
	}

	out := fits.NewImage(stack[0].Nx, stack[0].Ny)
	vals := make([]float64, len(normalized))
	for i := range out.Data {
		for j, img := range normalized {
			vals[j] = img.Data[i]
		}
		out.Data[i] = metrics.Median(vals)
	}

	median := metrics.Median(out.Data)
	if median <= 0 {
		return nil, fmt.Errorf("combined flat has non-positive median %v", median)
	}
	for i := range out.Data {
		out.Data[i] /= median
	}
	return out, nil
}

// Calexp produces a calibrated exposure: (raw - bias) / flat with the
// sigma-clipped background median subtracted. Pixels where the flat is
// not positive are treated as zero before background subtraction.
func Calexp(raw, bias, flat *fits.Image) (*fits.Image, error) {
	if err := sameShape(raw, bias, flat); err != nil {
		return nil, err
	}

	out := fits.NewImage(raw.Nx, raw.Ny)
	for i := range out.Data {
		if flat.Data[i] <= 0 {
			continue
		}
		out.Data[i] = (raw.Data[i] - bias.Data[i]) / flat.Data[i]
	}

	_, background, _ := metrics.ClippedStats(out.Data)
	for i := range out.Data {
		out.Data[i] -= background
	}
	return out, nil
}

// sameShape checks that every image has identical dimensions.
func sameShape(imgs ...*fits.Image) error {
	for _, img := range imgs {
		if img == nil {
			return errors.New("nil image")
		}
		if img.Nx != imgs[0].Nx || img.Ny != imgs[0].Ny {
			return fmt.Errorf("image shape %dx%d does not match %dx%d",
				img.Nx, img.Ny, imgs[0].Nx, imgs[0].Ny)
		}
	}
	return nil
}
