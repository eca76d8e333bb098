package reduce

import (
	"math"
	"testing"

	"github.com/huntsman-array/huntsman-drp/internal/fits"
)

func flatFrame(nx, ny int, value float64) *fits.Image {
	img := fits.NewImage(nx, ny)
	for i := range img.Data {
		img.Data[i] = value
	}
	return img
}

func imageFrom(nx, ny int, values ...float64) *fits.Image {
	img := fits.NewImage(nx, ny)
	copy(img.Data, values)
	return img
}

func TestMasterBias(t *testing.T) {
	stack := []*fits.Image{
		flatFrame(2, 2, 100),
		flatFrame(2, 2, 102),
		flatFrame(2, 2, 104),
	}
	master, err := MasterBias(stack)
	if err != nil {
		t.Fatalf("MasterBias: %v", err)
	}
	for i, v := range master.Data {
		if v != 102 {
			t.Errorf("pixel %d = %v, want 102", i, v)
		}
	}
}

func TestMasterBiasClipsCosmicRay(t *testing.T) {
	stack := make([]*fits.Image, 0, 11)
	for i := 0; i < 10; i++ {
		stack = append(stack, flatFrame(2, 1, 100))
	}
	hit := flatFrame(2, 1, 100)
	hit.SetPix(0, 0, 5000)
	stack = append(stack, hit)

	master, err := MasterBias(stack)
	if err != nil {
		t.Fatalf("MasterBias: %v", err)
	}
	if got := master.At(0, 0); got != 100 {
		t.Errorf("hit pixel = %v, want 100 after clipping", got)
	}
	if got := master.At(1, 0); got != 100 {
		t.Errorf("clean pixel = %v, want 100", got)
	}
}

func TestMasterBiasEmptyStack(t *testing.T) {
	if _, err := MasterBias(nil); err == nil {
		t.Error("expected error for empty stack")
	}
}

func TestMasterBiasShapeMismatch(t *testing.T) {
	stack := []*fits.Image{flatFrame(2, 2, 100), flatFrame(3, 2, 100)}
	if _, err := MasterBias(stack); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}

func TestMasterFlat(t *testing.T) {
	bias := flatFrame(2, 2, 100)
	// Two frames with the same illumination pattern at different sky
	// levels.
	stack := []*fits.Image{
		imageFrom(2, 2, 600, 600, 1100, 1100),
		imageFrom(2, 2, 1100, 1100, 2100, 2100),
	}

	master, err := MasterFlat(stack, bias)
	if err != nil {
		t.Fatalf("MasterFlat: %v", err)
	}

	want := []float64{2.0 / 3, 2.0 / 3, 4.0 / 3, 4.0 / 3}
	for i, v := range master.Data {
		if math.Abs(v-want[i]) > 1e-12 {
			t.Errorf("pixel %d = %v, want %v", i, v, want[i])
		}
	}
}

func TestMasterFlatHasUnitMedian(t *testing.T) {
	bias := flatFrame(2, 2, 100)
	stack := []*fits.Image{imageFrom(2, 2, 500, 700, 900, 1100)}

	master, err := MasterFlat(stack, bias)
	if err != nil {
		t.Fatalf("MasterFlat: %v", err)
	}

	vals := append([]float64(nil), master.Data...)
	// Median of four sorted values.
	median := (vals[1] + vals[2]) / 2
	if math.Abs(median-1) > 1e-12 {
		t.Errorf("master flat median = %v, want 1", median)
	}
}

func TestMasterFlatRejectsUnexposedFrames(t *testing.T) {
	bias := flatFrame(2, 2, 100)
	stack := []*fits.Image{flatFrame(2, 2, 100)}
	if _, err := MasterFlat(stack, bias); err == nil {
		t.Error("expected error for a flat with no illumination")
	}
}

func TestCalexp(t *testing.T) {
	bias := flatFrame(3, 1, 100)
	flat := imageFrom(3, 1, 0.5, 1.0, 1.5)

	// Uniform 1000-count illumination through the flat pattern, plus a
	// 500-count source on the middle pixel.
	raw := imageFrom(3, 1, 100+1000*0.5, 100+1000*1.0+500, 100+1000*1.5)

	calexp, err := Calexp(raw, bias, flat)
	if err != nil {
		t.Fatalf("Calexp: %v", err)
	}

	want := []float64{0, 500, 0}
	for i, v := range calexp.Data {
		if math.Abs(v-want[i]) > 1e-9 {
			t.Errorf("pixel %d = %v, want %v", i, v, want[i])
		}
	}
}

func TestCalexpDeadFlatPixel(t *testing.T) {
	bias := flatFrame(3, 1, 0)
	flat := imageFrom(3, 1, 1, 0, 1)
	raw := imageFrom(3, 1, 10, 9999, 10)

	calexp, err := Calexp(raw, bias, flat)
	if err != nil {
		t.Fatalf("Calexp: %v", err)
	}

	// Background is the clipped median of {10, 0, 10}.
	if got := calexp.At(1, 0); got != -10 {
		t.Errorf("dead pixel = %v, want -10", got)
	}
}

func TestCalexpShapeMismatch(t *testing.T) {
	if _, err := Calexp(flatFrame(2, 2, 0), flatFrame(2, 2, 0), flatFrame(3, 3, 1)); err == nil {
		t.Error("expected error for mismatched shapes")
	}
}
