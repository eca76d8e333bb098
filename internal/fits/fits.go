// Package fits reads and writes the FITS files the cameras deliver.
//
// Plain .fits files carry their data in the primary HDU; fpack'ed
// .fits.fz files carry it in the first extension, so header reads select
// the HDU from the extension.
package fits

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
)

// Header holds the cards of one HDU keyed by keyword.
type Header map[string]any

// GetString returns the string value of a keyword.
func (h Header) GetString(key string) (string, error) {
	v, ok := h[key]
	if !ok {
		return "", fmt.Errorf("header keyword %q missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("header keyword %q is %T, not a string", key, v)
	}
	return strings.TrimSpace(s), nil
}

// GetFloat returns the numeric value of a keyword.
func (h Header) GetFloat(key string) (float64, error) {
	v, ok := h[key]
	if !ok {
		return 0, fmt.Errorf("header keyword %q missing", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("header keyword %q is %T, not numeric", key, v)
}

// GetInt returns the integer value of a keyword.
func (h Header) GetInt(key string) (int, error) {
	f, err := h.GetFloat(key)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// Has reports whether the keyword is present.
func (h Header) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// Card is one header card to write.
type Card struct {
	Name    string
	Value   any
	Comment string
}

// Image is a single image plane, row-major with x fastest.
type Image struct {
	Nx   int
	Ny   int
	Data []float64
}

// NewImage allocates a zeroed image plane.
func NewImage(nx, ny int) *Image {
	return &Image{Nx: nx, Ny: ny, Data: make([]float64, nx*ny)}
}

// At returns the pixel at (x, y).
func (im *Image) At(x, y int) float64 { return im.Data[y*im.Nx+x] }

// SetPix sets the pixel at (x, y).
func (im *Image) SetPix(x, y int, v float64) { im.Data[y*im.Nx+x] = v }

// hduIndexFor maps a filename onto the HDU carrying its data.
func hduIndexFor(filename string) (int, error) {
	switch {
	case strings.HasSuffix(filename, ".fits"):
		return 0, nil
	case strings.HasSuffix(filename, ".fits.fz"):
		return 1, nil
	}
	return 0, fmt.Errorf("unrecognised FITS extension for %q", filename)
}

// IsFITSFile reports whether the filename looks like a FITS file.
func IsFITSFile(filename string) bool {
	_, err := hduIndexFor(filename)
	return err == nil
}

// ReadHeader reads the header of the data HDU.
func ReadHeader(path string) (Header, error) {
	index, err := hduIndexFor(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer fits.Close()

	hdus := fits.HDUs()
	if index >= len(hdus) {
		return nil, fmt.Errorf("%s: HDU %d not present (%d HDUs)", path, index, len(hdus))
	}

	hdr := hdus[index].Header()
	out := make(Header)
	for _, key := range hdr.Keys() {
		if card := hdr.Get(key); card != nil {
			out[key] = card.Value
		}
	}
	return out, nil
}

// ReadImage reads the data HDU of path as a float64 plane plus its
// header.
func ReadImage(path string) (*Image, Header, error) {
	index, err := hduIndexFor(path)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Open(f)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer fits.Close()

	hdus := fits.HDUs()
	if index >= len(hdus) {
		return nil, nil, fmt.Errorf("%s: HDU %d not present (%d HDUs)", path, index, len(hdus))
	}

	img, ok := hdus[index].(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("%s: HDU %d is not an image", path, index)
	}

	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 axes, got %d", path, len(axes))
	}
	nx, ny := axes[0], axes[1]

	data, err := readPlane(img, hdr.Bitpix(), nx*ny)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	header := make(Header)
	for _, key := range hdr.Keys() {
		if card := hdr.Get(key); card != nil {
			header[key] = card.Value
		}
	}

	return &Image{Nx: nx, Ny: ny, Data: data}, header, nil
}

func readPlane(img fitsio.Image, bitpix, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix {
	case 8:
		raw := make([]int8, 0, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 16:
		raw := make([]int16, 0, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 32:
		raw := make([]int32, 0, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case 64:
		raw := make([]int64, 0, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -32:
		raw := make([]float32, 0, n)
		if err := img.Read(&raw); err != nil {
			return nil, err
		}
		for i, v := range raw {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	return out, nil
}

// WriteImage writes a float64 plane with the given cards to path,
// creating parent directories as needed.
func WriteImage(path string, img *Image, cards []Card) error {
	if len(img.Data) != img.Nx*img.Ny {
		return fmt.Errorf("image data length %d does not match %dx%d", len(img.Data), img.Nx, img.Ny)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	fits, err := fitsio.Create(f)
	if err != nil {
		return fmt.Errorf("create FITS %s: %w", path, err)
	}
	defer fits.Close()

	hdu := fitsio.NewImage(-64, []int{img.Nx, img.Ny})
	defer hdu.Close()

	fitsCards := make([]fitsio.Card, 0, len(cards))
	for _, c := range cards {
		fitsCards = append(fitsCards, fitsio.Card{Name: c.Name, Value: c.Value, Comment: c.Comment})
	}
	if err := hdu.Header().Append(fitsCards...); err != nil {
		return fmt.Errorf("write header %s: %w", path, err)
	}

	if err := hdu.Write(&img.Data); err != nil {
		return fmt.Errorf("write data %s: %w", path, err)
	}
	if err := fits.Write(hdu); err != nil {
		return fmt.Errorf("write HDU %s: %w", path, err)
	}
	return nil
}
