package fits

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/timeutil"
)

// Keywords with fixed meanings in camera headers.
const (
	keyImageType  = "IMAGETYP"
	keyField      = "FIELD"
	keyInstrument = "INSTRUME"

	imageTypeLight = "Light Frame"
	imageTypeDark  = "Dark Frame"
)

// visitDigits is the digit count of a DATE-OBS derived visit id:
// YYYYMMDDHHMMSSmmm. Exposures taken simultaneously by different
// cameras share a visit; visit/ccd pairs identify unique exposures.
const visitDigits = 17

// HeaderTranslator maps physical header keywords onto the logical
// columns the document store uses.
type HeaderTranslator struct {
	mappings     map[string]string
	required     []string
	cameras      map[string]int
	fitsDateKey  string
	mongoDateKey string
}

// NewHeaderTranslator builds a translator from the loaded configuration.
func NewHeaderTranslator(cfg *config.Config) *HeaderTranslator {
	return &HeaderTranslator{
		mappings:     cfg.FITS.HeaderMappings,
		required:     cfg.FITS.RequiredColumns,
		cameras:      cfg.Cameras.Mappings,
		fitsDateKey:  cfg.FITS.GetDateKey(),
		mongoDateKey: cfg.MongoDB.GetDateKey(),
	}
}

// Translate resolves one logical column from a header, via the derived
// translations or the configured keyword mapping.
func (t *HeaderTranslator) Translate(hdr Header, column string) (any, error) {
	switch column {
	case document.KeyDataType:
		return t.DataType(hdr)
	case document.KeyDateObs:
		return t.DateObs(hdr)
	case document.KeyVisit:
		return t.Visit(hdr)
	case document.KeyCCD:
		return t.CCD(hdr)
	case "field":
		return t.Field(hdr)
	}

	key, ok := t.mappings[column]
	if !ok {
		return nil, fmt.Errorf("no header mapping for column %q", column)
	}
	v, ok := hdr[key]
	if !ok {
		return nil, fmt.Errorf("column %q: header keyword %q missing", column, key)
	}
	return v, nil
}

// DataType classifies an exposure as science, flat or bias. Dark frames
// count as biases; exposure times separate them downstream.
func (t *HeaderTranslator) DataType(hdr Header) (string, error) {
	imageType, err := hdr.GetString(keyImageType)
	if err != nil {
		return "", err
	}
	switch imageType {
	case imageTypeLight:
		field, err := hdr.GetString(keyField)
		if err != nil {
			return "", err
		}
		if strings.HasPrefix(field, "Flat") {
			return document.DataTypeFlat, nil
		}
		return document.DataTypeScience, nil
	case imageTypeDark:
		return document.DataTypeBias, nil
	}
	return "", fmt.Errorf("unrecognised %s value %q", keyImageType, imageType)
}

// DateObs returns the observation day as YYYY-MM-DD.
func (t *HeaderTranslator) DateObs(hdr Header) (string, error) {
	date, err := hdr.GetString(t.fitsDateKey)
	if err != nil {
		return "", err
	}
	if len(date) < 10 {
		return "", fmt.Errorf("%s value %q too short for a date", t.fitsDateKey, date)
	}
	return date[:10], nil
}

// Visit derives the integer visit id from the exposure timestamp.
func (t *HeaderTranslator) Visit(hdr Header) (int64, error) {
	date, err := hdr.GetString(t.fitsDateKey)
	if err != nil {
		return 0, err
	}

	var digits strings.Builder
	for _, r := range date {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() != visitDigits {
		return 0, fmt.Errorf("%s value %q yields %d digits, want %d",
			t.fitsDateKey, date, digits.Len(), visitDigits)
	}
	return strconv.ParseInt(digits.String(), 10, 64)
}

// CCD maps the camera serial number onto its configured ccd index.
func (t *HeaderTranslator) CCD(hdr Header) (int, error) {
	serial, err := hdr.GetString(keyInstrument)
	if err != nil {
		return 0, err
	}
	index, ok := t.cameras[serial]
	if !ok {
		return 0, fmt.Errorf("camera serial %q not in camera mappings", serial)
	}
	return index, nil
}

// Field names the pointing: the FIELD keyword for light frames (or
// "unknown" when absent), "dark" for dark frames.
func (t *HeaderTranslator) Field(hdr Header) (string, error) {
	imageType, err := hdr.GetString(keyImageType)
	if err != nil {
		return "", err
	}
	switch imageType {
	case imageTypeLight:
		field, err := hdr.GetString(keyField)
		if err != nil {
			return "unknown", nil
		}
		return field, nil
	case imageTypeDark:
		return "dark", nil
	}
	return hdr.GetString(keyField)
}

// ParseHeader builds a document from a raw header: every card is
// copied, each required column is translated (overwriting any card of
// the same name), and the parsed timestamp is stored under the
// document date key.
func (t *HeaderTranslator) ParseHeader(hdr Header) (document.Document, error) {
	doc := make(document.Document, len(hdr)+len(t.required)+1)
	for key, value := range hdr {
		doc[key] = value
	}

	for _, column := range t.required {
		value, err := t.Translate(hdr, column)
		if err != nil {
			return nil, fmt.Errorf("translate %q: %w", column, err)
		}
		doc[column] = value
	}

	dateStr, err := hdr.GetString(t.fitsDateKey)
	if err != nil {
		return nil, err
	}
	date, err := timeutil.ParseDate(dateStr)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.fitsDateKey, err)
	}
	doc[t.mongoDateKey] = date

	return doc, nil
}
