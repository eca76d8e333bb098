package config

import (
	"fmt"
	"sort"

	"github.com/huntsman-array/huntsman-drp/internal/query"
)

// derivedColumns are logical columns the header translator computes
// rather than copying from a mapped keyword.
var derivedColumns = map[string]bool{
	"dataType": true,
	"dateObs":  true,
	"visit":    true,
	"ccd":      true,
	"field":    true,
}

// Validate checks the loaded configuration for internal consistency.
// It fails fast on the first problem found within each section.
func (c *Config) Validate() error {
	if err := c.checkCameraMappings(); err != nil {
		return err
	}
	if err := c.checkRequiredColumns(); err != nil {
		return err
	}
	if err := c.checkCalibs(); err != nil {
		return err
	}
	if err := c.checkQuality(); err != nil {
		return err
	}
	if err := c.checkRefCat(); err != nil {
		return err
	}
	return nil
}

// checkCameraMappings enforces the camera identity invariants: serials
// unique (map keys already are), indices unique and positive.
func (c *Config) checkCameraMappings() error {
	seen := make(map[int]string, len(c.Cameras.Mappings))

	serials := make([]string, 0, len(c.Cameras.Mappings))
	for serial := range c.Cameras.Mappings {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	for _, serial := range serials {
		index := c.Cameras.Mappings[serial]
		if index <= 0 {
			return fmt.Errorf("camera mapping %q: index %d must be a positive integer", serial, index)
		}
		if other, dup := seen[index]; dup {
			return fmt.Errorf("camera mappings %q and %q share index %d", other, serial, index)
		}
		seen[index] = serial
	}
	return nil
}

// checkRequiredColumns verifies that every required column resolves via
// the header mapping table or one of the derived translations.
func (c *Config) checkRequiredColumns() error {
	for _, column := range c.FITS.RequiredColumns {
		if _, ok := c.FITS.HeaderMappings[column]; ok {
			continue
		}
		if derivedColumns[column] {
			continue
		}
		return fmt.Errorf("required column %q has no header mapping and no derived translation", column)
	}
	return nil
}

func (c *Config) checkCalibs() error {
	if c.Calibs.ValidityDays < 0 {
		return fmt.Errorf("calib validity must be non-negative, got %d", c.Calibs.ValidityDays)
	}
	if c.Calibs.MinDocsPerCalib < 0 {
		return fmt.Errorf("min_docs_per_calib must be non-negative, got %d", c.Calibs.MinDocsPerCalib)
	}
	if max := c.Calibs.MaxDocsPerCalib; max > 0 && max < c.Calibs.GetMinDocsPerCalib() {
		return fmt.Errorf("max_docs_per_calib %d is below min_docs_per_calib %d",
			max, c.Calibs.GetMinDocsPerCalib())
	}
	for _, calibType := range c.Calibs.GetTypes() {
		if len(c.Calibs.ColumnsFor(calibType)) == 0 {
			return fmt.Errorf("calib type %q has no matching columns", calibType)
		}
	}
	return nil
}

// checkQuality rejects quality criteria using operators the query layer
// does not understand.
func (c *Config) checkQuality() error {
	for dataType, spec := range c.Quality.Raw {
		for column, ops := range spec {
			for op := range ops {
				if !query.ValidOperator(op) {
					return fmt.Errorf("quality criteria for %s.%s: unknown operator %q",
						dataType, column, op)
				}
			}
		}
	}
	return nil
}

func (c *Config) checkRefCat() error {
	r := c.RefCat
	if r.TapURL == "" {
		return nil
	}
	if r.TapTable == "" {
		return fmt.Errorf("refcat: tap_table required when tap_url is set")
	}
	if r.RAKey == "" || r.DecKey == "" {
		return fmt.Errorf("refcat: ra_key and dec_key are required")
	}
	if r.UniqueSourceKey == "" {
		return fmt.Errorf("refcat: unique_source_key is required")
	}
	if r.ConeSearchRadius <= 0 {
		return fmt.Errorf("refcat: cone_search_radius must be positive, got %v", r.ConeSearchRadius)
	}
	for param, rng := range r.ParameterRanges {
		if rng.Lower != nil && rng.Upper != nil && *rng.Lower >= *rng.Upper {
			return fmt.Errorf("refcat: parameter %q range [%v, %v) is empty",
				param, *rng.Lower, *rng.Upper)
		}
	}
	return nil
}
