package document

// Dataset types produced by the header translator.
const (
	DataTypeScience = "science"
	DataTypeFlat    = "flat"
	DataTypeBias    = "bias"
)

// Well-known document keys.
const (
	KeyFilename    = "filename"
	KeyDataType    = "dataType"
	KeyDateObs     = "dateObs"
	KeyCalibDate   = "calibDate"
	KeyDatasetType = "datasetType"
	KeyCCD         = "ccd"
	KeyFilter      = "filter"
	KeyVisit       = "visit"

	// KeyDateCreated and KeyDateModified are maintained by the store.
	KeyDateCreated  = "date_created"
	KeyDateModified = "date_modified"

	// KeyMetrics is the sub-document holding raw exposure quality
	// metrics. KeyCalexpQuality is the dotted path to the calexp metric
	// sub-document.
	KeyMetrics       = "metrics"
	KeyCalexpQuality = "quality.calexp"

	// ScreenSuccessFlag marks a raw exposure that passed screening.
	ScreenSuccessFlag = "screen_success"

	// MetricSuccessFlag marks a raw exposure whose quality metrics all
	// evaluated cleanly.
	MetricSuccessFlag = "metric_success"
)

// ValidateRaw checks a raw exposure document: a filename plus every
// configured required column.
func ValidateRaw(d Document, requiredColumns []string) error {
	keys := make([]string, 0, len(requiredColumns)+1)
	keys = append(keys, KeyFilename)
	keys = append(keys, requiredColumns...)
	return d.Require(keys...)
}

// ValidateCalib checks a master calib document. Flats additionally
// require a filter, since flat structure is bandpass dependent.
func ValidateCalib(d Document) error {
	keys := []string{KeyCalibDate, KeyDatasetType, KeyFilename, KeyCCD}
	if d.GetString(KeyDatasetType) == "flat" {
		keys = append(keys, KeyFilter)
	}
	return d.Require(keys...)
}
