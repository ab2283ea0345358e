package quality

import "sort"

// Sample retention caps. Row-level problems are data items, not errors;
// the report keeps bounded samples and exact totals.
const (
	maxRowAnomalySamples   = 1000
	maxInvalidDateSamples  = 1000
	maxDuplicateSampleRows = 10
)

// RowAnomaly records one row whose field count differed from the expected
// column count.
type RowAnomaly struct {
	// Row is the 1-based data row index (header rows excluded).
	Row int64
	// Columns is the observed field count.
	Columns int
}

// DuplicateGroup describes one composite key that occurred more than once.
type DuplicateGroup struct {
	// Key is the display form of the key tuple, fields joined by '|'.
	Key string
	// Count is the total occurrence count.
	Count int64
	// SampleRows holds up to 10 row indices where the key appeared.
	SampleRows []int64
}

// Report is the outcome of one streaming quality pass.
type Report struct {
	// TotalRows is the data row count (header excluded, truncated tail
	// dropped).
	TotalRows int64

	// Dates is the ordered set of distinct canonical dates found.
	Dates []string

	// RowsPerDate maps canonical date to its row count.
	RowsPerDate map[string]int64

	// InvalidDates is the count of rows whose date field parsed as none of
	// the accepted forms.
	InvalidDates int64

	// InvalidDateSamples holds up to 1000 row indices with invalid dates.
	InvalidDateSamples []int64

	// AnomalousRows is the count of rows with unexpected field counts.
	AnomalousRows int64

	// RowAnomalies holds up to 1000 sampled row anomalies.
	RowAnomalies []RowAnomaly

	// Duplicates lists composite keys that repeated, when duplicate
	// detection was configured.
	Duplicates []DuplicateGroup

	// DateAnomalies lists dates failing the median row-count policy.
	DateAnomalies []DateAnomaly

	// DelimiterConfidence is the detector confidence for the format used.
	DelimiterConfidence float64
}

// Clean reports whether the pass found nothing objectionable at strict
// policy: no malformed rows, no invalid dates, no duplicates.
func (r *Report) Clean() bool {
	return r.AnomalousRows == 0 && r.InvalidDates == 0 && len(r.Duplicates) == 0
}

// finalize orders the date set and computes date anomalies.
func (r *Report) finalize() {
	r.Dates = make([]string, 0, len(r.RowsPerDate))
	for d := range r.RowsPerDate {
		r.Dates = append(r.Dates, d)
	}
	sort.Strings(r.Dates)
	r.DateAnomalies = FlagAnomalies(r.RowsPerDate)
}
