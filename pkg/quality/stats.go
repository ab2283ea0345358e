package quality

import "sort"

// Anomaly bounds: a date is anomalous when its count is below half or
// above twice the median across the window.
const (
	anomalyLowFactor  = 0.5
	anomalyHighFactor = 2.0
)

// DateAnomaly flags a date whose row count deviates from the median.
type DateAnomaly struct {
	Date  string
	Count int64
	// Ratio is count / median.
	Ratio float64
}

// Median returns the median of counts. Zero for an empty slice.
func Median(counts []int64) float64 {
	if len(counts) == 0 {
		return 0
	}
	sorted := make([]int64, len(counts))
	copy(sorted, counts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

// FlagAnomalies applies the median policy to per-date counts and returns
// the anomalous dates in ascending date order.
func FlagAnomalies(perDate map[string]int64) []DateAnomaly {
	if len(perDate) < 2 {
		// A single date has no meaningful median comparison.
		return nil
	}

	counts := make([]int64, 0, len(perDate))
	dates := make([]string, 0, len(perDate))
	for d, c := range perDate {
		counts = append(counts, c)
		dates = append(dates, d)
	}
	sort.Strings(dates)

	m := Median(counts)
	if m == 0 {
		return nil
	}

	var anomalies []DateAnomaly
	for _, d := range dates {
		c := perDate[d]
		fc := float64(c)
		if fc < anomalyLowFactor*m || fc > anomalyHighFactor*m {
			anomalies = append(anomalies, DateAnomaly{Date: d, Count: c, Ratio: fc / m})
		}
	}
	return anomalies
}
