package completeness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/quality"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// DateMismatch is a date whose warehouse row count differs from the file.
type DateMismatch struct {
	Date     string
	Expected int64
	Actual   int64
}

// GapRange is a run of expected dates absent between two present dates.
type GapRange struct {
	// After is the last present date before the gap.
	After string
	// Before is the first present date after the gap.
	Before string
	// Length counts the expected dates missing in between.
	Length int
}

// Report is the outcome of one warehouse-side validation.
type Report struct {
	Table string
	Shape DateShape

	// WindowStart and WindowEnd bound the validated date window,
	// canonical form.
	WindowStart string
	WindowEnd   string

	ExpectedRows int64
	ActualRows   int64

	// PresentDates are the distinct dates found in the window, ascending.
	PresentDates []string

	// PerDate maps canonical date to the warehouse row count.
	PerDate map[string]int64

	// MissingDates are expected dates with zero warehouse rows.
	MissingDates []string

	// Gaps are the missing-date runs between present dates.
	Gaps []GapRange

	// Mismatches are dates present with the wrong count.
	Mismatches []DateMismatch

	// DateAnomalies flags warehouse dates outside the median volume band.
	DateAnomalies []quality.DateAnomaly

	// DuplicateRows counts rows beyond the first per composite key, when a
	// duplicate key is configured.
	DuplicateRows int64
}

// Complete reports whether counts reconciled exactly.
func (r *Report) Complete() bool {
	return len(r.MissingDates) == 0 && len(r.Mismatches) == 0 && r.ExpectedRows == r.ActualRows
}

// Err folds the report into the job's error surface. The report is
// advisory by default; under strict validation an incomplete window,
// anomalous dates, or duplicate rows fail the file.
func (r *Report) Err(strict bool) error {
	if !strict {
		return nil
	}
	if !r.Complete() {
		return loaderr.New(loaderr.KindWarehouseValidationFailed,
			fmt.Sprintf("table %s: expected %d rows, found %d (%d missing dates, %d mismatched)",
				r.Table, r.ExpectedRows, r.ActualRows, len(r.MissingDates), len(r.Mismatches)))
	}
	if len(r.DateAnomalies) > 0 || r.DuplicateRows > 0 {
		return loaderr.New(loaderr.KindWarehouseValidationFailed,
			fmt.Sprintf("table %s: %d anomalous dates, %d duplicate rows under strict validation",
				r.Table, len(r.DateAnomalies), r.DuplicateRows))
	}
	return nil
}

// Checker validates loaded tables. Schema probes are cached per table and
// column, so repeated loads into the same table pay for one catalog query.
type Checker struct {
	DuplicateKey []string

	// WindowStart and WindowEnd override the validated date window,
	// canonical YYYY-MM-DD. When empty the window is each profile's span.
	WindowStart string
	WindowEnd   string

	mu     sync.Mutex
	shapes map[string]DateShape
}

// Validate reconciles the warehouse contents of fd's table against the
// file-side quality profile. Every calendar date inside the window is
// expected to be present; the whole pass is four aggregate queries
// however large the table is.
func (c *Checker) Validate(ctx context.Context, ses warehouse.Session, fd *config.FileDescriptor, expected *quality.Report) (*Report, error) {
	if expected == nil {
		return nil, loaderr.New(loaderr.KindConfigInvalid,
			"warehouse validation requires the file quality profile")
	}
	if err := warehouse.ValidateIdent(fd.Table); err != nil {
		return nil, err
	}
	if err := warehouse.ValidateIdent(fd.DateColumn); err != nil {
		return nil, err
	}

	shape, err := c.shapeFor(ctx, ses, fd.Table, fd.DateColumn)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Table:        fd.Table,
		Shape:        shape,
		ExpectedRows: expected.TotalRows - expected.InvalidDates,
		PerDate:      make(map[string]int64),
	}
	report.WindowStart, report.WindowEnd = c.WindowStart, c.WindowEnd
	if report.WindowStart == "" {
		if len(expected.Dates) == 0 {
			// No configured window and nothing landed in any date
			// bucket; nothing to reconcile.
			return report, nil
		}
		report.WindowStart = expected.Dates[0]
		report.WindowEnd = expected.Dates[len(expected.Dates)-1]
	}

	window, err := enumerateDates(report.WindowStart, report.WindowEnd)
	if err != nil {
		return nil, err
	}

	start, end := windowParams(shape, report.WindowStart, report.WindowEnd)

	if err := c.countRows(ctx, ses, fd, start, end, report); err != nil {
		return nil, err
	}
	if err := c.distinctDates(ctx, ses, fd, start, end, report); err != nil {
		return nil, err
	}
	if err := c.countPerDate(ctx, ses, fd, start, end, report); err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(report.PresentDates))
	for _, d := range report.PresentDates {
		present[d] = true
	}
	for _, d := range window {
		if !present[d] {
			report.MissingDates = append(report.MissingDates, d)
			continue
		}
		// Count comparison only applies to dates the file covered; the
		// window may span dates owned by other loads.
		if want, covered := expected.RowsPerDate[d]; covered && report.PerDate[d] != want {
			report.Mismatches = append(report.Mismatches, DateMismatch{
				Date: d, Expected: want, Actual: report.PerDate[d],
			})
		}
	}
	report.Gaps = computeGaps(window, report.PresentDates, present)
	report.DateAnomalies = quality.FlagAnomalies(report.PerDate)

	if len(c.DuplicateKey) > 0 {
		if err := c.countDuplicates(ctx, ses, fd, start, end, report); err != nil {
			return nil, err
		}
	}

	logger.Info("warehouse validation finished",
		logger.KeyTable, fd.Table,
		logger.KeyRows, report.ActualRows,
		logger.KeyMissing, len(report.MissingDates),
		logger.KeyAnomalies, len(report.DateAnomalies))
	return report, nil
}

// shapeFor returns the cached date column shape, probing on first use.
func (c *Checker) shapeFor(ctx context.Context, ses warehouse.Session, table, column string) (DateShape, error) {
	key := table + "." + column

	c.mu.Lock()
	if shape, ok := c.shapes[key]; ok {
		c.mu.Unlock()
		return shape, nil
	}
	c.mu.Unlock()

	shape, err := probeShape(ctx, ses, table, column)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.shapes == nil {
		c.shapes = make(map[string]DateShape)
	}
	c.shapes[key] = shape
	c.mu.Unlock()
	return shape, nil
}

// countRows runs the window total.
func (c *Checker) countRows(ctx context.Context, ses warehouse.Session, fd *config.FileDescriptor, start, end any, report *Report) error {
	sql := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE %s BETWEEN $1 AND $2",
		fd.Table, fd.DateColumn)

	if err := ses.QueryRow(ctx, sql, start, end).Scan(&report.ActualRows); err != nil {
		return loaderr.Wrap(loaderr.KindConnectionLost, "row count query failed", err)
	}
	return nil
}

// distinctDates lists the window's dates ascending. The date column is
// cast to text so every shape scans uniformly.
func (c *Checker) distinctDates(ctx context.Context, ses warehouse.Session, fd *config.FileDescriptor, start, end any, report *Report) error {
	sql := fmt.Sprintf(
		"SELECT DISTINCT CAST(%s AS VARCHAR) AS d FROM %s WHERE %s BETWEEN $1 AND $2 ORDER BY d",
		fd.DateColumn, fd.Table, fd.DateColumn)

	rows, err := ses.Query(ctx, sql, start, end)
	if err != nil {
		return loaderr.Wrap(loaderr.KindConnectionLost, "distinct date query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return loaderr.Wrap(loaderr.KindWarehouseValidationFailed, "distinct date scan failed", err)
		}
		report.PresentDates = append(report.PresentDates, canonicalStored(stored))
	}
	if err := rows.Err(); err != nil {
		return loaderr.Wrap(loaderr.KindConnectionLost, "distinct date read failed", err)
	}
	sort.Strings(report.PresentDates)
	return nil
}

// countPerDate runs the grouped count over the window.
func (c *Checker) countPerDate(ctx context.Context, ses warehouse.Session, fd *config.FileDescriptor, start, end any, report *Report) error {
	sql := fmt.Sprintf(
		"SELECT CAST(%s AS VARCHAR) AS d, COUNT(*) FROM %s WHERE %s BETWEEN $1 AND $2 GROUP BY d",
		fd.DateColumn, fd.Table, fd.DateColumn)

	rows, err := ses.Query(ctx, sql, start, end)
	if err != nil {
		return loaderr.Wrap(loaderr.KindConnectionLost, "per-date count query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var stored string
		var count int64
		if err := rows.Scan(&stored, &count); err != nil {
			return loaderr.Wrap(loaderr.KindWarehouseValidationFailed, "per-date count scan failed", err)
		}
		report.PerDate[canonicalStored(stored)] = count
	}
	if err := rows.Err(); err != nil {
		return loaderr.Wrap(loaderr.KindConnectionLost, "per-date count read failed", err)
	}
	return nil
}

// countDuplicates counts rows beyond the first per composite key inside
// the window.
func (c *Checker) countDuplicates(ctx context.Context, ses warehouse.Session, fd *config.FileDescriptor, start, end any, report *Report) error {
	for _, col := range c.DuplicateKey {
		if err := warehouse.ValidateIdent(col); err != nil {
			return err
		}
	}
	keyList := strings.Join(c.DuplicateKey, ", ")

	sql := fmt.Sprintf(
		"SELECT COUNT(*) - COUNT(DISTINCT (%s)) FROM %s WHERE %s BETWEEN $1 AND $2",
		keyList, fd.Table, fd.DateColumn)

	if err := ses.QueryRow(ctx, sql, start, end).Scan(&report.DuplicateRows); err != nil {
		return loaderr.Wrap(loaderr.KindWarehouseValidationFailed, "duplicate count query failed", err)
	}
	return nil
}

// enumerateDates lists every calendar date from first through last,
// canonical ascending.
func enumerateDates(first, last string) ([]string, error) {
	start, err := time.Parse("2006-01-02", first)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindConfigInvalid, "invalid window start", err)
	}
	end, err := time.Parse("2006-01-02", last)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindConfigInvalid, "invalid window end", err)
	}
	if end.Before(start) {
		return nil, loaderr.New(loaderr.KindConfigInvalid,
			fmt.Sprintf("window start %s is after window end %s", first, last))
	}

	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format("2006-01-02"))
	}
	return dates, nil
}

// computeGaps walks the present dates in order and reports each run of
// expected dates missing between two present neighbors. Missing dates at
// the window edges appear in MissingDates but bound no gap.
func computeGaps(expected, present []string, presentSet map[string]bool) []GapRange {
	if len(present) < 2 {
		return nil
	}

	var gaps []GapRange
	for i := 0; i+1 < len(present); i++ {
		lo, hi := present[i], present[i+1]
		n := 0
		for _, d := range expected {
			if d > lo && d < hi && !presentSet[d] {
				n++
			}
		}
		if n > 0 {
			gaps = append(gaps, GapRange{After: lo, Before: hi, Length: n})
		}
	}
	return gaps
}
