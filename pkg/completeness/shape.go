// Package completeness validates warehouse contents after a load: row
// counts per date against the file-side profile, missing dates and gap
// ranges, volume anomalies, and optional duplicate checks. All queries are
// read-only aggregates, so re-running a validation is always safe.
package completeness

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/warehouse"
)

// DateShape is how the target table stores its date column. The shape
// decides the literal form bound into validation queries.
type DateShape int

const (
	// ShapeDate is a native DATE or TIMESTAMP column; literals bind as
	// ISO dates.
	ShapeDate DateShape = iota

	// ShapeString is a character column holding compact YYYYMMDD text.
	ShapeString

	// ShapeInt is a numeric column holding YYYYMMDD integers.
	ShapeInt
)

func (s DateShape) String() string {
	switch s {
	case ShapeDate:
		return "date"
	case ShapeString:
		return "string"
	case ShapeInt:
		return "int"
	default:
		return "unknown"
	}
}

const columnTypeSQL = `
SELECT data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`

// probeShape asks the catalog for the date column's type. Table names may
// be schema-qualified; unqualified names resolve against public.
func probeShape(ctx context.Context, ses warehouse.Session, table, column string) (DateShape, error) {
	schema := "public"
	name := table
	if i := strings.IndexByte(table, '.'); i >= 0 {
		schema = table[:i]
		name = table[i+1:]
	}

	var dataType string
	err := ses.QueryRow(ctx, columnTypeSQL,
		strings.ToLower(schema), strings.ToLower(name), strings.ToLower(column)).
		Scan(&dataType)
	if err != nil {
		return 0, loaderr.Wrap(loaderr.KindWarehouseValidationFailed,
			fmt.Sprintf("cannot resolve type of %s.%s", table, column), err)
	}

	switch {
	case strings.Contains(dataType, "date"), strings.Contains(dataType, "timestamp"):
		return ShapeDate, nil
	case strings.Contains(dataType, "char"), dataType == "text":
		return ShapeString, nil
	case strings.Contains(dataType, "int"), strings.Contains(dataType, "numeric"),
		strings.Contains(dataType, "decimal"):
		return ShapeInt, nil
	default:
		return 0, loaderr.New(loaderr.KindWarehouseValidationFailed,
			fmt.Sprintf("unsupported date column type %q on %s.%s", dataType, table, column))
	}
}

// windowParams converts the canonical YYYY-MM-DD window bounds into the
// bind values the column shape expects.
func windowParams(shape DateShape, first, last string) (any, any) {
	switch shape {
	case ShapeString:
		return compact(first), compact(last)
	case ShapeInt:
		lo, _ := strconv.ParseInt(compact(first), 10, 64)
		hi, _ := strconv.ParseInt(compact(last), 10, 64)
		return lo, hi
	default:
		return first, last
	}
}

func compact(canonical string) string {
	return strings.ReplaceAll(canonical, "-", "")
}

// canonicalStored maps a stored date's text form to the canonical
// YYYY-MM-DD key: timestamp casts are trimmed to their date part, compact
// YYYYMMDD forms gain their dashes.
func canonicalStored(s string) string {
	if len(s) > 10 && s[4] == '-' {
		return s[:10]
	}
	if len(s) == 8 && allDigits(s) {
		return s[:4] + "-" + s[4:6] + "-" + s[6:8]
	}
	return s
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
