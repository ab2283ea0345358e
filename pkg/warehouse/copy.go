package warehouse

import (
	"fmt"
	"strings"

	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// copySizeLimit caps the bytes one COPY may ingest: 5 GiB, matching the
// largest single staged object the warehouse accepts.
const copySizeLimit = 5368709120

// nullIf is the literal set treated as SQL NULL during COPY.
var nullIf = []string{"NULL", "null", "", `\\N`}

// BuildCopySQL renders the COPY statement for one staged file. The table
// name is validated before splicing; everything variable in the FILE_FORMAT
// clause comes from the detected format, not from file content.
func BuildCopySQL(table string, stageURL string, f format.Format, skipHeader int) (string, error) {
	if err := ValidateIdent(table); err != nil {
		return "", err
	}
	if skipHeader < 0 {
		return "", loaderr.New(loaderr.KindConfigInvalid, "negative skip_header")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY INTO %s\nFROM '%s'\n", table, stageURL)

	b.WriteString("FILE_FORMAT = (")
	b.WriteString("TYPE = CSV")
	fmt.Fprintf(&b, ", FIELD_DELIMITER = '%s'", sqlDelimiter(f.Delimiter))
	fmt.Fprintf(&b, ", SKIP_HEADER = %d", skipHeader)
	if f.Quote != 0 {
		fmt.Fprintf(&b, ", FIELD_OPTIONALLY_ENCLOSED_BY = '%s'", sqlChar(f.Quote))
	} else {
		b.WriteString(", FIELD_OPTIONALLY_ENCLOSED_BY = NONE")
	}
	if f.Escape == format.EscapeBackslash {
		b.WriteString(`, ESCAPE = '\\'`)
	} else {
		b.WriteString(", ESCAPE = NONE")
	}
	b.WriteString(", ESCAPE_UNENCLOSED_FIELD = NONE")
	b.WriteString(", ERROR_ON_COLUMN_COUNT_MISMATCH = FALSE")
	b.WriteString(", REPLACE_INVALID_CHARACTERS = TRUE")
	b.WriteString(", NULL_IF = (")
	for i, v := range nullIf {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s'", v)
	}
	b.WriteString(")")
	b.WriteString(", COMPRESSION = AUTO")
	b.WriteString(")\n")

	b.WriteString("ON_ERROR = ABORT_STATEMENT\n")
	b.WriteString("PURGE = TRUE\n")
	fmt.Fprintf(&b, "SIZE_LIMIT = %d", copySizeLimit)

	return b.String(), nil
}

// sqlDelimiter renders a delimiter byte as a SQL string body.
func sqlDelimiter(d byte) string {
	if d == '\t' {
		return `\t`
	}
	return sqlChar(d)
}

// sqlChar renders a single format character, escaping the quote that
// encloses it.
func sqlChar(c byte) string {
	switch c {
	case '\'':
		return `''`
	case '\\':
		return `\\`
	default:
		return string(c)
	}
}
