package warehouse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

func TestBuildCopySQLTab(t *testing.T) {
	f := format.Format{Kind: format.KindTSV, Delimiter: '\t'}
	sql, err := BuildCopySQL("trades", "s3://bucket/stage/trades/abc", f, 0)
	require.NoError(t, err)

	assert.Contains(t, sql, "COPY INTO trades\nFROM 's3://bucket/stage/trades/abc'")
	assert.Contains(t, sql, `FIELD_DELIMITER = '\t'`)
	assert.Contains(t, sql, "SKIP_HEADER = 0")
	assert.Contains(t, sql, "FIELD_OPTIONALLY_ENCLOSED_BY = NONE")
	assert.Contains(t, sql, "ESCAPE = NONE")
	assert.Contains(t, sql, "ESCAPE_UNENCLOSED_FIELD = NONE")
	assert.Contains(t, sql, "ERROR_ON_COLUMN_COUNT_MISMATCH = FALSE")
	assert.Contains(t, sql, "REPLACE_INVALID_CHARACTERS = TRUE")
	assert.Contains(t, sql, `NULL_IF = ('NULL', 'null', '', '\\N')`)
	assert.Contains(t, sql, "COMPRESSION = AUTO")
	assert.Contains(t, sql, "ON_ERROR = ABORT_STATEMENT")
	assert.Contains(t, sql, "PURGE = TRUE")
	assert.Contains(t, sql, "SIZE_LIMIT = 5368709120")
}

func TestBuildCopySQLQuotedCSV(t *testing.T) {
	f := format.Format{Kind: format.KindCSV, Delimiter: ',', Quote: '"'}
	sql, err := BuildCopySQL("trades", "s3://b/p", f, 1)
	require.NoError(t, err)

	assert.Contains(t, sql, "FIELD_DELIMITER = ','")
	assert.Contains(t, sql, `FIELD_OPTIONALLY_ENCLOSED_BY = '"'`)
	assert.Contains(t, sql, "SKIP_HEADER = 1")
}

func TestBuildCopySQLBackslashEscape(t *testing.T) {
	f := format.Format{Kind: format.KindCSV, Delimiter: ',', Quote: '"', Escape: format.EscapeBackslash}
	sql, err := BuildCopySQL("t", "s3://b/p", f, 0)
	require.NoError(t, err)
	assert.Contains(t, sql, `ESCAPE = '\\'`)
}

func TestBuildCopySQLRejectsBadTable(t *testing.T) {
	f := format.Format{Delimiter: '\t'}
	for _, table := range []string{"", "1abc", "t;drop", "a b", "x'y"} {
		_, err := BuildCopySQL(table, "s3://b/p", f, 0)
		require.Error(t, err, "table %q", table)
		assert.Equal(t, loaderr.KindConfigInvalid, loaderr.KindOf(err))
	}
}

func TestBuildCopySQLSchemaQualifiedTable(t *testing.T) {
	f := format.Format{Delimiter: '\t'}
	sql, err := BuildCopySQL("analytics.trades", "s3://b/p", f, 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, "COPY INTO analytics.trades\n"))
}

func TestValidateIdent(t *testing.T) {
	good := []string{"t", "trades", "_private", "a1$", "schema.table", "UPPER_case9"}
	for _, name := range good {
		assert.NoError(t, ValidateIdent(name), name)
	}

	bad := []string{"", "9lives", "semi;colon", "sp ace", "quo'te", "da-sh", strings.Repeat("x", 300)}
	for _, name := range bad {
		assert.Error(t, ValidateIdent(name), name)
	}
}

func TestStageHandle(t *testing.T) {
	h := NewStageHandle("ingest-bucket", "stage", "trades")
	assert.Equal(t, "ingest-bucket", h.Bucket)
	assert.True(t, strings.HasPrefix(h.Prefix, "stage/trades/"))
	assert.True(t, strings.HasPrefix(h.URL(), "s3://ingest-bucket/stage/trades/"))
	assert.Equal(t, h.Prefix+"/data.gz", h.ObjectKey("data.gz"))

	// Two handles for the same table never collide.
	h2 := NewStageHandle("ingest-bucket", "stage", "trades")
	assert.NotEqual(t, h.Prefix, h2.Prefix)
}

func TestStageHandleNoRoot(t *testing.T) {
	h := NewStageHandle("b", "", "trades")
	assert.True(t, strings.HasPrefix(h.Prefix, "trades/"))
}
