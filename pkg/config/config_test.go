package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-io/stagehand/internal/bytesize"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const minimalConfig = `
warehouse:
  dsn: "postgres://u:p@localhost:5439/db"
  stage:
    bucket: test-bucket
files:
  - path: /data/trades.tsv
    table: trades
    date_column: trade_date
    columns: [account_id, trade_date, symbol]
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkers, cfg.Job.Workers)
	assert.Equal(t, DefaultPoolCapacity, cfg.Job.PoolCapacity)
	assert.Equal(t, bytesize.ByteSize(DefaultAsyncThreshold), cfg.Job.AsyncThreshold)
	assert.Equal(t, 30*time.Second, cfg.Job.PollInterval)
	assert.Equal(t, 2*time.Hour, cfg.Job.MaxWait)
	assert.Equal(t, 240*time.Second, cfg.Job.KeepaliveInterval)
	assert.Equal(t, 1, cfg.Job.CompressionLevel)
	assert.Equal(t, ValidateBoth, cfg.Job.ValidationPolicy)
	assert.True(t, cfg.Job.ShouldContinueOnError())
	require.Len(t, cfg.Files, 1)
	assert.Equal(t, "trades", cfg.Files[0].Table)
}

func TestLoadTunables(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
warehouse:
  dsn: "postgres://u:p@localhost/db"
  stage:
    bucket: b
job:
  workers: 8
  async_threshold: 250Mi
  poll_interval: 10s
  continue_on_error: false
  validation_policy: FILE_ONLY
files:
  - path: /data/a.csv
    table: t
    date_column: d
    columns: [d, x]
`))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Job.Workers)
	assert.Equal(t, 250*bytesize.MiB, cfg.Job.AsyncThreshold)
	assert.Equal(t, 10*time.Second, cfg.Job.PollInterval)
	assert.False(t, cfg.Job.ShouldContinueOnError())
	assert.True(t, cfg.Job.ValidationPolicy.FileValidation())
	assert.False(t, cfg.Job.ValidationPolicy.WarehouseValidation())
}

func TestLoadUnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
surprise_option: true
`))
	require.Error(t, err)
	assert.True(t, loaderr.Is(err, loaderr.KindConfigInvalid), "unknown keys must be CONFIG_INVALID, got %v", err)
}

func TestLoadDateColumnMustBeDeclared(t *testing.T) {
	_, err := Load(writeConfig(t, `
warehouse:
  dsn: "postgres://u:p@localhost/db"
  stage:
    bucket: b
files:
  - path: /data/a.csv
    table: t
    date_column: missing
    columns: [d, x]
`))
	require.Error(t, err)
	assert.True(t, loaderr.Is(err, loaderr.KindConfigInvalid))
}

func TestLoadDuplicateKeyMustBeDeclared(t *testing.T) {
	_, err := Load(writeConfig(t, `
warehouse:
  dsn: "postgres://u:p@localhost/db"
  stage:
    bucket: b
job:
  duplicate_key: [nope]
files:
  - path: /data/a.csv
    table: t
    date_column: d
    columns: [d, x]
`))
	require.Error(t, err)
	assert.True(t, loaderr.Is(err, loaderr.KindConfigInvalid))
}

func TestLoadWindow(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
warehouse:
  dsn: "postgres://u:p@localhost/db"
  stage:
    bucket: b
job:
  window_start: "2024-07-01"
  window_end: "2024-07-31"
files:
  - path: /data/a.csv
    table: t
    date_column: d
    columns: [d, x]
`))
	require.NoError(t, err)
	assert.Equal(t, "2024-07-01", cfg.Job.WindowStart)
	assert.Equal(t, "2024-07-31", cfg.Job.WindowEnd)
}

func TestLoadWindowInvalid(t *testing.T) {
	tests := []struct {
		name, job string
	}{
		{"inverted", "window_start: \"2024-07-31\"\n  window_end: \"2024-07-01\""},
		{"half set", "window_start: \"2024-07-01\""},
		{"malformed", "window_start: \"07/01/2024\"\n  window_end: \"2024-07-31\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, `
warehouse:
  dsn: "postgres://u:p@localhost/db"
  stage:
    bucket: b
job:
  `+tt.job+`
files:
  - path: /data/a.csv
    table: t
    date_column: d
    columns: [d, x]
`))
			require.Error(t, err)
			assert.True(t, loaderr.Is(err, loaderr.KindConfigInvalid))
		})
	}
}

func TestLoadMissingDSN(t *testing.T) {
	_, err := Load(writeConfig(t, `
warehouse:
  stage:
    bucket: b
`))
	require.Error(t, err)
	assert.True(t, loaderr.Is(err, loaderr.KindConfigInvalid))
}

func TestFileDescriptorOverrides(t *testing.T) {
	tests := []struct {
		name      string
		fd        FileDescriptor
		wantDelim byte
		wantQuote byte
		wantSet   bool
		wantErr   bool
	}{
		{"symbolic tab", FileDescriptor{Delimiter: "tab"}, '\t', 0, false, false},
		{"symbolic pipe", FileDescriptor{Delimiter: "pipe"}, '|', 0, false, false},
		{"literal semicolon", FileDescriptor{Delimiter: ";"}, ';', 0, false, false},
		{"quote none", FileDescriptor{Quote: "none"}, 0, 0, true, false},
		{"quote char", FileDescriptor{Quote: `'`}, 0, '\'', true, false},
		{"bad delimiter", FileDescriptor{Delimiter: "comma,tab"}, 0, 0, false, true},
		{"bad quote", FileDescriptor{Quote: "<<"}, 0, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ov, err := tt.fd.Overrides()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDelim, ov.Delimiter)
			assert.Equal(t, tt.wantQuote, ov.Quote)
			assert.Equal(t, tt.wantSet, ov.QuoteSet)
		})
	}
}

func TestEffectiveFormatSetOnce(t *testing.T) {
	fd := FileDescriptor{Path: "/data/a.tsv"}
	res := format.Result{
		Format:     format.Format{Kind: format.KindTSV, Delimiter: '\t'},
		Confidence: 1.0,
	}

	require.NoError(t, fd.SetEffectiveFormat(res))
	got, ok := fd.EffectiveFormat()
	require.True(t, ok)
	assert.Equal(t, byte('\t'), got.Delimiter)

	assert.Error(t, fd.SetEffectiveFormat(res), "second set must fail")
}

func TestDateColumnIndex(t *testing.T) {
	fd := FileDescriptor{
		Path:       "/data/a.tsv",
		DateColumn: "Trade_Date",
		Columns:    []string{"account_id", "trade_date", "symbol"},
	}
	idx, err := fd.DateColumnIndex()
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "column match is case-insensitive")
}

func TestSaveRoundTrip(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, Save(cfg, out))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Warehouse.DSN, again.Warehouse.DSN)
	assert.Equal(t, cfg.Files[0].Table, again.Files[0].Table)
}
