// Package quality implements the streaming data-quality pass: a single
// constant-memory scan that enumerates dates, counts rows per date, detects
// duplicate composite keys, and records row-level anomalies.
//
// Memory is O(distinct dates + distinct duplicate keys); sample retention
// is capped, totals are exact. Row-level problems never abort the pass;
// only I/O errors do.
package quality

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/progress"
)

// progressIncrement is the byte interval between progress reports.
const progressIncrement = 16 << 20 // 16 MiB

// Validator runs the quality pass for files of one job.
type Validator struct {
	// DuplicateKey is the composite key column list. Empty disables
	// duplicate detection; there is no implicit default.
	DuplicateKey []string

	// Sink receives byte progress during the scan.
	Sink progress.Sink
}

// dupEntry tracks one composite key hash.
type dupEntry struct {
	count    int64
	firstRow int64
	display  string
	samples  []int64
}

// Validate streams the file once and produces the quality report. The
// descriptor must carry its effective format (the analyzer runs first).
func (v *Validator) Validate(fd *config.FileDescriptor) (*Report, error) {
	f, ok := fd.EffectiveFormat()
	if !ok {
		return nil, loaderr.New(loaderr.KindFileIO, "effective format not resolved before quality pass").WithPath(fd.Path)
	}

	dateIdx, err := fd.DateColumnIndex()
	if err != nil {
		return nil, err
	}

	var keyIdx []int
	if len(v.DuplicateKey) > 0 {
		keyIdx, err = fd.KeyColumnIndexes(v.DuplicateKey)
		if err != nil {
			return nil, err
		}
	}

	file, err := os.Open(fd.Path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "open failed", err).WithPath(fd.Path)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "stat failed", err).WithPath(fd.Path)
	}

	sink := v.Sink
	if sink == nil {
		sink = progress.Null{}
	}
	sink.FileStart(fd.Path, progress.PhaseValidate, info.Size())

	counter := &countingReader{r: file, path: fd.Path, sink: sink}
	var stream io.Reader = counter
	if f.Compression == format.CompressionGzip {
		gz, err := gzip.NewReader(counter)
		if err != nil {
			return nil, loaderr.Wrap(loaderr.KindFileIO, "gzip open failed", err).WithPath(fd.Path)
		}
		defer gz.Close()
		stream = gz
	}

	report := &Report{
		RowsPerDate:         make(map[string]int64),
		DelimiterConfidence: fd.FormatConfidence(),
	}

	if err := v.scan(stream, fd, f, dateIdx, keyIdx, report); err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "read failed", err).WithPath(fd.Path)
	}
	counter.flush()

	report.finalize()
	return report, nil
}

// scan is the single streaming pass.
func (v *Validator) scan(r io.Reader, fd *config.FileDescriptor, f format.Format, dateIdx int, keyIdx []int, report *Report) error {
	br := bufio.NewReaderSize(r, 256*1024)

	var (
		fields   [][]byte
		dups     map[uint64]*dupEntry
		hasher   xxhash.Digest
		skipLeft = fd.SkipHeader
		expected = len(fd.Columns)
		row      int64
	)
	if len(keyIdx) > 0 {
		dups = make(map[uint64]*dupEntry)
	}

	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			for err == bufio.ErrBufferFull {
				_, err = br.ReadSlice('\n')
			}
			if err == io.EOF {
				// Truncated tail, dropped to match the analyzer's count.
				break
			}
			if err != nil {
				return err
			}
			if skipLeft > 0 {
				skipLeft--
				continue
			}
			// Oversized row: counted, flagged, fields unknowable.
			row++
			report.TotalRows++
			report.recordRowAnomaly(row, -1)
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		body := line[:len(line)-1]
		if len(body) > 0 && body[len(body)-1] == '\r' {
			body = body[:len(body)-1]
		}

		if skipLeft > 0 {
			skipLeft--
			continue
		}

		row++
		report.TotalRows++

		fields = f.SplitFields(fields, body)
		if len(fields) != expected {
			report.recordRowAnomaly(row, len(fields))
		}

		// Date projection: possible even on malformed rows when the date
		// index is still in range.
		if dateIdx < len(fields) {
			if date, ok := NormalizeDate(fields[dateIdx]); ok {
				report.RowsPerDate[date]++
			} else {
				report.recordInvalidDate(row)
			}
		} else {
			report.recordInvalidDate(row)
		}

		if dups != nil {
			v.recordKey(dups, &hasher, fields, keyIdx, row)
		}
	}

	if dups != nil {
		report.collectDuplicates(dups)
	}
	return nil
}

// recordKey hashes the composite key of one row and updates the duplicate
// map. The display form is materialized only when a key first repeats.
func (v *Validator) recordKey(dups map[uint64]*dupEntry, hasher *xxhash.Digest, fields [][]byte, keyIdx []int, row int64) {
	hasher.Reset()
	for i, idx := range keyIdx {
		if i > 0 {
			_, _ = hasher.Write([]byte{'|'})
		}
		if idx < len(fields) {
			_, _ = hasher.Write(fields[idx])
		}
	}
	h := hasher.Sum64()

	entry, ok := dups[h]
	if !ok {
		dups[h] = &dupEntry{count: 1, firstRow: row}
		return
	}

	entry.count++
	if entry.count == 2 {
		entry.display = displayKey(fields, keyIdx)
		entry.samples = append(entry.samples, entry.firstRow)
	}
	if len(entry.samples) < maxDuplicateSampleRows {
		entry.samples = append(entry.samples, row)
	}
}

func displayKey(fields [][]byte, keyIdx []int) string {
	out := make([]byte, 0, 32)
	for i, idx := range keyIdx {
		if i > 0 {
			out = append(out, '|')
		}
		if idx < len(fields) {
			out = append(out, fields[idx]...)
		}
	}
	return string(out)
}

func (r *Report) recordRowAnomaly(row int64, columns int) {
	r.AnomalousRows++
	if len(r.RowAnomalies) < maxRowAnomalySamples {
		r.RowAnomalies = append(r.RowAnomalies, RowAnomaly{Row: row, Columns: columns})
	}
}

func (r *Report) recordInvalidDate(row int64) {
	r.InvalidDates++
	if len(r.InvalidDateSamples) < maxInvalidDateSamples {
		r.InvalidDateSamples = append(r.InvalidDateSamples, row)
	}
}

// collectDuplicates extracts repeated keys in first-occurrence order.
func (r *Report) collectDuplicates(dups map[uint64]*dupEntry) {
	var groups []DuplicateGroup
	for _, e := range dups {
		if e.count > 1 {
			groups = append(groups, DuplicateGroup{
				Key:        e.display,
				Count:      e.count,
				SampleRows: e.samples,
			})
		}
	}
	// Order by first sample row for stable reports.
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].SampleRows[0] < groups[j].SampleRows[0]
	})
	r.Duplicates = groups
}

// countingReader mirrors the analyzer's progress accounting.
type countingReader struct {
	r       io.Reader
	n       int64
	flushed int64
	path    string
	sink    progress.Sink
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n-c.flushed >= progressIncrement {
		c.sink.Progress(c.path, progress.PhaseValidate, c.n-c.flushed)
		c.flushed = c.n
	}
	return n, err
}

func (c *countingReader) flush() {
	if c.n > c.flushed {
		c.sink.Progress(c.path, progress.PhaseValidate, c.n-c.flushed)
		c.flushed = c.n
	}
}
