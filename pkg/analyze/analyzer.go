// Package analyze implements the streaming sizing pass: a single constant
// memory scan producing row count, byte count, column count, and the
// detected line terminator for one input file.
package analyze

import (
	"bufio"
	"compress/gzip"
	"io"
	"os"

	"github.com/stagehand-io/stagehand/internal/logger"
	"github.com/stagehand-io/stagehand/pkg/config"
	"github.com/stagehand-io/stagehand/pkg/format"
	"github.com/stagehand-io/stagehand/pkg/loaderr"
	"github.com/stagehand-io/stagehand/pkg/progress"
)

// progressIncrement is the byte interval between progress reports.
const progressIncrement = 16 << 20 // 16 MiB

// LineTerminator is the detected record terminator.
type LineTerminator string

const (
	TerminatorLF   LineTerminator = "LF"
	TerminatorCRLF LineTerminator = "CRLF"
)

// Report is the result of one sizing pass.
type Report struct {
	// SizeBytes is the physical file size (compressed size for gzip input).
	SizeBytes int64

	// Rows is the data row count, excluding any declared header rows.
	Rows int64

	// Columns is the field count of the first non-empty data row.
	Columns int

	// Format is the effective format attached to the descriptor.
	Format format.Format

	// Terminator is the detected line terminator.
	Terminator LineTerminator

	// TruncatedTail is set when the file ends mid-line. The partial line
	// is not counted.
	TruncatedTail bool

	// LowConfidence is set when delimiter detection confidence was below
	// the warn threshold but an explicit override allowed analysis.
	LowConfidence bool
}

// Empty reports whether the file had no data at all.
func (r *Report) Empty() bool {
	return r.SizeBytes == 0
}

// countingReader tracks physical bytes read and reports progress in
// bounded increments.
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
		c.sink.Progress(c.path, progress.PhaseAnalyze, c.n-c.flushed)
		c.flushed = c.n
	}
	return n, err
}

func (c *countingReader) flush() {
	if c.n > c.flushed {
		c.sink.Progress(c.path, progress.PhaseAnalyze, c.n-c.flushed)
		c.flushed = c.n
	}
}

// Analyze runs the sizing pass for one descriptor. It resolves the
// effective format (exactly once) before the streaming read.
func Analyze(fd *config.FileDescriptor, sink progress.Sink) (*Report, error) {
	if sink == nil {
		sink = progress.Null{}
	}
	info, err := os.Stat(fd.Path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "stat failed", err).WithPath(fd.Path)
	}

	if info.Size() == 0 {
		// Zero-byte input short-circuits: nothing to detect or stream.
		return &Report{}, nil
	}

	f, ok := fd.EffectiveFormat()
	if !ok {
		ov, err := fd.Overrides()
		if err != nil {
			return nil, err
		}
		res, err := format.Detect(fd.Path, ov)
		if err != nil {
			return nil, err
		}
		if err := fd.SetEffectiveFormat(res); err != nil {
			return nil, err
		}
		f = res.Format
	}

	report := &Report{
		SizeBytes:  info.Size(),
		Format:     f,
		Terminator: TerminatorLF,
	}
	if fd.FormatConfidence() < format.ConfidenceThreshold {
		report.LowConfidence = true
		logger.Warn("low delimiter confidence, using declared format",
			logger.KeyFile, fd.Path,
			logger.KeyDelim, string(f.Delimiter),
			"confidence", fd.FormatConfidence(),
		)
	}

	file, err := os.Open(fd.Path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "open failed", err).WithPath(fd.Path)
	}
	defer file.Close()

	sink.FileStart(fd.Path, progress.PhaseAnalyze, info.Size())
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

	if err := scanLines(stream, fd, report); err != nil {
		return nil, loaderr.Wrap(loaderr.KindFileIO, "read failed", err).WithPath(fd.Path)
	}
	counter.flush()

	if report.TruncatedTail {
		logger.Warn("file ends mid-line, trailing partial row not counted",
			logger.KeyFile, fd.Path,
			logger.KeyRows, report.Rows,
		)
	}

	return report, nil
}

// scanLines counts terminated lines and records the column count of the
// first non-empty data row. Constant memory: lines are visited through the
// bufio buffer without retention.
func scanLines(r io.Reader, fd *config.FileDescriptor, report *Report) error {
	br := bufio.NewReaderSize(r, 256*1024)

	var (
		lines      int64
		skipLeft   = fd.SkipHeader
		sawColumns bool
		first      = true
	)

	for {
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// A row longer than the buffer: consume the remainder without
			// retaining it.
			for err == bufio.ErrBufferFull {
				_, err = br.ReadSlice('\n')
			}
			if err == io.EOF {
				report.TruncatedTail = true
				break
			}
			if err != nil {
				return err
			}
			first = false
			if skipLeft > 0 {
				skipLeft--
				continue
			}
			lines++
			continue
		}

		if err == io.EOF {
			if len(line) > 0 {
				report.TruncatedTail = true
			}
			break
		}
		if err != nil {
			return err
		}

		// Terminated line.
		body := line[:len(line)-1]
		if first {
			if len(body) > 0 && body[len(body)-1] == '\r' {
				report.Terminator = TerminatorCRLF
			}
			first = false
		}
		if len(body) > 0 && body[len(body)-1] == '\r' {
			body = body[:len(body)-1]
		}

		if skipLeft > 0 {
			skipLeft--
			continue
		}

		lines++
		if !sawColumns && len(body) > 0 {
			report.Columns = report.Format.CountFields(body)
			sawColumns = true
		}
	}

	report.Rows = lines
	return nil
}
