package format

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/stagehand-io/stagehand/pkg/loaderr"
)

// candidateDelimiters is the ordered precedence for delimiter detection.
// On a consistency tie the earlier candidate wins.
var candidateDelimiters = []byte{'\t', ',', '|', ';'}

const (
	// sampleLines caps how many non-empty lines the detector reads.
	sampleLines = 64

	// maxSampleLineLen guards against binary files without line breaks.
	maxSampleLineLen = 1 << 20

	// ConfidenceThreshold is the minimum confidence below which detection
	// fails when no explicit override is present.
	ConfidenceThreshold = 0.5
)

// gzipMagic is the two-byte gzip stream header.
var gzipMagic = []byte{0x1f, 0x8b}

// Overrides carries explicit format declarations from the file descriptor.
// Zero values mean "not declared".
type Overrides struct {
	Delimiter byte
	Quote     byte
	QuoteSet  bool // distinguishes "no quote" from "not declared"
	Escape    EscapeMode
}

// Result is the detector output: the resolved format plus a confidence
// value in [0,1]. Confidence below ConfidenceThreshold makes the analyzer
// warn (or fail, when nothing was declared).
type Result struct {
	Format     Format
	Confidence float64
}

// Detect resolves the effective format of the file at path. Detection is
// deterministic for the same input bytes.
func Detect(path string, ov Overrides) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, loaderr.Wrap(loaderr.KindFileIO, "open for format detection", err).WithPath(path)
	}
	defer f.Close()

	compression, stream, err := sniffCompression(f)
	if err != nil {
		return Result{}, loaderr.Wrap(loaderr.KindFormatUndetermined, "compression sniff failed", err).WithPath(path)
	}

	lines, err := sampleNonEmptyLines(stream, sampleLines)
	if err != nil {
		return Result{}, loaderr.Wrap(loaderr.KindFileIO, "sampling failed", err).WithPath(path)
	}
	if len(lines) == 0 {
		return Result{}, loaderr.New(loaderr.KindFormatUndetermined, "file has no data lines").WithPath(path)
	}

	if ov.Delimiter != 0 {
		// Explicit delimiter: verify it actually splits the sample, then
		// trust the declaration.
		conf := scoreDelimiter(lines, ov.Delimiter)
		f := buildFormat(ov.Delimiter, ov, compression)
		if conf < ConfidenceThreshold {
			// Declared but inconsistent with the data. Keep the override
			// and surface the low confidence to the analyzer.
			return Result{Format: f, Confidence: conf}, nil
		}
		return Result{Format: f, Confidence: conf}, nil
	}

	bestDelim := byte(0)
	bestScore := -1.0
	for _, d := range candidateDelimiters {
		score := scoreDelimiter(lines, d)
		if score > bestScore {
			bestScore = score
			bestDelim = d
		}
	}

	if bestDelim == 0 || bestScore < ConfidenceThreshold {
		return Result{}, loaderr.New(loaderr.KindFormatUndetermined,
			fmt.Sprintf("no delimiter candidate scored above %.2f", ConfidenceThreshold)).WithPath(path)
	}

	return Result{Format: buildFormat(bestDelim, ov, compression), Confidence: bestScore}, nil
}

// buildFormat assembles a Format from a resolved delimiter and overrides.
func buildFormat(delim byte, ov Overrides, compression Compression) Format {
	kind := kindFor(delim)
	quote := defaultQuote(kind)
	if ov.QuoteSet {
		quote = ov.Quote
	}
	return Format{
		Kind:        kind,
		Delimiter:   delim,
		Quote:       quote,
		Escape:      ov.Escape,
		Compression: compression,
	}
}

// sniffCompression peeks the first two bytes for the gzip magic and returns
// the possibly-decompressed stream.
func sniffCompression(f *os.File) (Compression, io.Reader, error) {
	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err == io.EOF {
		// Zero or one byte file. Not gzip; let sampling report emptiness.
		return CompressionNone, br, nil
	}
	if err != nil {
		return CompressionNone, nil, err
	}

	if bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return CompressionGzip, nil, err
		}
		return CompressionGzip, gz, nil
	}
	return CompressionNone, br, nil
}

// sampleNonEmptyLines reads up to n non-empty lines from r. CRLF endings
// are normalized before scoring.
func sampleNonEmptyLines(r io.Reader, n int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSampleLineLen)

	var lines []string
	for len(lines) < n && scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// scoreDelimiter scores a candidate by (a) consistency of field counts
// across the sample and (b) whether it appears at all. A delimiter that
// never splits a line scores 0; one that yields the same field count > 1
// on every line scores near 1.
func scoreDelimiter(lines []string, delim byte) float64 {
	counts := make(map[int]int)
	appeared := false
	for _, line := range lines {
		n := strings.Count(line, string(delim)) + 1
		if n > 1 {
			appeared = true
		}
		counts[n]++
	}
	if !appeared {
		return 0
	}

	// Modal field count and its share of the sample.
	modal, modalFreq := 0, 0
	for n, freq := range counts {
		if freq > modalFreq {
			modal, modalFreq = n, freq
		}
	}
	if modal <= 1 {
		return 0
	}
	return float64(modalFreq) / float64(len(lines))
}
