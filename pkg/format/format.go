// Package format resolves the effective delimiter, quote character, and
// compression of a delimited input file, and provides the field splitter
// used by the streaming passes.
package format

import (
	"fmt"
)

// Kind distinguishes tab-separated from character-separated files.
type Kind int

const (
	KindTSV Kind = iota
	KindCSV
)

func (k Kind) String() string {
	if k == KindTSV {
		return "TSV"
	}
	return "CSV"
}

// Compression identifies the input compression.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) String() string {
	if c == CompressionGzip {
		return "GZIP"
	}
	return "NONE"
}

// EscapeMode selects how a quote character is escaped inside a quoted field.
type EscapeMode int

const (
	// EscapeDoubling treats "" inside a quoted field as a literal quote.
	EscapeDoubling EscapeMode = iota
	// EscapeBackslash treats \" inside a quoted field as a literal quote.
	EscapeBackslash
)

// Format is the resolved shape of one input file. Quote == 0 means fields
// are never quoted.
type Format struct {
	Kind        Kind
	Delimiter   byte
	Quote       byte
	Escape      EscapeMode
	Compression Compression
}

func (f Format) String() string {
	q := "none"
	if f.Quote != 0 {
		q = string(f.Quote)
	}
	return fmt.Sprintf("%s delim=%q quote=%s compression=%s", f.Kind, string(f.Delimiter), q, f.Compression)
}

// kindFor maps a delimiter to its file kind. Only tab is TSV.
func kindFor(delim byte) Kind {
	if delim == '\t' {
		return KindTSV
	}
	return KindCSV
}

// defaultQuote returns the default quote character for a kind: double quote
// for CSV, none for TSV.
func defaultQuote(k Kind) byte {
	if k == KindCSV {
		return '"'
	}
	return 0
}
