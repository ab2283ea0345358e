package format

// SplitFields splits one record line into fields using the resolved
// delimiter and quote character. It appends to dst and returns the result,
// so streaming callers can reuse one backing slice per pass.
//
// The splitter preserves raw field bytes: quotes are stripped and escapes
// resolved only when a field is actually quoted; unquoted fields are
// sub-slices of line.
func (f Format) SplitFields(dst [][]byte, line []byte) [][]byte {
	dst = dst[:0]
	if f.Quote == 0 {
		// Fast path: plain byte split, no quoting.
		start := 0
		for i := 0; i < len(line); i++ {
			if line[i] == f.Delimiter {
				dst = append(dst, line[start:i])
				start = i + 1
			}
		}
		return append(dst, line[start:])
	}

	i := 0
	for {
		field, rest, ok := f.scanField(line[i:])
		dst = append(dst, field)
		if !ok {
			return dst
		}
		i += rest
	}
}

// scanField consumes one field starting at the beginning of b. It returns
// the field bytes, the offset just past the following delimiter, and
// whether a delimiter was found (false at end of record).
func (f Format) scanField(b []byte) ([]byte, int, bool) {
	if len(b) == 0 {
		return b, 0, false
	}

	if b[0] != f.Quote {
		for i := 0; i < len(b); i++ {
			if b[i] == f.Delimiter {
				return b[:i], i + 1, true
			}
		}
		return b, 0, false
	}

	// Quoted field: copy with escapes resolved.
	out := make([]byte, 0, len(b))
	i := 1
	for i < len(b) {
		c := b[i]
		switch {
		case f.Escape == EscapeBackslash && c == '\\' && i+1 < len(b):
			out = append(out, b[i+1])
			i += 2
		case c == f.Quote:
			if f.Escape == EscapeDoubling && i+1 < len(b) && b[i+1] == f.Quote {
				out = append(out, f.Quote)
				i += 2
				continue
			}
			// Closing quote; skip to delimiter if present.
			i++
			if i < len(b) && b[i] == f.Delimiter {
				return out, i + 1, true
			}
			return out, 0, false
		default:
			out = append(out, c)
			i++
		}
	}
	// Unterminated quote: return what we have.
	return out, 0, false
}

// CountFields returns the number of fields SplitFields would produce
// without allocating per-field slices for the common unquoted case.
func (f Format) CountFields(line []byte) int {
	if f.Quote == 0 {
		n := 1
		for _, c := range line {
			if c == f.Delimiter {
				n++
			}
		}
		return n
	}
	return len(f.SplitFields(nil, line))
}
