package quality

// Accepted date forms, normalized to YYYY-MM-DD:
//
//	YYYY-MM-DD
//	YYYYMMDD   (string or integer)
//	MM/DD/YYYY
//
// Anything else counts as invalid_date.

// NormalizeDate parses one of the accepted date forms from raw field bytes
// and returns the canonical YYYY-MM-DD key.
func NormalizeDate(b []byte) (string, bool) {
	switch len(b) {
	case 8:
		// YYYYMMDD
		if !allDigits(b) {
			return "", false
		}
		y := digits(b[0:4])
		m := digits(b[4:6])
		d := digits(b[6:8])
		if !validYMD(y, m, d) {
			return "", false
		}
		return canonical(b[0:4], b[4:6], b[6:8]), true

	case 10:
		if b[4] == '-' && b[7] == '-' {
			// YYYY-MM-DD
			if !allDigits(b[0:4]) || !allDigits(b[5:7]) || !allDigits(b[8:10]) {
				return "", false
			}
			if !validYMD(digits(b[0:4]), digits(b[5:7]), digits(b[8:10])) {
				return "", false
			}
			return string(b), true
		}
		if b[2] == '/' && b[5] == '/' {
			// MM/DD/YYYY
			if !allDigits(b[0:2]) || !allDigits(b[3:5]) || !allDigits(b[6:10]) {
				return "", false
			}
			if !validYMD(digits(b[6:10]), digits(b[0:2]), digits(b[3:5])) {
				return "", false
			}
			return canonical(b[6:10], b[0:2], b[3:5]), true
		}
		return "", false

	default:
		return "", false
	}
}

// daysInMonth ignores leap years deliberately: a Feb 29 row in a non-leap
// year is a data problem the warehouse will surface, not something the
// streaming pass should reject.
var daysInMonth = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func validYMD(y, m, d int) bool {
	if y < 1000 || y > 9999 {
		return false
	}
	if m < 1 || m > 12 {
		return false
	}
	return d >= 1 && d <= daysInMonth[m]
}

func allDigits(b []byte) bool {
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(b) > 0
}

func digits(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}

func canonical(y, m, d []byte) string {
	out := make([]byte, 10)
	copy(out[0:4], y)
	out[4] = '-'
	copy(out[5:7], m)
	out[7] = '-'
	copy(out[8:10], d)
	return string(out)
}
