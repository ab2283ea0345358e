//go:build windows

package logger

// isTerminal always reports false on Windows; ANSI colors are not
// guaranteed to be available, so plain text output is used.
func isTerminal(fd uintptr) bool {
	return false
}
