//go:build iomixer_debug

package ilog

import "fmt"

// Debugf logs at debug level. Only compiled in under the iomixer_debug
// build tag; release builds use the no-op in debug_off.go.
func (l *Logger) Debugf(format string, args ...any) {
	l.std.Printf("[%s debug] %s", l.name, fmt.Sprintf(format, args...))
}
