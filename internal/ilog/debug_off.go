//go:build !iomixer_debug

package ilog

// Debugf is a no-op in release builds; see debug_on.go.
func (l *Logger) Debugf(format string, args ...any) {}
