// Package ilog is the structured logging wrapper the rest of the module
// logs through. It generalizes the teacher's habit of routing everything
// through the standard library's log package, colorized at the CLI
// boundary via github.com/fatih/color, with an override for redirecting
// output to a log file (client/main.go's "-log" flag) and a "quiet mode"
// that demotes expected-shutdown errors to Debugf, which prints only in
// builds with the iomixer_debug tag.
package ilog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
)

// Logger is a small, named wrapper around the standard library logger.
type Logger struct {
	name  string
	std   *log.Logger
	quiet int32 // atomic bool
}

// New constructs a Logger writing to stderr under the given diagnostic
// name, matching log.SetFlags(log.LstdFlags) used throughout the teacher's
// main.go files.
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags),
	}
}

// SetOutput redirects the logger, mirroring client/main.go's "-log <path>"
// handling (os.OpenFile + log.SetOutput).
func (l *Logger) SetOutput(f *os.File) {
	l.std.SetOutput(f)
}

// SetQuiet suppresses Errorf, demoting it to the same level as Debugf -
// Mixer.SetQuietMode routes through here.
func (l *Logger) SetQuiet(quiet bool) {
	v := int32(0)
	if quiet {
		v = 1
	}
	atomic.StoreInt32(&l.quiet, v)
}

// Quiet reports the current quiet-mode setting.
func (l *Logger) Quiet() bool {
	return atomic.LoadInt32(&l.quiet) == 1
}

// Errorf logs at error level, colorized red, unless quiet mode is set - in
// which case it is demoted to Debugf, so the message prints only under the
// iomixer_debug build tag and is dropped otherwise (spec.md sec 4.6.2).
func (l *Logger) Errorf(format string, args ...any) {
	if l.Quiet() {
		l.Debugf(format, args...)
		return
	}
	l.std.Printf("%s %s", color.RedString("[%s error]", l.name), fmt.Sprintf(format, args...))
}

// Warnf logs at warning level, colorized yellow.
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Printf("%s %s", color.YellowString("[%s warn]", l.name), fmt.Sprintf(format, args...))
}

// Infof logs at info level, uncolored.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf("[%s] %s", l.name, fmt.Sprintf(format, args...))
}
