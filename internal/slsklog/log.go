// Package slsklog provides the package-level debug logger used across the
// module, following the same facility-gated convention the teacher codebase
// uses for its internal/sync and internal/discover packages: one *Facility
// per package, with Debug output gated by an environment variable so it is
// free in production and cheap to enable per-package while troubleshooting.
package slsklog

import (
	"os"
	"strings"
	"sync"

	"github.com/calmh/logger"
)

// Default is the shared underlying logger instance. Embedders that want to
// capture log output (rather than have it go to stdout) can call
// Default.AddHandler.
var Default = logger.New()

// EnvVar is the environment variable consulted to enable per-facility debug
// logging, e.g. SLSK_TRACE=conn,connmgr,transfer.
const EnvVar = "SLSK_TRACE"

var (
	traceMut   sync.Mutex
	traceNames map[string]bool
	traceAll   bool
	traceInit  bool
)

func traceEnabled(name string) bool {
	traceMut.Lock()
	defer traceMut.Unlock()
	if !traceInit {
		traceNames = make(map[string]bool)
		raw := os.Getenv(EnvVar)
		for _, n := range strings.Split(raw, ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			if n == "*" || n == "all" {
				traceAll = true
			}
			traceNames[n] = true
		}
		traceInit = true
	}
	return traceAll || traceNames[name]
}

// Facility is a named logger bound to one package, matching the teacher's
// "l *logger.Logger; var debug = ..." per-package idiom but packaged as a
// value so every component constructs its own instead of relying on a
// package-level global.
type Facility struct {
	name  string
	debug bool
}

// New returns a Facility for the given package name, consulting SLSK_TRACE
// once at construction time (debug logging is an operator decision made at
// process start, not something that needs to be re-evaluated per call).
func New(name string) *Facility {
	return &Facility{name: name, debug: traceEnabled(name)}
}

func (f *Facility) Debug() bool { return f.debug }

func (f *Facility) Debugln(vals ...interface{}) {
	if f.debug {
		Default.Debugln(append([]interface{}{f.name + ":"}, vals...)...)
	}
}

func (f *Facility) Debugf(format string, vals ...interface{}) {
	if f.debug {
		Default.Debugf(f.name+": "+format, vals...)
	}
}

func (f *Facility) Infoln(vals ...interface{}) {
	Default.Infoln(append([]interface{}{f.name + ":"}, vals...)...)
}

func (f *Facility) Infof(format string, vals ...interface{}) {
	Default.Infof(f.name+": "+format, vals...)
}

func (f *Facility) Warnln(vals ...interface{}) {
	Default.Warnln(append([]interface{}{f.name + ":"}, vals...)...)
}

func (f *Facility) Warnf(format string, vals ...interface{}) {
	Default.Warnf(f.name+": "+format, vals...)
}
