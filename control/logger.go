package control

import (
	"log"
	"os"
)

// Logger is the engine's logging sink. The engine only needs somewhere
// to write structured records (handler failure capture, dial/transport
// errors), so a stdlib *log.Logger — the donor's own choice throughout
// (adapters/handler_adapter.go, server/hioload.go) — is all that's
// required here.
type Logger = *log.Logger

// DefaultLogger returns the engine's default sink: stderr, standard flags.
func DefaultLogger() Logger {
	return log.New(os.Stderr, "[wsclient] ", log.LstdFlags|log.Lmicroseconds)
}
