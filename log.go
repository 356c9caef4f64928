package harness

import (
	"log/slog"
	"os"
)

// defaultLogger backs lifecycle and error events (pause, resume,
// abort, invariant violations). The execution loop emits no
// per-iteration trace output; it logs only guest aborts through here.
//
// Grounded on rcornwell-S370's main.go, which sets up a package-level
// *slog.Logger the same way; the teacher itself only ever used
// fmt.Printf, so this is an ambient-stack addition rather than a
// carried-over teacher mechanism.
var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the package-level logger. Intended for embedders
// that want the harness's structured events folded into their own
// sink (e.g. the wider emulator's own slog.Handler).
func SetLogger(l *slog.Logger) {
	if l != nil {
		defaultLogger = l
	}
}
