package async

import "runtime/debug"

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// OnPanic, when set, runs after every recovered panic with the goroutine's
// name. cmd/gobbyd/main.go wires this to telemetry.Metrics so the MCP
// health monitor, config watcher, webhook fan-out, and broadcast loop all
// report recovered panics through one counter instead of only a log line.
var OnPanic func(name string)

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if OnPanic != nil {
			OnPanic(name)
		}
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
