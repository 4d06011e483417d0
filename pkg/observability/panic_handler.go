package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic in the calling goroutine and logs it with the
// stack. It must be deferred directly:
//
//	defer observability.RecoverPanic(logger, "scheduled analysis")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, scope string) {
	if r := recover(); r != nil {
		logPanic(logger, scope, r)
	}
}

// RecoverPanicWithCallback is RecoverPanic followed by onPanic, which only
// runs when a panic was recovered
func RecoverPanicWithCallback(logger *Logger, scope string, onPanic func(error)) {
	if r := recover(); r != nil {
		logPanic(logger, scope, r)
		if onPanic != nil {
			onPanic(fmt.Errorf("panic in %s: %v", scope, r))
		}
	}
}

func logPanic(logger *Logger, scope string, r any) {
	logger.WithFields(map[string]any{
		"panic": fmt.Sprint(r),
		"stack": string(debug.Stack()),
		"scope": scope,
	}).Error("PANIC recovered")
}
