package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic in a deferred call and logs it with the
// stack trace. The panic is not re-raised, so the surrounding goroutine
// survives; scheduled jobs and background workers use this to keep one
// bad sweep from taking the process down.
//
//	defer observability.RecoverPanic(logger, "probe sweep")
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic":   r,
			"stack":   string(debug.Stack()),
			"context": context,
		}).Error("panic recovered")
	}
}
