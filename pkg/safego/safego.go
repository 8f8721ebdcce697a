package safego

import (
	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// A panic is logged with its stack and the goroutine exits without taking
// the process down.
//
// Usage:
//
//	safego.Go(logger, "lane:"+conversationID, func() {
//	    lane.drain()
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(logger *zap.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("Goroutine panicked",
			zap.String("goroutine", name),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
	}
}
