package safe

import (
	"ChatRelay/logger"
)

// Go starts f on a new goroutine with a recover guard, so a panic in one
// session's pump never takes the process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered: %v", r)
			}
		}()
		f()
	}()
}
