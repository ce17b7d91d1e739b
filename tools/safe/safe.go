package safe

import (
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Go starts f in a goroutine that recovers from panic, so one faulty
// task never takes the process down.
func Go(log *zap.Logger, name string, f func()) {
	go func() {
		defer Recover(log, name)
		f()
	}()
}

// Recover must be deferred directly. It logs the panic with a stack.
func Recover(log *zap.Logger, name string) {
	if r := recover(); r != nil {
		if log == nil {
			log = zap.L()
		}
		log.Error("panic recovered", zap.String("task", name), zap.Error(errs.ErrPanic(r)), zap.Stack("stack"))
	}
}

// Call runs f and converts a panic into an error.
func Call(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.ErrPanic(r)
		}
	}()
	return f()
}
