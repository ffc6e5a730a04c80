package utils

import (
	"context"
	"fmt"
	"runtime/debug"

	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"go.uber.org/zap"
)

// RecoverFn receives a recovered panic value and the goroutine stack.
type RecoverFn func(r interface{}, stack []byte)

// SafeGo runs fn on a new goroutine. A panic is passed to onPanic, or
// logged on the global logger when onPanic is nil.
func SafeGo(fn func(), onPanic RecoverFn) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if onPanic != nil {
					onPanic(r, stack)
					return
				}
				logger.Log.Error("[panic] Recovered from panic in goroutine",
					zap.Any("panic", r),
					zap.ByteString("stack", stack),
				)
			}
		}()
		fn()
	}()
}

// WrapWithContextRecovery wraps a function that takes a context so that a
// panic inside it is logged and returned as an error.
func WrapWithContextRecovery(fn func(ctx context.Context) error) func(ctx context.Context) (err error) {
	return func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.FromContext(ctx).Error("[panic] Recovered from panic",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return fn(ctx)
	}
}
