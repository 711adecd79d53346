package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "seatwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Result labels for command outcomes.
const (
	ResultOK        = "ok"
	ResultUserError = "user_error"
	ResultTimeout   = "timeout"
	ResultError     = "error"
)

// resultOf classifies a handler error for logs and metrics.
func resultOf(err error) string {
	var ue *UserError
	switch {
	case err == nil:
		return ResultOK
	case errors.As(err, &ue):
		return ResultUserError
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	default:
		return ResultError
	}
}

// MWTimeout bounds the handler. d <= 0 leaves ctx as is.
func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error and logs the stack.
func MWPanicRecover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.Logger.Error("command panicked",
						logx.Any("panic", r),
						logx.Stack(logx.StackTrace(3, 16)),
					)
					err = fmt.Errorf("panic in /%s: %v", req.Command, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs every command once. User errors are expected and stay
// at debug; slow successes are raised to info.
func MWRequestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			res := resultOf(err)
			fields := []logx.Field{logx.String("result", res), logx.Int("args", len(req.Args)), logx.Duration("dur", d)}
			switch {
			case res == ResultOK && d >= 750*time.Millisecond:
				req.Logger.Info("command done", fields...)
			case res == ResultOK, res == ResultUserError:
				req.Logger.Debug("command done", append(fields, logx.Err(err))...)
			default:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

// MWMetrics counts outcomes under the command's canonical name.
func MWMetrics(count func(cmd, result string), name string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			count(name, resultOf(err))
			return err
		}
	}
}
