package panel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"funnelbot/internal/engage"
	logx "funnelbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// reqLog prefers the per-request logger (rid, chat, cmd) over the panel one.
func reqLog(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

// recoverPanic turns a handler panic into an error the operator sees.
func recoverPanic(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					reqLog(log, req).Error("command panicked",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// logCommand logs the outcome. Usage mistakes and gate denials are normal
// operator traffic and stay at info; anything else is a warning.
func logCommand(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := reqLog(log, req)
			fields := []logx.Field{
				logx.Int64("from_id", req.Cmd.FromID),
				logx.Int("args", len(req.Args)),
				logx.Duration("took", took),
			}
			var (
				ue     usageError
				denied *engage.DeniedError
			)
			switch {
			case err == nil && took >= 750*time.Millisecond:
				l.Info("command ok (slow)", fields...)
			case err == nil:
				l.Debug("command ok", fields...)
			case errors.As(err, &ue):
				l.Info("command usage", fields...)
			case errors.As(err, &denied):
				l.Info("command denied by gate", append(fields, logx.String("reason", string(denied.Reason)))...)
			default:
				l.Warn("command failed", append(fields, logx.Err(err))...)
			}
			return err
		}
	}
}

func withTimeout(d time.Duration) Middleware {
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
