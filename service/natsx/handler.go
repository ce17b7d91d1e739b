package natsx

import (
	"context"
	"time"

	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// Message 统一消息对象
type Message struct {
	Subject string
	Data    []byte
	Header  map[string]string
}

// Handler 业务处理函数；JetStream 模式下返回 error 即 Nak
type Handler func(ctx context.Context, msg Message) error

// Middleware 中间件（日志、恢复、幂等）
type Middleware func(Handler) Handler

// Chain 第一个中间件在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover 把 handler 的 panic 转成错误
func Recover(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
					log.Error("nats handler panic", zap.String("subject", msg.Subject), zap.Any("panic", r))
				}
			}()
			return next(ctx, msg)
		}
	}
}

func Logging(log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			start := time.Now()
			err := next(ctx, msg)
			if err != nil {
				log.Warn("nats handler failed", zap.String("subject", msg.Subject),
					zap.Duration("cost", time.Since(start)), zap.Error(err))
				return err
			}
			log.Debug("nats handled", zap.String("subject", msg.Subject), zap.Duration("cost", time.Since(start)))
			return nil
		}
	}
}
