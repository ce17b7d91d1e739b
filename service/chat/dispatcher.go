package chat

import (
	"context"
	"encoding/json"
	"sync"

	"PPChat/tools/errs"
)

// HandlerFunc 处理一条入站事件；返回的错误会转换为发给该会话的 error 事件
type HandlerFunc func(ctx context.Context, sess *Session, data json.RawMessage) error

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// Register 同一事件重复注册时后者覆盖前者
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

func (d *Dispatcher) Handler(eventType string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[eventType]
	return h, ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, eventType string, data json.RawMessage) error {
	h, ok := d.Handler(eventType)
	if !ok {
		return errs.ErrBadRequest.WrapMsg("unknown event", "event", eventType)
	}
	return h(ctx, sess, data)
}

// Bind 把 data 解码为 T 后再交给 fn；解码失败即 BadRequest
func Bind[T any](fn func(ctx context.Context, sess *Session, req T) error) HandlerFunc {
	return func(ctx context.Context, sess *Session, data json.RawMessage) error {
		var req T
		if len(data) > 0 && string(data) != "null" {
			if err := json.Unmarshal(data, &req); err != nil {
				return errs.ErrBadRequest.WrapMsg("invalid payload", "cause", err.Error())
			}
		}
		return fn(ctx, sess, req)
	}
}
