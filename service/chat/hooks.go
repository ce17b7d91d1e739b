package chat

import (
	"context"
	"time"
)

// Hooks 连接生命周期回调。
// UserOnline / UserOffline 只在用户会话数 0->1 / 1->0 时各触发一次，
// 且在该用户的临界区内执行，保证同一用户的在线状态变化按序发出。
type Hooks interface {
	UserOnline(ctx context.Context, userID string)
	UserOffline(ctx context.Context, userID string, lastSeen time.Time)
	SessionClosed(ctx context.Context, sess *Session)
}

// NopHooks 便于只关心部分回调的实现嵌入
type NopHooks struct{}

func (NopHooks) UserOnline(context.Context, string)             {}
func (NopHooks) UserOffline(context.Context, string, time.Time) {}
func (NopHooks) SessionClosed(context.Context, *Session)        {}
