package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultReapInterval = 30 * time.Second

// Reaper 周期扫描注册表，底层连接已断开的会话按正常断开流程处理
type Reaper struct {
	hub      *Hub
	interval time.Duration
	log      *zap.Logger
}

func NewReaper(hub *Hub, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{hub: hub, interval: interval, log: log}
}

// Run 阻塞直到 ctx 结束
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := r.Sweep(ctx); n > 0 {
				r.log.Info("reaped stale sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep 执行一轮扫描，返回回收的会话数
func (r *Reaper) Sweep(ctx context.Context) int {
	n := 0
	for _, s := range r.hub.conns.Snapshot() {
		if s.Alive() {
			continue
		}
		r.hub.Disconnect(ctx, s)
		r.hub.metrics.incReaped()
		n++
	}
	return n
}
