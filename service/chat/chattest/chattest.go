// Package chattest 提供会话层的测试替身
package chattest

import (
	"strconv"
	"sync/atomic"

	"PPChat/module/model"
	"PPChat/service/chat"
)

// Transport 可手动切换连通状态的假连接
type Transport struct {
	down   atomic.Bool
	closed atomic.Int32
}

func (t *Transport) Connected() bool { return !t.down.Load() }

func (t *Transport) Close() error {
	t.down.Store(true)
	t.closed.Add(1)
	return nil
}

// Drop 模拟底层连接中断（不经过 Close）
func (t *Transport) Drop() { t.down.Store(true) }

func (t *Transport) CloseCount() int { return int(t.closed.Load()) }

var seq atomic.Int64

// NewSession 创建带假连接的会话，ID 自增
func NewSession(userID string, queueSize int) (*chat.Session, *Transport) {
	t := &Transport{}
	id := "s" + strconv.FormatInt(seq.Add(1), 10)
	return chat.NewSession(id, userID, t, queueSize), t
}

// Drain 取出会话当前队列里的全部下行事件（非阻塞）
func Drain(s *chat.Session) []model.Outbound {
	var out []model.Outbound
	for {
		select {
		case ev := <-s.Outbound():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// OfType 过滤出指定类型的事件
func OfType(evs []model.Outbound, eventType string) []model.Outbound {
	var out []model.Outbound
	for _, ev := range evs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Types 事件类型序列，便于断言顺序
func Types(evs []model.Outbound) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
