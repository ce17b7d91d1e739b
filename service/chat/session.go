package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"PPChat/module/model"
)

const defaultQueueSize = 256

// Transport 会话底层连接（websocket 或测试替身）
type Transport interface {
	Connected() bool
	Close() error
}

// Session 一条已认证连接。
// 读协程 -> in -> 处理协程（按序） ; Hub -> out -> 写协程。
// out 从不关闭，关闭信号统一走 done。
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	transport Transport
	in        chan model.Inbound
	out       chan model.Outbound
	done      chan struct{}

	closeOnce   sync.Once
	inCloseOnce sync.Once
	dropped     atomic.Int64
	onDrop      func(*Session)
}

func NewSession(id, userID string, t Transport, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		transport:   t,
		in:          make(chan model.Inbound, queueSize),
		out:         make(chan model.Outbound, queueSize),
		done:        make(chan struct{}),
	}
}

// Enqueue 非阻塞投递。队列满说明对端消费过慢：丢弃并关闭该会话，交给回收流程。
func (s *Session) Enqueue(ev model.Outbound) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	default:
		s.dropped.Add(1)
		if s.onDrop != nil {
			s.onDrop(s)
		}
		_ = s.Close()
		return false
	}
}

func (s *Session) Send(eventType string, data any) bool {
	return s.Enqueue(model.Outbound{Type: eventType, Data: data})
}

// Deliver 读协程调用，把一帧交给处理协程；会话已关闭时返回 false
func (s *Session) Deliver(ev model.Inbound) bool {
	select {
	case s.in <- ev:
		return true
	case <-s.done:
		return false
	}
}

// EndInbound 读协程退出时调用，处理协程在排空剩余帧后结束
func (s *Session) EndInbound() {
	s.inCloseOnce.Do(func() { close(s.in) })
}

func (s *Session) Inbound() <-chan model.Inbound   { return s.in }
func (s *Session) Outbound() <-chan model.Outbound { return s.out }
func (s *Session) Done() <-chan struct{}           { return s.done }

// Close 幂等
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.transport != nil {
			err = s.transport.Close()
		}
	})
	return err
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Alive 回收器的判定依据
func (s *Session) Alive() bool {
	if s.Closed() {
		return false
	}
	return s.transport == nil || s.transport.Connected()
}

func (s *Session) Dropped() int64 { return s.dropped.Load() }
