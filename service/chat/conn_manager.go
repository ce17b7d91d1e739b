package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPChat/tools/errs"
	"PPChat/tools/keylock"
	"PPChat/tools/safe"

	"go.uber.org/zap"
)

// ===== 配置 =====

type ManagerConf struct {
	MaxPerUser int              // 每用户最大连接数（<=0 不限制），超限淘汰最老连接
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ConnManager 会话注册表：sessionID -> Session，userID -> 会话集合。
// 只由 Hub 修改。
type ConnManager struct {
	mu        sync.RWMutex
	bySession map[string]*Session            // 主索引
	byUser    map[string]map[string]*Session // 辅助索引：userID -> (sessionID -> Session)

	userLock *keylock.KeyedMutex
	hooks    []Hooks
	conf     ManagerConf
	log      *zap.Logger
}

func NewConnManager(conf ManagerConf, log *zap.Logger) *ConnManager {
	conf.norm()
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnManager{
		bySession: make(map[string]*Session),
		byUser:    make(map[string]map[string]*Session),
		userLock:  keylock.New(),
		conf:      conf,
		log:       log,
	}
}

// AddHooks 需在开始接入连接前调用
func (m *ConnManager) AddHooks(h ...Hooks) {
	m.hooks = append(m.hooks, h...)
}

// Register 幂等登记，返回该用户当前会话数；0->1 时触发 UserOnline
func (m *ConnManager) Register(ctx context.Context, sess *Session) (int, error) {
	if sess == nil || sess.ID == "" || sess.UserID == "" {
		return 0, errs.ErrBadRequest.WrapMsg("session id/user empty")
	}
	unlock := m.userLock.Lock(sess.UserID)
	defer unlock()

	m.mu.Lock()
	if _, exists := m.bySession[sess.ID]; exists {
		n := len(m.byUser[sess.UserID])
		m.mu.Unlock()
		return n, nil
	}
	m.bySession[sess.ID] = sess
	if m.byUser[sess.UserID] == nil {
		m.byUser[sess.UserID] = make(map[string]*Session)
	}
	m.byUser[sess.UserID][sess.ID] = sess
	n := len(m.byUser[sess.UserID])
	m.mu.Unlock()

	if n == 1 {
		for _, h := range m.hooks {
			m.run("UserOnline", func() { h.UserOnline(ctx, sess.UserID) })
		}
	}
	return n, nil
}

// Unregister 移除会话；未知会话为 no-op。1->0 时触发 UserOffline。
func (m *ConnManager) Unregister(ctx context.Context, sess *Session) (int, bool) {
	if sess == nil {
		return 0, false
	}
	unlock := m.userLock.Lock(sess.UserID)
	defer unlock()

	m.mu.Lock()
	if _, ok := m.bySession[sess.ID]; !ok {
		n := len(m.byUser[sess.UserID])
		m.mu.Unlock()
		return n, false
	}
	delete(m.bySession, sess.ID)
	n := 0
	if mm := m.byUser[sess.UserID]; mm != nil {
		delete(mm, sess.ID)
		n = len(mm)
		if n == 0 {
			delete(m.byUser, sess.UserID)
		}
	}
	m.mu.Unlock()

	for _, h := range m.hooks {
		m.run("SessionClosed", func() { h.SessionClosed(ctx, sess) })
	}
	if n == 0 {
		lastSeen := m.conf.Clock()
		for _, h := range m.hooks {
			m.run("UserOffline", func() { h.UserOffline(ctx, sess.UserID, lastSeen) })
		}
	}
	return n, true
}

// run 单个 hook 的 panic 不影响注册表状态和其他 hook
func (m *ConnManager) run(name string, f func()) {
	if err := safe.Call(func() error { f(); return nil }); err != nil {
		m.log.Error("conn hook panic", zap.String("hook", name), zap.Error(err))
	}
}

// SessionsFor 快照，可能为空
func (m *ConnManager) SessionsFor(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mm := m.byUser[userID]
	out := make([]*Session, 0, len(mm))
	for _, s := range mm {
		out = append(out, s)
	}
	return out
}

func (m *ConnManager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.bySession[sessionID]
	return s, ok
}

func (m *ConnManager) Online(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// Snapshot 全部会话（回收器使用）
func (m *ConnManager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.bySession))
	for _, s := range m.bySession {
		out = append(out, s)
	}
	return out
}

func (m *ConnManager) Count() (sessions, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySession), len(m.byUser)
}

// Excess 超出 MaxPerUser 的最老会话，由调用方按断开流程处理
func (m *ConnManager) Excess(userID string) []*Session {
	if m.conf.MaxPerUser <= 0 {
		return nil
	}
	all := m.SessionsFor(userID)
	if len(all) <= m.conf.MaxPerUser {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ConnectedAt.Before(all[j].ConnectedAt)
	})
	return all[:len(all)-m.conf.MaxPerUser]
}
