package chat

import (
	"sort"
	"sync"
)

// Rooms 房间 -> 已订阅会话；另维护会话 -> 房间的反向索引，断开时一次清干净。
// 成员资格校验在 Hub 完成，这里只管内存订阅关系。
type Rooms struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]*Session // roomID -> sessionID -> Session
	bySession map[string]map[string]struct{} // sessionID -> roomIDs
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:     make(map[string]map[string]*Session),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join 返回是否新加入
func (r *Rooms) Join(sess *Session, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.rooms[roomID]
	if set == nil {
		set = make(map[string]*Session)
		r.rooms[roomID] = set
	}
	if _, ok := set[sess.ID]; ok {
		return false
	}
	set[sess.ID] = sess
	if r.bySession[sess.ID] == nil {
		r.bySession[sess.ID] = make(map[string]struct{})
	}
	r.bySession[sess.ID][roomID] = struct{}{}
	return true
}

func (r *Rooms) Leave(sess *Session, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sess.ID, roomID)
}

func (r *Rooms) leaveLocked(sessionID, roomID string) bool {
	set := r.rooms[roomID]
	if _, ok := set[sessionID]; !ok {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
	if idx := r.bySession[sessionID]; idx != nil {
		delete(idx, roomID)
		if len(idx) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	return true
}

// LeaveAll 退出会话所在的全部房间，返回退出的房间
func (r *Rooms) LeaveAll(sess *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.bySession[sess.ID]
	left := make([]string, 0, len(idx))
	for roomID := range idx {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(sess.ID, roomID)
	}
	sort.Strings(left)
	return left
}

// Members 房间会话快照；广播在快照上进行，不持锁发送
func (r *Rooms) Members(roomID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.rooms[roomID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Rooms) IsJoined(sess *Session, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][sess.ID]
	return ok
}

func (r *Rooms) RoomsOf(sess *Session) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySession[sess.ID]))
	for roomID := range r.bySession[sess.ID] {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
