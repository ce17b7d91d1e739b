package model

import "time"

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Participant struct {
	UserID          string    `json:"userId" bson:"user_id"`
	Role            string    `json:"role" bson:"role"`
	UnreadCount     int64     `json:"unreadCount" bson:"unread_count"`
	LastReadMessage string    `json:"lastReadMessage,omitempty" bson:"last_read_message,omitempty"`
	JoinedAt        time.Time `json:"joinedAt" bson:"joined_at"`
}

// Chat 持久化的会话记录；CRUD 由外部服务负责，这里只读成员并维护未读/最后一条
type Chat struct {
	ID           string        `json:"id" bson:"_id"`
	Name         string        `json:"name,omitempty" bson:"name,omitempty"`
	IsGroup      bool          `json:"isGroup" bson:"is_group"`
	Participants []Participant `json:"participants" bson:"participants"`
	LastMessage  string        `json:"lastMessage,omitempty" bson:"last_message,omitempty"`
	LastActivity time.Time     `json:"lastActivity" bson:"last_activity"`
}

func (c *Chat) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Chat) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Chat) MemberIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.UserID)
	}
	return out
}

// CallSession 通话协商的临时状态，不落库
type CallSession struct {
	ID        string    `json:"callId"`
	CallerID  string    `json:"callerId"`
	CalleeID  string    `json:"calleeId"`
	ChatID    string    `json:"chatId"`
	CallType  string    `json:"callType"`
	Answered  bool      `json:"answered"`
	StartedAt time.Time `json:"startedAt"`
}
