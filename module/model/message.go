package model

import "time"

const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
	MessageTypeVideo = "video"
)

// Receipt 某个接收者到达某个投递状态的时间戳，(messageID, userID) 唯一
type Receipt struct {
	UserID string    `json:"userId" bson:"user_id"`
	At     time.Time `json:"at" bson:"at"`
}

// Status 消息级状态；delivered/read 为“任一接收者”语义（OR）
type Status struct {
	Sent        bool       `json:"sent" bson:"sent"`
	SentAt      time.Time  `json:"sentAt" bson:"sent_at"`
	Delivered   bool       `json:"delivered" bson:"delivered"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty" bson:"delivered_at,omitempty"`
	Read        bool       `json:"read" bson:"read"`
	ReadAt      *time.Time `json:"readAt,omitempty" bson:"read_at,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"userId" bson:"user_id"`
	Emoji     string    `json:"emoji" bson:"emoji"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

type Message struct {
	ID       string `json:"id" bson:"_id"`
	ChatID   string `json:"chatId" bson:"chat_id"`
	SenderID string `json:"senderId" bson:"sender_id"`
	Type     string `json:"type" bson:"type"`
	Content  string `json:"content" bson:"content"` // 内容引用（文本或对象存储地址），加解密不在本服务
	ReplyTo  string `json:"replyTo,omitempty" bson:"reply_to,omitempty"`
	ClientID string `json:"clientId,omitempty" bson:"client_id,omitempty"`

	Status      Status     `json:"status" bson:"status"`
	DeliveredTo []Receipt  `json:"deliveredTo" bson:"delivered_to"`
	ReadBy      []Receipt  `json:"readBy" bson:"read_by"`
	Reactions   []Reaction `json:"reactions,omitempty" bson:"reactions"`

	Edited     bool       `json:"edited,omitempty" bson:"edited"`
	EditedAt   *time.Time `json:"editedAt,omitempty" bson:"edited_at,omitempty"`
	Deleted    bool       `json:"deleted,omitempty" bson:"deleted"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty" bson:"deleted_at,omitempty"`
	DeletedFor []string   `json:"-" bson:"deleted_for"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

func (m *Message) DeliveredReceipt(userID string) (Receipt, bool) {
	return findReceipt(m.DeliveredTo, userID)
}

func (m *Message) ReadReceipt(userID string) (Receipt, bool) {
	return findReceipt(m.ReadBy, userID)
}

func findReceipt(rs []Receipt, userID string) (Receipt, bool) {
	for _, r := range rs {
		if r.UserID == userID {
			return r, true
		}
	}
	return Receipt{}, false
}

// Clone 深拷贝，内存存储对外返回副本
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.DeliveredTo = append(make([]Receipt, 0, len(m.DeliveredTo)), m.DeliveredTo...)
	c.ReadBy = append(make([]Receipt, 0, len(m.ReadBy)), m.ReadBy...)
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.DeletedFor = append([]string(nil), m.DeletedFor...)
	if m.Status.DeliveredAt != nil {
		t := *m.Status.DeliveredAt
		c.Status.DeliveredAt = &t
	}
	if m.Status.ReadAt != nil {
		t := *m.Status.ReadAt
		c.Status.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
