package storage

import (
	"context"
	"time"

	"PPChat/module/model"
)

// NewMessage 是 CreateMessage 的入参；ID 由存储层生成（雪花ID）
type NewMessage struct {
	ChatID   string
	SenderID string
	Type     string
	Content  string
	ReplyTo  string
	ClientID string
	At       time.Time
}

// ReceiptResult Added=false 表示该回执此前已存在（幂等重放）
type ReceiptResult struct {
	Message *model.Message
	Added   bool
}

// MessageStore 消息持久化。所有写操作在单条记录上原子完成。
type MessageStore interface {
	// CreateMessage 按 (chatID, senderID, clientID) 幂等；created=false 时返回已有记录
	CreateMessage(ctx context.Context, in NewMessage) (msg *model.Message, created bool, err error)
	GetMessage(ctx context.Context, messageID string) (*model.Message, error)
	AppendDeliveryReceipt(ctx context.Context, messageID, userID string, at time.Time) (ReceiptResult, error)
	AppendReadReceipt(ctx context.Context, messageID, userID string, at time.Time) (ReceiptResult, error)

	EditMessage(ctx context.Context, messageID, content string, at time.Time) (*model.Message, error)
	// DeleteMessage forEveryone=false 时只对 userID 隐藏
	DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool, at time.Time) (*model.Message, error)
	SetReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*model.Message, error)
	RemoveReaction(ctx context.Context, messageID, userID string) (msg *model.Message, removed bool, err error)
}

// MembershipReader 成员关系查询（RoomMembership / 鉴权只需要这一项）
type MembershipReader interface {
	// FetchChatMembership 返回成员 userID 列表；会话不存在返回 errs.ErrNotFound
	FetchChatMembership(ctx context.Context, chatID string) ([]string, error)
}

// ChatStore 只读成员关系 + 未读/最后一条维护；会话的增删改由外部服务负责
type ChatStore interface {
	MembershipReader
	FetchUserChats(ctx context.Context, userID string) ([]string, error)
	FetchContacts(ctx context.Context, userID string) ([]string, error)
	IncrementUnread(ctx context.Context, chatID, senderID, lastMessageID string, at time.Time) error
	ResetUnread(ctx context.Context, chatID, userID, lastReadMessageID string) error
}

type Store interface {
	MessageStore
	ChatStore
	Close(ctx context.Context) error
}

// IsMember 是 FetchChatMembership 的便捷封装
func IsMember(ctx context.Context, s MembershipReader, chatID, userID string) (bool, error) {
	members, err := s.FetchChatMembership(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}
