package model

import (
	"encoding/json"
	"time"
)

// 入站事件
const (
	EvJoinRoom       = "join_room"
	EvLeaveRoom      = "leave_room"
	EvSubmitMessage  = "submit_message"
	EvMarkDelivered  = "mark_delivered"
	EvMarkRead       = "mark_read"
	EvTypingStart    = "typing_start"
	EvTypingStop     = "typing_stop"
	EvCallInitiate   = "call_initiate"
	EvCallAnswer     = "call_answer"
	EvCallReject     = "call_reject"
	EvCallEnd        = "call_end"
	EvIceCandidate   = "ice_candidate"
	EvEditMessage    = "edit_message"
	EvDeleteMessage  = "delete_message"
	EvAddReaction    = "add_reaction"
	EvRemoveReaction = "remove_reaction"
	EvPing           = "ping"
)

// 出站事件
const (
	OutConnected       = "connected"
	OutPresenceOnline  = "presence_online"
	OutPresenceOffline = "presence_offline"
	OutRoomJoined      = "room_joined"
	OutRoomLeft        = "room_left"
	OutNewMessage      = "new_message"
	OutMessageAck      = "message_ack"
	OutDeliveryReceipt = "delivery_receipt"
	OutReadReceipt     = "read_receipt"
	OutTyping          = "typing"
	OutIncomingCall    = "incoming_call"
	OutCallInitiated   = "call_initiated"
	OutCallAnswered    = "call_answered"
	OutCallRejected    = "call_rejected"
	OutCallEnded       = "call_ended"
	OutIceCandidate    = "ice_candidate"
	OutMessageEdited   = "message_edited"
	OutMessageDeleted  = "message_deleted"
	OutReactionAdded   = "reaction_added"
	OutReactionRemoved = "reaction_removed"
	OutPong            = "pong"
	OutError           = "error"
)

// Inbound 客户端帧：{"type": "...", "data": {...}}
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound 下行帧；Data 为下方的具体 payload 类型
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ---- inbound payloads ----

type JoinRoomReq struct {
	RoomID string `json:"roomId"`
}

type SubmitMessageReq struct {
	ChatID   string `json:"chatId"`
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
	ReplyTo  string `json:"replyTo,omitempty"`
	ClientID string `json:"clientId"`
}

type MessageRef struct {
	MessageID string `json:"messageId"`
}

type TypingReq struct {
	ChatID string `json:"chatId"`
}

type CallInitiateReq struct {
	TargetUserID string          `json:"targetUserId"`
	ChatID       string          `json:"chatId"`
	CallType     string          `json:"callType"`
	Offer        json.RawMessage `json:"offer,omitempty"`
}

type CallAnswerReq struct {
	CallerID string          `json:"callerId"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

type CallRejectReq struct {
	CallerID string `json:"callerId"`
	Reason   string `json:"reason,omitempty"`
}

type CallEndReq struct {
	TargetUserID string `json:"targetUserId"`
}

type IceCandidateReq struct {
	TargetUserID string          `json:"targetUserId"`
	Candidate    json.RawMessage `json:"candidate"`
}

type EditMessageReq struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessageReq struct {
	MessageID   string `json:"messageId"`
	ForEveryone bool   `json:"forEveryone"`
}

type ReactionReq struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

// ---- outbound payloads ----

type Connected struct {
	UserID    string   `json:"userId"`
	SessionID string   `json:"sessionId"`
	Rooms     []string `json:"rooms"`
}

type PresenceOnline struct {
	UserID string `json:"userId"`
}

type PresenceOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type RoomEvent struct {
	RoomID string `json:"roomId"`
}

type NewMessage struct {
	Message *Message `json:"message"`
}

// MessageAck Warnings 列出消息已落库但未完成的后续步骤
type MessageAck struct {
	ClientID   string    `json:"clientId"`
	MessageID  string    `json:"messageId"`
	ServerTime time.Time `json:"serverTime"`
	Warnings   []string  `json:"warnings,omitempty"`
}

const WarnUnreadNotUpdated = "unread_not_updated"

type DeliveryReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type Typing struct {
	UserID   string `json:"userId"`
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type IncomingCall struct {
	CallID   string          `json:"callId"`
	CallerID string          `json:"callerId"`
	ChatID   string          `json:"chatId"`
	CallType string          `json:"callType"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type CallInitiated struct {
	CallID       string `json:"callId"`
	TargetUserID string `json:"targetUserId"`
	ChatID       string `json:"chatId"`
}

type CallAnswered struct {
	CallID     string          `json:"callId,omitempty"`
	AnswererID string          `json:"answererId"`
	Answer     json.RawMessage `json:"answer,omitempty"`
}

type CallRejected struct {
	CallID     string `json:"callId,omitempty"`
	RejecterID string `json:"rejecterId"`
	Reason     string `json:"reason,omitempty"`
}

type CallEnded struct {
	CallID  string `json:"callId,omitempty"`
	EnderID string `json:"enderId"`
	Reason  string `json:"reason,omitempty"`
}

type IceCandidate struct {
	SenderID  string          `json:"senderId"`
	Candidate json.RawMessage `json:"candidate"`
}

type MessageEdited struct {
	Message *Message `json:"message"`
}

type MessageDeleted struct {
	MessageID  string `json:"messageId"`
	ChatID     string `json:"chatId"`
	DeletedFor string `json:"deletedFor"` // everyone | me
}

type ReactionChanged struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji,omitempty"`
}

type Pong struct {
	ServerTime time.Time `json:"serverTime"`
}

type ErrorEvent struct {
	Reason  string            `json:"reason"`
	Code    int               `json:"code"`
	Message string            `json:"message,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// ---- bus records (NATS / Kafka) ----

// PresenceEvent 集群内广播的在线状态变化
type PresenceEvent struct {
	UserID string    `json:"userId"`
	NodeID string    `json:"nodeId"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

const (
	MembershipAdded   = "added"
	MembershipRemoved = "removed"
)

// MembershipEvent 外部会话服务发布的成员变更
type MembershipEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Action string `json:"action"`
}

// OfflinePush 离线推送记录，按 userId 分区
type OfflinePush struct {
	UserID    string    `json:"userId"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Ts        time.Time `json:"ts"`
}
