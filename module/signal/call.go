package signal

import (
	"context"
	"sync"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CallTypeAudio = "audio"
	CallTypeVideo = "video"

	EndReasonHangup       = "hangup"
	EndReasonDisconnected = "disconnected"
)

// UserFanout 点对点投递（chat.Hub）
type UserFanout interface {
	SendToUser(userID string, ev model.Outbound) int
	Online(userID string) bool
}

// Calls 通话协商转发。CallSession 只在内存里，结束/拒绝/任一方离线即丢弃。
type Calls struct {
	chat.NopHooks

	hub     UserFanout
	members storage.MembershipReader
	clock   func() time.Time
	newID   func() string
	log     *zap.Logger

	mu     sync.Mutex
	calls  map[string]*model.CallSession  // callID -> call
	byUser map[string]map[string]struct{} // userID -> callIDs
}

func NewCalls(hub UserFanout, members storage.MembershipReader, log *zap.Logger) *Calls {
	if log == nil {
		log = zap.NewNop()
	}
	return &Calls{
		hub:     hub,
		members: members,
		clock:   time.Now,
		newID:   uuid.NewString,
		log:     log,
		calls:   make(map[string]*model.CallSession),
		byUser:  make(map[string]map[string]struct{}),
	}
}

func (c *Calls) Register(d *chat.Dispatcher) {
	d.Register(model.EvCallInitiate, chat.Bind(c.Initiate))
	d.Register(model.EvCallAnswer, chat.Bind(c.Answer))
	d.Register(model.EvCallReject, chat.Bind(c.Reject))
	d.Register(model.EvCallEnd, chat.Bind(c.End))
	d.Register(model.EvIceCandidate, chat.Bind(c.Ice))
}

// Initiate 双方都必须是 chatId 的成员；对方无在线会话时返回 TargetUnavailable 且不发 incoming_call
func (c *Calls) Initiate(ctx context.Context, sess *chat.Session, req model.CallInitiateReq) error {
	if req.TargetUserID == "" || req.ChatID == "" {
		return errs.ErrBadRequest.WrapMsg("targetUserId and chatId are required")
	}
	if req.TargetUserID == sess.UserID {
		return errs.ErrBadRequest.WrapMsg("cannot call yourself")
	}
	if req.CallType == "" {
		req.CallType = CallTypeAudio
	}
	if req.CallType != CallTypeAudio && req.CallType != CallTypeVideo {
		return errs.ErrBadRequest.WrapMsg("unknown call type", "callType", req.CallType)
	}

	members, err := c.members.FetchChatMembership(ctx, req.ChatID)
	if err != nil {
		return err
	}
	if !contains(members, sess.UserID) || !contains(members, req.TargetUserID) {
		return errs.ErrPermissionDenied.WrapMsg("both parties must be members of chat",
			"chatId", req.ChatID, "targetUserId", req.TargetUserID)
	}
	if !c.hub.Online(req.TargetUserID) {
		return unavailable(req.TargetUserID)
	}

	call := &model.CallSession{
		ID:        c.newID(),
		CallerID:  sess.UserID,
		CalleeID:  req.TargetUserID,
		ChatID:    req.ChatID,
		CallType:  req.CallType,
		StartedAt: c.clock(),
	}
	c.put(call)

	n := c.hub.SendToUser(req.TargetUserID, model.Outbound{Type: model.OutIncomingCall, Data: model.IncomingCall{
		CallID:   call.ID,
		CallerID: sess.UserID,
		ChatID:   req.ChatID,
		CallType: req.CallType,
		Offer:    req.Offer,
	}})
	if n == 0 {
		// 对方在检查之后下线
		c.drop(call.ID)
		return unavailable(req.TargetUserID)
	}
	sess.Send(model.OutCallInitiated, model.CallInitiated{
		CallID:       call.ID,
		TargetUserID: req.TargetUserID,
		ChatID:       req.ChatID,
	})
	c.log.Debug("call initiated", zap.String("call", call.ID), zap.String("caller", sess.UserID), zap.String("callee", req.TargetUserID))
	return nil
}

func (c *Calls) Answer(_ context.Context, sess *chat.Session, req model.CallAnswerReq) error {
	if req.CallerID == "" {
		return errs.ErrBadRequest.WrapMsg("callerId is required")
	}
	callID := c.markAnswered(req.CallerID, sess.UserID)
	return c.forward(req.CallerID, model.Outbound{Type: model.OutCallAnswered, Data: model.CallAnswered{
		CallID:     callID,
		AnswererID: sess.UserID,
		Answer:     req.Answer,
	}})
}

func (c *Calls) Reject(_ context.Context, sess *chat.Session, req model.CallRejectReq) error {
	if req.CallerID == "" {
		return errs.ErrBadRequest.WrapMsg("callerId is required")
	}
	callID := c.dropBetween(req.CallerID, sess.UserID)
	return c.forward(req.CallerID, model.Outbound{Type: model.OutCallRejected, Data: model.CallRejected{
		CallID:     callID,
		RejecterID: sess.UserID,
		Reason:     req.Reason,
	}})
}

// End 无论对方是否在线都丢弃通话记录
func (c *Calls) End(_ context.Context, sess *chat.Session, req model.CallEndReq) error {
	if req.TargetUserID == "" {
		return errs.ErrBadRequest.WrapMsg("targetUserId is required")
	}
	callID := c.dropBetween(sess.UserID, req.TargetUserID)
	return c.forward(req.TargetUserID, model.Outbound{Type: model.OutCallEnded, Data: model.CallEnded{
		CallID:  callID,
		EnderID: sess.UserID,
		Reason:  EndReasonHangup,
	}})
}

func (c *Calls) Ice(_ context.Context, sess *chat.Session, req model.IceCandidateReq) error {
	if req.TargetUserID == "" {
		return errs.ErrBadRequest.WrapMsg("targetUserId is required")
	}
	return c.forward(req.TargetUserID, model.Outbound{Type: model.OutIceCandidate, Data: model.IceCandidate{
		SenderID:  sess.UserID,
		Candidate: req.Candidate,
	}})
}

// UserOffline 用户最后一个会话断开：结束其全部通话并通知对端
func (c *Calls) UserOffline(_ context.Context, userID string, _ time.Time) {
	c.mu.Lock()
	var ended []*model.CallSession
	for id := range c.byUser[userID] {
		if call, ok := c.calls[id]; ok {
			ended = append(ended, call)
		}
	}
	for _, call := range ended {
		c.dropLocked(call.ID)
	}
	c.mu.Unlock()

	for _, call := range ended {
		peer := call.CalleeID
		if peer == userID {
			peer = call.CallerID
		}
		c.hub.SendToUser(peer, model.Outbound{Type: model.OutCallEnded, Data: model.CallEnded{
			CallID:  call.ID,
			EnderID: userID,
			Reason:  EndReasonDisconnected,
		}})
		c.log.Debug("call ended by disconnect", zap.String("call", call.ID), zap.String("user", userID))
	}
}

// Active 进行中的通话数
func (c *Calls) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// Between 两个用户之间的通话（任一方向）
func (c *Calls) Between(a, b string) (model.CallSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call := c.findLocked(a, b); call != nil {
		return *call, true
	}
	return model.CallSession{}, false
}

func (c *Calls) forward(target string, ev model.Outbound) error {
	if c.hub.SendToUser(target, ev) == 0 {
		return unavailable(target)
	}
	return nil
}

func unavailable(userID string) error {
	return errs.ErrTargetUnavailable.WrapMsg("target has no live session", "targetUserId", userID)
}

func (c *Calls) put(call *model.CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// 同一对用户只保留最新的一通
	if old := c.findLocked(call.CallerID, call.CalleeID); old != nil {
		c.dropLocked(old.ID)
	}
	c.calls[call.ID] = call
	for _, u := range []string{call.CallerID, call.CalleeID} {
		if c.byUser[u] == nil {
			c.byUser[u] = make(map[string]struct{})
		}
		c.byUser[u][call.ID] = struct{}{}
	}
}

func (c *Calls) markAnswered(callerID, calleeID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.findLocked(callerID, calleeID)
	if call == nil {
		return ""
	}
	call.Answered = true
	return call.ID
}

func (c *Calls) drop(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(callID)
}

func (c *Calls) dropBetween(a, b string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := c.findLocked(a, b)
	if call == nil {
		return ""
	}
	c.dropLocked(call.ID)
	return call.ID
}

func (c *Calls) findLocked(a, b string) *model.CallSession {
	for id := range c.byUser[a] {
		call := c.calls[id]
		if call == nil {
			continue
		}
		if (call.CallerID == a && call.CalleeID == b) || (call.CallerID == b && call.CalleeID == a) {
			return call
		}
	}
	return nil
}

func (c *Calls) dropLocked(callID string) {
	call, ok := c.calls[callID]
	if !ok {
		return
	}
	delete(c.calls, callID)
	for _, u := range []string{call.CallerID, call.CalleeID} {
		if idx := c.byUser[u]; idx != nil {
			delete(idx, callID)
			if len(idx) == 0 {
				delete(c.byUser, u)
			}
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
