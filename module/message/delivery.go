package message

import (
	"context"
	"time"

	"PPChat/module/model"
	"PPChat/service/chat"
	"PPChat/service/storage"
	"PPChat/tools/errs"
	"PPChat/tools/keylock"

	"go.uber.org/zap"
)

// Delivery 单条消息、单个接收者的状态只前进：sent -> delivered -> read。
// 同一条消息的回执处理在 per-message 临界区内串行。
type Delivery struct {
	store storage.Store
	hub   Fanout
	locks *keylock.KeyedMutex
	clock func() time.Time
	log   *zap.Logger
}

func NewDelivery(store storage.Store, hub Fanout, log *zap.Logger) *Delivery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Delivery{store: store, hub: hub, locks: keylock.New(), clock: time.Now, log: log}
}

func (d *Delivery) Register(disp *chat.Dispatcher) {
	disp.Register(model.EvMarkDelivered, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.MessageRef) error {
		return d.MarkDelivered(ctx, req.MessageID, sess.UserID)
	}))
	disp.Register(model.EvMarkRead, chat.Bind(func(ctx context.Context, sess *chat.Session, req model.MessageRef) error {
		return d.MarkRead(ctx, req.MessageID, sess.UserID)
	}))
}

// MarkDelivered 幂等；发送者本人标记为 no-op
func (d *Delivery) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	msg, err := d.authorize(ctx, messageID, recipientID)
	if err != nil || msg.SenderID == recipientID {
		return err
	}
	unlock := d.locks.Lock(messageID)
	defer unlock()
	_, err = d.deliver(ctx, msg, recipientID)
	return errs.WithFields(err, "messageId", messageID)
}

// MarkRead 幂等；缺失的 delivered 回执先补上，再追加 read 回执并清零未读
func (d *Delivery) MarkRead(ctx context.Context, messageID, recipientID string) error {
	msg, err := d.authorize(ctx, messageID, recipientID)
	if err != nil || msg.SenderID == recipientID {
		return err
	}
	unlock := d.locks.Lock(messageID)
	defer unlock()

	if _, err := d.deliver(ctx, msg, recipientID); err != nil {
		return errs.WithFields(err, "messageId", messageID)
	}
	res, err := d.store.AppendReadReceipt(ctx, messageID, recipientID, d.clock())
	if err != nil {
		return errs.WithFields(err, "messageId", messageID)
	}
	if res.Added {
		rc, _ := res.Message.ReadReceipt(recipientID)
		d.hub.SendToUser(msg.SenderID, model.Outbound{Type: model.OutReadReceipt, Data: model.ReadReceipt{
			MessageID: messageID,
			ChatID:    msg.ChatID,
			UserID:    recipientID,
			Timestamp: rc.At,
		}})
	}
	// 回执已记录，重试时只会重做清零
	if err := d.store.ResetUnread(ctx, msg.ChatID, recipientID, messageID); err != nil {
		d.log.Warn("reset unread failed", zap.String("chat", msg.ChatID), zap.String("user", recipientID), zap.Error(err))
		return errs.WithFields(err, "messageId", messageID, "chatId", msg.ChatID)
	}
	return nil
}

func (d *Delivery) authorize(ctx context.Context, messageID, recipientID string) (*model.Message, error) {
	if messageID == "" {
		return nil, errs.ErrBadRequest.WrapMsg("messageId is required")
	}
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, errs.WithFields(err, "messageId", messageID)
	}
	ok, err := storage.IsMember(ctx, d.store, msg.ChatID, recipientID)
	if err != nil {
		return nil, errs.WithFields(err, "messageId", messageID)
	}
	if !ok {
		return nil, errs.ErrPermissionDenied.WrapMsg("recipient is not a member of chat", "messageId", messageID, "chatId", msg.ChatID)
	}
	return msg, nil
}

// deliver 需持有 messageID 的锁
func (d *Delivery) deliver(ctx context.Context, msg *model.Message, recipientID string) (bool, error) {
	res, err := d.store.AppendDeliveryReceipt(ctx, msg.ID, recipientID, d.clock())
	if err != nil {
		return false, err
	}
	if !res.Added {
		return false, nil
	}
	rc, _ := res.Message.DeliveredReceipt(recipientID)
	d.hub.SendToUser(msg.SenderID, model.Outbound{Type: model.OutDeliveryReceipt, Data: model.DeliveryReceipt{
		MessageID: msg.ID,
		UserID:    recipientID,
		Timestamp: rc.At,
	}})
	return true, nil
}
