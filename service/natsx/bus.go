package natsx

import (
	"context"
	"encoding/json"
	"strconv"

	"PPChat/module/model"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	BizPresence   = "presence"
	BizMembership = "membership"
)

// RoomPusher 成员变更落到本节点的房间（chat.Hub）
type RoomPusher interface {
	PushJoin(userID, roomID string) int
	PushLeave(userID, roomID string) int
}

type publisher interface {
	PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error
}

type subscriber interface {
	Subscribe(ctx context.Context, biz string, h Handler) error
}

type BusConfig struct {
	PresenceSubject   string `mapstructure:"presence_subject"`
	MembershipSubject string `mapstructure:"membership_subject"`
	// 为空时每个节点都收到全部成员变更
	MembershipQueue string `mapstructure:"membership_queue"`
}

// Bus 集群事件总线：发布在线状态变化，消费成员变更
type Bus struct {
	pub publisher
	sub subscriber
	log *zap.Logger
}

// NewBus 注册两条 Core 路由
func NewBus(c *Client, conf BusConfig, log *zap.Logger, mws ...Middleware) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	routes := []Route{
		{Biz: BizPresence, Subject: conf.PresenceSubject, Mode: Core},
		{Biz: BizMembership, Subject: conf.MembershipSubject, Mode: Core, Queue: conf.MembershipQueue},
	}
	for _, r := range routes {
		if err := c.RegisterRoute(r); err != nil {
			return nil, err
		}
	}
	mws = append([]Middleware{Recover(log), Logging(log)}, mws...)
	return &Bus{pub: NewProducer(c), sub: NewConsumer(c, mws...), log: log}, nil
}

// PublishPresence msgID 由 user+online+时间组成，订阅方可据此去重
func (b *Bus) PublishPresence(ctx context.Context, ev model.PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal presence")
	}
	id := ev.UserID + ":" + strconv.FormatBool(ev.Online) + ":" + strconv.FormatInt(ev.At.UnixNano(), 10)
	return b.pub.PublishOnce(ctx, BizPresence, data, nil, id)
}

// SubscribeMembership 在 ctx 生命周期内把成员变更推给 target
func (b *Bus) SubscribeMembership(ctx context.Context, target RoomPusher) error {
	return b.sub.Subscribe(ctx, BizMembership, MembershipHandler(target, b.log))
}

// MembershipHandler 非法消息只记日志不返回错误，避免无意义重投
func MembershipHandler(target RoomPusher, log *zap.Logger) Handler {
	return func(_ context.Context, msg Message) error {
		var ev model.MembershipEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn("bad membership event", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		if ev.ChatID == "" || ev.UserID == "" {
			log.Warn("membership event missing ids", zap.Any("event", ev))
			return nil
		}
		var n int
		switch ev.Action {
		case model.MembershipAdded:
			n = target.PushJoin(ev.UserID, ev.ChatID)
		case model.MembershipRemoved:
			n = target.PushLeave(ev.UserID, ev.ChatID)
		default:
			log.Warn("unknown membership action", zap.String("action", ev.Action))
			return nil
		}
		log.Debug("membership applied", zap.String("chat", ev.ChatID), zap.String("user", ev.UserID),
			zap.String("action", ev.Action), zap.Int("sessions", n))
		return nil
	}
}
