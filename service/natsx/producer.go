package natsx

import (
	"context"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const HeaderMsgID = nats.MsgIdHdr

// Producer 按 Biz 路由发送
type Producer struct{ c *Client }

func NewProducer(c *Client) *Producer { return &Producer{c: c} }

func (p *Producer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return errors.Errorf("route not found: %s", biz)
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	switch r.Mode {
	case Core:
		return errors.Wrapf(p.c.nc.PublishMsg(msg), "publish %s", r.Subject)
	case JetStreamPush:
		_, err := p.c.js.PublishMsg(msg, nats.Context(ctx))
		return errors.Wrapf(err, "js publish %s", r.Subject)
	default:
		return errors.Errorf("unsupported mode %d", r.Mode)
	}
}

// PublishOnce 带 Nats-Msg-Id 发布，msgID 为空时自动生成
func (p *Producer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	out := make(map[string]string, len(hdr)+1)
	for k, v := range hdr {
		out[k] = v
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	out[HeaderMsgID] = msgID
	return p.Publish(ctx, biz, data, out)
}
