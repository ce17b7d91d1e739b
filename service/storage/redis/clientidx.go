package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

const (
	defaultClientIdxPrefix = "im:cid"
	defaultClientIdxTTL    = 48 * time.Hour
)

// ClientIndex (chat, sender, clientId) -> messageId 的幂等窗口。
// 只是快速路径，权威去重仍在消息存储里。
type ClientIndex struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type ClientIndexOption func(*ClientIndex)

// WithIndexPrefix 自定义键名前缀（默认 "im:cid"）
func WithIndexPrefix(prefix string) ClientIndexOption {
	return func(c *ClientIndex) { c.prefix = prefix }
}

// WithIndexTTL 设置去重窗口TTL（默认 48h）
func WithIndexTTL(ttl time.Duration) ClientIndexOption {
	return func(c *ClientIndex) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func NewClientIndex(rdb redis.UniversalClient, opts ...ClientIndexOption) *ClientIndex {
	c := &ClientIndex{rdb: rdb, prefix: defaultClientIdxPrefix, ttl: defaultClientIdxTTL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// key 规范：im:cid:{chat}:{sender}:{clientId}
// clientId 只在同一会话内唯一，换会话复用同一 clientId 是两条不同的消息
func (c *ClientIndex) key(chat, sender, clientID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", c.prefix, chat, sender, clientID)
}

// SETNX + PEXPIRE 原子执行；已存在时返回旧值
const rememberLua = `
local ok = redis.call('SETNX', KEYS[1], ARGV[1])
if ok == 1 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
  return {0, ARGV[1]}
end
return {1, redis.call('GET', KEYS[1])}
`

func (c *ClientIndex) Lookup(ctx context.Context, chat, sender, clientID string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, c.key(chat, sender, clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Transient(err, "redis.ClientIndex.Lookup")
	}
	return id, true, nil
}

// Remember 首次写入生效；窗口内重复写入保持原映射
func (c *ClientIndex) Remember(ctx context.Context, chat, sender, clientID, messageID string) error {
	_, _, err := c.Ensure(ctx, chat, sender, clientID, messageID)
	return err
}

// Ensure 返回最终生效的 messageId，existed 表示映射此前已存在
func (c *ClientIndex) Ensure(ctx context.Context, chat, sender, clientID, messageID string) (string, bool, error) {
	res, err := c.rdb.Eval(ctx, rememberLua, []string{c.key(chat, sender, clientID)},
		messageID, c.ttl.Milliseconds()).Result()
	if err != nil {
		return "", false, errs.Transient(err, "redis.ClientIndex.Ensure")
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return "", false, errs.ErrInternal.WrapMsg("unexpected lua result", "result", fmt.Sprintf("%#v", res))
	}
	flag, _ := arr[0].(int64)
	val, _ := arr[1].(string)
	return val, flag == 1, nil
}

// Forget 清理映射（消息写入失败回滚时使用）
func (c *ClientIndex) Forget(ctx context.Context, chat, sender, clientID string) error {
	return errs.Transient(c.rdb.Del(ctx, c.key(chat, sender, clientID)).Err(), "redis.ClientIndex.Forget")
}
