package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
)

// presence key: im:presence:<user>  value: 节点ID，TTL 控制在线有效期
// lastseen key: im:lastseen:<user>  value: unix 毫秒
func presenceKey(user string) string { return "im:presence:" + user }
func lastSeenKey(user string) string { return "im:lastseen:" + user }

// Status 某用户在集群视角下的在线状态
type Status struct {
	Online   bool
	NodeID   string
	LastSeen time.Time
}

// Presence 在线状态镜像，供其他节点/HTTP 查询；本节点以 ConnManager 为准
type Presence struct {
	rdb    redis.UniversalClient
	nodeID string
	ttl    time.Duration
}

func NewPresence(rdb redis.UniversalClient, nodeID string, ttl time.Duration) *Presence {
	return &Presence{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func (p *Presence) MarkOnline(ctx context.Context, user string) error {
	err := p.rdb.Set(ctx, presenceKey(user), p.nodeID, p.ttl).Err()
	return errs.Transient(err, "redis.MarkOnline")
}

// MarkOffline 删除在线键并记录 lastSeen，一次 MULTI 完成
func (p *Presence) MarkOffline(ctx context.Context, user string, lastSeen time.Time) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(user))
		pipe.Set(ctx, lastSeenKey(user), lastSeen.UnixMilli(), 0)
		return nil
	})
	return errs.Transient(err, "redis.MarkOffline")
}

func (p *Presence) Lookup(ctx context.Context, user string) (Status, error) {
	var (
		node *redis.StringCmd
		seen *redis.StringCmd
	)
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		node = pipe.Get(ctx, presenceKey(user))
		seen = pipe.Get(ctx, lastSeenKey(user))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, errs.Transient(err, "redis.Lookup")
	}

	var st Status
	if v, err := node.Result(); err == nil {
		st.Online, st.NodeID = true, v
	}
	if v, err := seen.Result(); err == nil {
		if ms, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			st.LastSeen = time.UnixMilli(ms)
		}
	}
	return st, nil
}
