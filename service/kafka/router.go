package kafka

import (
	"fmt"
	"hash/crc32"
)

// Topics 按配置展开出全部 topic
func (c Config) Topics() []string {
	if c.Shards <= 1 {
		return []string{c.Topic}
	}
	out := make([]string, 0, c.Shards)
	for i := 0; i < c.Shards; i++ {
		out = append(out, fmt.Sprintf("%s-%02d", c.Topic, i))
	}
	return out
}

// SelectTopicByUser 同一 userId 永远命中同一个 topic
func SelectTopicByUser(userID string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(userID))
	return topics[int(h%uint32(len(topics)))]
}
