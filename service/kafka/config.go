// Package kafka 离线推送队列：用户不在线时把新消息通知写入 Kafka，由下游推送服务消费。
package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Version string   `mapstructure:"version"`
	// Shards > 1 时按 "<topic>-%02d" 生成多个 topic，同一 userId 固定落在一个
	Topic             string `mapstructure:"offline_push_topic"`
	Shards            int    `mapstructure:"shards"`
	Partitions        int32  `mapstructure:"partitions"`
	ReplicationFactor int16  `mapstructure:"replication_factor"`
	Retries           int    `mapstructure:"retries"`
	Compression       string `mapstructure:"compression"` // none/snappy/lz4/zstd
	EnsureTopics      bool   `mapstructure:"ensure_topics"`
}

func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"127.0.0.1:9092"},
		Version:           "2.1.0",
		Topic:             "im.offline-push",
		Shards:            1,
		Partitions:        8,
		ReplicationFactor: 1,
		Retries:           5,
		Compression:       "snappy",
		EnsureTopics:      true,
	}
}

// BuildSaramaConfig 同步生产者配置；Key 决定分区
func BuildSaramaConfig(c Config) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	if c.Version != "" {
		v, err := sarama.ParseKafkaVersion(c.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "kafka version %q", c.Version)
		}
		cfg.Version = v
	}
	cfg.ClientID = "ppchat"

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	if cfg.Producer.Retry.Max <= 0 {
		cfg.Producer.Retry.Max = 1
	}
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	case "", "none":
		cfg.Producer.Compression = sarama.CompressionNone
	default:
		return nil, errors.Errorf("unknown compression %q", c.Compression)
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, cfg.Validate()
}
