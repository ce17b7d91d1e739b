package kafka

import (
	"context"
	"encoding/json"

	"PPChat/module/model"
	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OfflinePusher 把 model.OfflinePush 以 userId 为 key 写入 Kafka
type OfflinePusher struct {
	producer sarama.SyncProducer
	client   sarama.Client // 由 NewOfflinePusher 创建时持有
	topics   []string
	log      *zap.Logger
}

// NewOfflinePusher 连接集群，按需建 topic
func NewOfflinePusher(c Config, log *zap.Logger) (*OfflinePusher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	scfg, err := BuildSaramaConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, scfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	if c.EnsureTopics {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "kafka admin")
		}
		// admin 与 client 共用连接，这里不关闭 admin
		if err := EnsureTopics(admin, c, log); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka producer")
	}
	p := newOfflinePusher(producer, c.Topics(), log)
	p.client = client
	return p, nil
}

func newOfflinePusher(producer sarama.SyncProducer, topics []string, log *zap.Logger) *OfflinePusher {
	return &OfflinePusher{producer: producer, topics: topics, log: log}
}

func (p *OfflinePusher) PushOffline(ctx context.Context, rec model.OfflinePush) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal offline push")
	}
	topic := SelectTopicByUser(rec.UserID, p.topics)
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(rec.UserID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errs.Transient(err, "kafka.PushOffline")
	}
	p.log.Debug("offline push queued", zap.String("topic", topic), zap.String("user", rec.UserID),
		zap.String("message", rec.MessageID), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *OfflinePusher) Close() error {
	err := p.producer.Close()
	if p.client != nil && !p.client.Closed() {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
