package kafka

import (
	"errors"

	"github.com/Shopify/sarama"
	pkgerrs "github.com/pkg/errors"
	"go.uber.org/zap"
)

// EnsureTopics 不存在就创建；已存在且分区不足时扩分区（Kafka 只能增加分区）
func EnsureTopics(admin sarama.ClusterAdmin, c Config, log *zap.Logger) error {
	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}
	for _, t := range c.Topics() {
		descs, err := admin.DescribeTopics([]string{t})
		if err != nil {
			return pkgerrs.Wrapf(err, "describe topic %s", t)
		}
		exists := len(descs) == 1 && descs[0].Err == sarama.ErrNoError

		if !exists {
			td := &sarama.TopicDetail{
				NumPartitions:     c.Partitions,
				ReplicationFactor: c.ReplicationFactor,
				ConfigEntries: map[string]*string{
					"cleanup.policy":                 strPtr("delete"),
					"min.insync.replicas":            strPtr(minISR),
					"unclean.leader.election.enable": strPtr("false"),
					"compression.type":               strPtr("producer"),
				},
			}
			if err := admin.CreateTopic(t, td, false); err != nil {
				if alreadyExists(err) {
					log.Info("topic exists (race)", zap.String("topic", t))
					continue
				}
				return pkgerrs.Wrapf(err, "create topic %s", t)
			}
			log.Info("topic created", zap.String("topic", t),
				zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
			continue
		}

		cur := int32(len(descs[0].Partitions))
		if c.Partitions > cur {
			if err := admin.CreatePartitions(t, c.Partitions, nil, false); err != nil {
				return pkgerrs.Wrapf(err, "expand partitions %s from %d to %d", t, cur, c.Partitions)
			}
			log.Info("topic partitions expanded", zap.String("topic", t), zap.Int32("from", cur), zap.Int32("to", c.Partitions))
		}
	}
	return nil
}

func alreadyExists(err error) bool {
	var te *sarama.TopicError
	if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
		return true
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

func strPtr(s string) *string { return &s }
