package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"PPChat/module/model"
	"PPChat/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPushOffline(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	rec := model.OfflinePush{UserID: "B", ChatID: "c1", MessageID: "m1", SenderID: "A", Ts: time.UnixMilli(1_700_000_000_000)}
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got model.OfflinePush
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.UserID != "B" || got.MessageID != "m1" || !got.Ts.Equal(rec.Ts) {
			return errors.New("unexpected record")
		}
		return nil
	})
	p := newOfflinePusher(sp, []string{"im.offline-push"}, zaptest.NewLogger(t))
	require.NoError(t, p.PushOffline(context.Background(), rec))
	require.NoError(t, p.Close())
}

func TestPushOfflineFailureIsTransient(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	p := newOfflinePusher(sp, []string{"t"}, zaptest.NewLogger(t))

	err := p.PushOffline(context.Background(), model.OfflinePush{UserID: "B"})
	assert.Equal(t, errs.CodeTransientStore, errs.Code(err))
	require.NoError(t, p.Close())
}

func TestPushOfflineCanceled(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := newOfflinePusher(sp, []string{"t"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PushOffline(ctx, model.OfflinePush{UserID: "B"}), context.Canceled)
	require.NoError(t, p.Close())
}

func TestTopicsAndRouting(t *testing.T) {
	c := Config{Topic: "push", Shards: 4}
	topics := c.Topics()
	assert.Equal(t, []string{"push-00", "push-01", "push-02", "push-03"}, topics)
	assert.Equal(t, []string{"push"}, Config{Topic: "push"}.Topics())

	// 同一用户稳定命中同一 topic
	first := SelectTopicByUser("user-42", topics)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, SelectTopicByUser("user-42", topics))
	}
	assert.Empty(t, SelectTopicByUser("u", nil))
}

func TestBuildSaramaConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "lz4", mutate: func(c *Config) { c.Compression = "LZ4" }},
		{name: "bad compression", mutate: func(c *Config) { c.Compression = "brotli" }, wantErr: true},
		{name: "bad version", mutate: func(c *Config) { c.Version = "x.y" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			cfg, err := BuildSaramaConfig(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, cfg.Producer.Return.Successes)
			assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
		})
	}
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	existing map[string]int
	created  map[string]*sarama.TopicDetail
	expanded map[string]int32
}

func (f *fakeAdmin) DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error) {
	out := make([]*sarama.TopicMetadata, 0, len(topics))
	for _, t := range topics {
		n, ok := f.existing[t]
		if !ok {
			out = append(out, &sarama.TopicMetadata{Name: t, Err: sarama.ErrUnknownTopicOrPartition})
			continue
		}
		out = append(out, &sarama.TopicMetadata{Name: t, Partitions: make([]*sarama.PartitionMetadata, n)})
	}
	return out, nil
}

func (f *fakeAdmin) CreateTopic(topic string, d *sarama.TopicDetail, _ bool) error {
	f.created[topic] = d
	return nil
}

func (f *fakeAdmin) CreatePartitions(topic string, count int32, _ [][]int32, _ bool) error {
	f.expanded[topic] = count
	return nil
}

func TestEnsureTopics(t *testing.T) {
	admin := &fakeAdmin{
		existing: map[string]int{"push-00": 8, "push-01": 2},
		created:  map[string]*sarama.TopicDetail{},
		expanded: map[string]int32{},
	}
	c := Config{Topic: "push", Shards: 3, Partitions: 8, ReplicationFactor: 3}
	require.NoError(t, EnsureTopics(admin, c, zaptest.NewLogger(t)))

	require.Contains(t, admin.created, "push-02")
	assert.Equal(t, int32(8), admin.created["push-02"].NumPartitions)
	assert.Equal(t, "2", *admin.created["push-02"].ConfigEntries["min.insync.replicas"])
	assert.Equal(t, map[string]int32{"push-01": 8}, admin.expanded)
}
