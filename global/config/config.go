// Package config 节点配置：默认值 < YAML 文件 < PPCHAT_ 环境变量
package config

import (
	"strings"
	"time"

	"PPChat/service/kafka"
	"PPChat/tools/errs"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "PPCHAT"

// 默认值按 key 登记，环境变量只有在 key 已知时才会被 Unmarshal 读到
func setDefaults(v *viper.Viper) {
	kd := kafka.DefaultConfig()
	defaults := map[string]any{
		"node_id":               "node-1",
		"snow_node":             1,
		"shutdown_grace_period": "10s",

		"log.level":    "info",
		"log.encoding": "json",

		"http.addr":            ":8080",
		"http.allowed_origins": []string{},
		"grpc.addr":            ":50051",

		"auth.secret": "",
		"auth.alg":    "HS256",
		"auth.issuer": "",
		"auth.ttl":    "2h",

		"session.queue_size":    256,
		"session.max_per_user":  0,
		"session.read_limit":    64 << 10,
		"session.ping_interval": "54s",
		"session.pong_wait":     "60s",
		"session.write_wait":    "10s",
		"session.reap_interval": "30s",

		"storage.driver":              DriverMemory,
		"storage.mongo.uri":           "",
		"storage.mongo.address":       []string{},
		"storage.mongo.database":      "ppchat",
		"storage.mongo.username":      "",
		"storage.mongo.password":      "",
		"storage.mongo.auth_source":   "",
		"storage.mongo.max_pool_size": 100,
		"storage.mongo.max_retry":     3,
		"storage.postgres.dsn":        "",
		"storage.postgres.max_conns":  0,

		"redis.enabled":          false,
		"redis.addr":             "127.0.0.1:6379",
		"redis.password":         "",
		"redis.db":               0,
		"redis.pool_size":        0,
		"redis.presence_ttl":     "2m",
		"redis.client_index_ttl": "48h",

		"nats.enabled":            false,
		"nats.servers":            []string{"nats://127.0.0.1:4222"},
		"nats.name":               "ppchat",
		"nats.user":               "",
		"nats.password":           "",
		"nats.reconnect_wait":     "500ms",
		"nats.timeout":            "3s",
		"nats.presence_subject":   "im.presence",
		"nats.membership_subject": "im.membership",
		"nats.membership_queue":   "",
		"nats.idem_ttl":           "5m",

		"kafka.enabled":            false,
		"kafka.brokers":            kd.Brokers,
		"kafka.version":            kd.Version,
		"kafka.offline_push_topic": kd.Topic,
		"kafka.shards":             kd.Shards,
		"kafka.partitions":         kd.Partitions,
		"kafka.replication_factor": kd.ReplicationFactor,
		"kafka.retries":            kd.Retries,
		"kafka.compression":        kd.Compression,
		"kafka.ensure_topics":      kd.EnsureTopics,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load path 为空时只读默认值和环境变量。
// 嵌套 key 的环境变量把 "." 换成 "_"，如 PPCHAT_STORAGE_DRIVER。
func Load(path string) (AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, errs.ErrBadRequest.WrapMsg("read config", "path", path, "cause", err)
		}
	}

	var cfg AppConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return AppConfig{}, errs.ErrBadRequest.WrapMsg("decode config", "cause", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate 只做启动期能发现的错误
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverMongo:
		if c.Storage.Mongo.URI == "" && len(c.Storage.Mongo.Address) == 0 {
			return errs.ErrBadRequest.WrapMsg("storage.mongo.uri or storage.mongo.address required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return errs.ErrBadRequest.WrapMsg("storage.postgres.dsn required")
		}
	default:
		return errs.ErrBadRequest.WrapMsg("unknown storage driver", "driver", c.Storage.Driver)
	}
	if c.Auth.Secret == "" {
		return errs.ErrBadRequest.WrapMsg("auth.secret required")
	}
	if c.SnowNode < 0 || c.SnowNode > 1023 {
		return errs.ErrBadRequest.WrapMsg("snow_node out of range", "snow_node", c.SnowNode)
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 10 * time.Second
	}
	return nil
}
