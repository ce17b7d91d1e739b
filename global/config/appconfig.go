package config

import (
	"time"

	"PPChat/service/kafka"
	"PPChat/service/natsx"
)

const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
)

// AppConfig 节点全部配置；文件与 PPCHAT_ 环境变量都映射到这里
type AppConfig struct {
	NodeID   string `mapstructure:"node_id"`
	SnowNode int64  `mapstructure:"snow_node"` // 雪花算法节点号 0..1023

	Log     LogConfig     `mapstructure:"log"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	GRPC    GRPCConfig    `mapstructure:"grpc"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Session SessionConfig `mapstructure:"session"`
	Storage StorageConfig `mapstructure:"storage"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`

	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json / console
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // 为空不校验
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // 为空则不启动健康检查服务
}

type AuthConfig struct {
	Secret string        `mapstructure:"secret"`
	Alg    string        `mapstructure:"alg"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type SessionConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	MaxPerUser   int           `mapstructure:"max_per_user"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type MongoConfig struct {
	URI         string   `mapstructure:"uri"`
	Address     []string `mapstructure:"address"`
	Database    string   `mapstructure:"database"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	AuthSource  string   `mapstructure:"auth_source"`
	MaxPoolSize int      `mapstructure:"max_pool_size"`
	MaxRetry    int      `mapstructure:"max_retry"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	PoolSize       int           `mapstructure:"pool_size"`
	PresenceTTL    time.Duration `mapstructure:"presence_ttl"`
	ClientIndexTTL time.Duration `mapstructure:"client_index_ttl"`
}

type NATSConfig struct {
	natsx.Config    `mapstructure:",squash"`
	natsx.BusConfig `mapstructure:",squash"`

	Enabled bool          `mapstructure:"enabled"`
	IdemTTL time.Duration `mapstructure:"idem_ttl"` // 成员变更去重窗口
}

type KafkaConfig struct {
	kafka.Config `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}
