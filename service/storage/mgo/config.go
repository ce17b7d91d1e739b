package mgo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PPChat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMaxPoolSize = 100
	defaultMaxRetry    = 3
)

// Config represents the MongoDB configuration.
type Config struct {
	URI         string
	Address     []string
	Database    string
	Username    string
	Password    string
	AuthSource  string
	MaxPoolSize int
	MaxRetry    int
}

// ValidateAndSetDefaults validates the configuration and sets default values.
func (c *Config) ValidateAndSetDefaults() error {
	if c.URI == "" && len(c.Address) == 0 {
		return errs.ErrBadRequest.WrapMsg("either mongo uri or address must be provided")
	}
	if c.Database == "" {
		return errs.ErrBadRequest.WrapMsg("mongo database is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultMaxPoolSize
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	return nil
}

// 将 Config 应用到 ClientOptions
func (c *Config) clientOptions() *options.ClientOptions {
	var opts *options.ClientOptions
	if c.URI != "" {
		// 优先使用完整 URI（可含参数 ?authSource=admin 等）
		opts = options.Client().ApplyURI(c.URI)
	} else {
		opts = options.Client().SetHosts(c.Address)
	}
	opts.SetMaxPoolSize(uint64(c.MaxPoolSize))
	opts.SetAppName("ppchat")

	// 单独给了用户名/密码时覆盖 URI 中的认证
	if c.Username != "" {
		opts.SetAuth(options.Credential{
			Username:   c.Username,
			Password:   c.Password,
			AuthSource: c.AuthSource,
		})
	}
	return opts
}

func connect(ctx context.Context, cfg *Config) (*mongo.Client, error) {
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	opts := cfg.clientOptions()
	var (
		cli *mongo.Client
		err error
	)
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err = connectOnce(ctx, opts)
		if err == nil {
			return cli, nil
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Second / 2)
	}
	return nil, fmt.Errorf("connect mongo %s: %w", redact(cfg.URI), err)
}

func connectOnce(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// redact 去掉 URI 中的密码再打日志
func redact(uri string) string {
	at := strings.LastIndex(uri, "@")
	scheme := strings.Index(uri, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return uri
	}
	return uri[:scheme+3] + "***" + uri[at:]
}
