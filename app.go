package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"PPChat/global/config"
	mid "PPChat/middleware"
	msec "PPChat/middleware/security"
	"PPChat/module/message"
	"PPChat/module/presence"
	"PPChat/module/signal"
	"PPChat/service/chat"
	"PPChat/service/kafka"
	"PPChat/service/natsx"
	"PPChat/service/storage"
	"PPChat/service/storage/mgo"
	"PPChat/service/storage/pg"
	predis "PPChat/service/storage/redis"
	"PPChat/tools/ids"
	tsec "PPChat/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "ppchat.Gateway"

// app 一个网关节点的全部组件；closers 逆序关闭
type app struct {
	cfg config.AppConfig
	log *zap.Logger

	store   storage.Store
	hub     *chat.Hub
	reaper  *chat.Reaper
	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
	bus     *natsx.Bus
	idem    *natsx.MemIdem

	closers []func() error
}

func newApp(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	ids.SetNodeID(cfg.SnowNode)
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() error { return a.store.Close(context.Background()) })
	log.Info("storage ready", zap.String("driver", cfg.Storage.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	// 会话相关的持久化不随停机信号取消
	a.hub = chat.NewHub(context.WithoutCancel(ctx), a.store, chat.ManagerConf{MaxPerUser: cfg.Session.MaxPerUser}, chat.NewMetrics(reg), log)

	presenceOpts := []presence.Option{presence.WithNodeID(cfg.NodeID)}
	relayOpts := []message.RelayOption{message.WithMetrics(a.hub.Metrics())}

	if cfg.Redis.Enabled {
		rdb, err := predis.NewClient(ctx, predis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		presenceOpts = append(presenceOpts, presence.WithMirror(predis.NewPresence(rdb, cfg.NodeID, cfg.Redis.PresenceTTL)))
		relayOpts = append(relayOpts, message.WithClientIndex(predis.NewClientIndex(rdb, predis.WithIndexTTL(cfg.Redis.ClientIndexTTL))))
		log.Info("redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.NATS.Enabled {
		nc, err := natsx.Connect(cfg.NATS.Config, log.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		a.idem = natsx.NewMemIdem(cfg.NATS.IdemTTL)
		if a.bus, err = natsx.NewBus(nc, cfg.NATS.BusConfig, log.Named("bus"), natsx.Idempotent(a.idem, cfg.NATS.IdemTTL)); err != nil {
			return nil, err
		}
		presenceOpts = append(presenceOpts, presence.WithPublisher(a.bus))
		log.Info("nats ready", zap.Strings("servers", cfg.NATS.Servers))
	}

	if cfg.Kafka.Enabled {
		pusher, err := kafka.NewOfflinePusher(cfg.Kafka.Config, log.Named("kafka"))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pusher.Close)
		relayOpts = append(relayOpts, message.WithOfflinePusher(pusher))
		log.Info("kafka ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.Strings("topics", cfg.Kafka.Topics()))
	}

	// 业务组件
	disp := a.hub.Dispatcher()
	broadcaster := presence.NewBroadcaster(a.hub, a.store, log.Named("presence"), presenceOpts...)
	typing := signal.NewTyping(a.hub, log.Named("typing"))
	calls := signal.NewCalls(a.hub, a.store, log.Named("calls"))
	typing.Register(disp)
	calls.Register(disp)
	message.NewRelay(a.store, a.hub, log.Named("relay"), relayOpts...).Register(disp)
	message.NewDelivery(a.store, a.hub, log.Named("delivery")).Register(disp)
	message.NewMutations(a.store, a.hub, log.Named("mutate")).Register(disp)
	a.hub.AddHooks(broadcaster, typing, calls)

	a.reaper = chat.NewReaper(a.hub, cfg.Session.ReapInterval, log.Named("reaper"))

	// HTTP: /ws /healthz /metrics /presence/:user
	auth, err := tsec.NewJWTAuthenticator(tsec.Options{
		Secret: []byte(cfg.Auth.Secret),
		Alg:    cfg.Auth.Alg,
		TTL:    cfg.Auth.TTL,
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		return nil, err
	}
	origins := mid.NewOriginChecker(cfg.HTTP.AllowedOrigins)
	ws := chat.NewWSServer(a.hub, chat.WSConf{
		QueueSize:    cfg.Session.QueueSize,
		ReadLimit:    cfg.Session.ReadLimit,
		PingInterval: cfg.Session.PingInterval,
		PongWait:     cfg.Session.PongWait,
		WriteWait:    cfg.Session.WriteWait,
		CheckOrigin:  origins.Check,
	}, log.Named("ws"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(mid.Recovery(log), mid.AccessLog(log.Named("http")))
	a.hub.RegisterRoutes(r, chat.Routes{
		WS:       ws,
		Auth:     msec.Middleware(auth, msec.DefaultOptions()),
		Origin:   mid.Origin(origins),
		Gatherer: reg,
		Presence: broadcaster.HandleStatus,
	})
	a.httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	if cfg.GRPC.Addr != "" {
		a.grpcSrv = grpc.NewServer()
		a.health = health.NewServer()
		healthpb.RegisterHealthServer(a.grpcSrv, a.health)
	}
	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg config.AppConfig) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMongo:
		m := cfg.Storage.Mongo
		return mgo.Open(ctx, mgo.Config{
			URI:         m.URI,
			Address:     m.Address,
			Database:    m.Database,
			Username:    m.Username,
			Password:    m.Password,
			AuthSource:  m.AuthSource,
			MaxPoolSize: m.MaxPoolSize,
			MaxRetry:    m.MaxRetry,
		}, cfg.SnowNode)
	case config.DriverPostgres:
		return pg.Open(ctx, pg.Config{DSN: cfg.Storage.Postgres.DSN, MaxConns: cfg.Storage.Postgres.MaxConns}, cfg.SnowNode)
	case config.DriverMemory:
		return storage.NewMemory(), nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// run 阻塞到 ctx 结束或任一服务出错，然后按序停机
func (a *app) run(ctx context.Context) error {
	defer a.close()

	var lis net.Listener
	if a.grpcSrv != nil {
		var err error
		if lis, err = net.Listen("tcp", a.cfg.GRPC.Addr); err != nil {
			return errors.Wrap(err, "grpc listen")
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	if a.bus != nil {
		if err := a.bus.SubscribeMembership(gctx, a.hub); err != nil {
			if lis != nil {
				_ = lis.Close()
			}
			return err
		}
		g.Go(func() error { return a.idem.Run(gctx, time.Minute) })
	}
	g.Go(func() error { return a.reaper.Run(gctx) })

	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", a.cfg.HTTP.Addr))
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http serve")
		}
		return nil
	})
	if a.grpcSrv != nil {
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			a.log.Info("grpc health listening", zap.String("addr", a.cfg.GRPC.Addr))
			return errors.Wrap(a.grpcSrv.Serve(lis), "grpc serve")
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// shutdown 先摘流量，再断开会话（触发离线广播），最后停 HTTP/gRPC
func (a *app) shutdown() {
	a.log.Info("shutting down", zap.Duration("grace", a.cfg.ShutdownGracePeriod))
	if a.health != nil {
		a.health.Shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", zap.Error(err))
	}
	n := a.hub.CloseAll(ctx)
	a.log.Info("sessions closed", zap.Int("count", n))
	if a.grpcSrv != nil {
		a.grpcSrv.GracefulStop()
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}
