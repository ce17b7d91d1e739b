package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"PPChat/global/config"
	"PPChat/logger"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Log.Fatal("load config", zap.Error(err))
	}
	log, err := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		logger.Log.Fatal("init logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("build app", zap.Error(err))
	}
	if err := a.run(ctx); err != nil {
		log.Error("app stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("bye")
}
