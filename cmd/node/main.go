package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"meshlb/config"
	"meshlb/internal/consumer"
	"meshlb/internal/dispatcher"
	"meshlb/pkg/idgen"
	"meshlb/pkg/registry"
	"meshlb/pkg/rpc"
	"meshlb/pkg/store"
	"meshlb/pkg/workload"
	"meshlb/pkg/workload/docker"
	"meshlb/pkg/workload/noop"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("meshlb: load config: %v", err)
	}

	logger, err := newLogger(cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("meshlb: build logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Node.ID == "" {
		cfg.Node.ID = idgen.NodeID()
	}
	logger.Info("starting node", zap.String("node_id", cfg.Node.ID), zap.String("pool", cfg.Pool.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ds, err := buildDatastore(cfg)
	if err != nil {
		logger.Fatal("build datastore", zap.Error(err))
	}

	node, err := rpc.New(ctx, ds, cfg.Node.ID, cfg.Pool.ID, logger)
	if err != nil {
		logger.Fatal("start rpc node", zap.Error(err))
	}

	factory, err := buildWorkloadFactory(cfg)
	if err != nil {
		logger.Fatal("build workload factory", zap.Error(err))
	}

	sched := consumer.New(factory, consumer.Options{
		Concurrency:              cfg.Consumer.Concurrency,
		ReservationHoldTime:      cfg.Consumer.ReservationHoldTime,
		AutoDestroyCheckInterval: cfg.Consumer.AutoDestroyCheckInterval,
		Limits: workload.Limits{
			DefaultSeatCount: cfg.Consumer.DefaultSeatCount,
			MinSeatCount:     cfg.Consumer.MinSeatCount,
			MaxSeatCount:     cfg.Consumer.MaxSeatCount,
		},
		RoomFullAutoEmit:  cfg.Consumer.RoomFullAutoEmit,
		AutoDestroyOnIdle: cfg.Consumer.AutoDestroyOnIdle,
		AutoCreate:        cfg.Consumer.AutoCreate,
	}, logger)

	reg := registry.New(ds, cfg.Pool.ID, cfg.Node.ID, cfg.Pool.ReportInterval, sched.Load, logger)
	dispatcher.WireLoadReporting(sched, reg)

	d := dispatcher.New(cfg.Node.ID, sched, node, reg, cfg.RPC.Timeout, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down node", zap.String("node_id", cfg.Node.ID))
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func buildDatastore(cfg *config.Config) (store.Datastore, error) {
	switch cfg.Datastore.Driver {
	case "etcd":
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Datastore.Endpoints,
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("meshlb: dial etcd: %w", err)
		}
		return store.NewEtcdDatastore(cli), nil
	case "mem", "":
		return store.NewMemDatastore(), nil
	default:
		return nil, fmt.Errorf("meshlb: unknown datastore driver %q", cfg.Datastore.Driver)
	}
}

func buildWorkloadFactory(cfg *config.Config) (workload.Factory, error) {
	switch cfg.Workload.Driver {
	case "docker":
		f, err := docker.NewFactory(cfg.Workload.Image)
		if err != nil {
			return nil, err
		}
		return f.Build, nil
	case "noop", "":
		return noop.Factory, nil
	default:
		return nil, fmt.Errorf("meshlb: unknown workload driver %q", cfg.Workload.Driver)
	}
}
