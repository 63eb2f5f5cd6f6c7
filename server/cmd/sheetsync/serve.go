package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sheetsync/server/internal/api"
	"sheetsync/server/internal/auth"
	"sheetsync/server/internal/bus"
	"sheetsync/server/internal/cache"
	"sheetsync/server/internal/config"
	"sheetsync/server/internal/gateway"
	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/realtime"
	"sheetsync/server/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, socket, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}

	web := api.NewServer(svc, socket, api.Options{AllowedOrigins: cfg.Server.AllowedOrigins})
	srv := web.HTTPServer(cfg.Server.Addr(), cfg.Server.ReadTimeout.D())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("[Main] sheetsync node %s listening on %s", svc.NodeID(), srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Infof("[Main] shutting down (grace %s)", cfg.Server.ShutdownTimeout)
		return web.Shutdown(srv, cfg.Server.ShutdownTimeout.D())
	})

	err = g.Wait()
	glog.Infof("[Main] bye")
	return err
}

// buildService 按配置装配账本、总线、缓存、认证与连接注册表。
// 任一步失败时释放已创建的资源。
func buildService(ctx context.Context, cfg *config.Config) (svc *realtime.Service, socket *gateway.Server, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	store, err := openStore(ctx, cfg.Ledger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, store.Close)

	var b bus.Bus
	switch cfg.Bus.Driver {
	case config.DriverRedis:
		rb, err := bus.NewRedisBus(ctx, bus.RedisOptions{URL: cfg.Bus.RedisURL, Prefix: cfg.Bus.Prefix, Partitions: cfg.Bus.Partitions})
		if err != nil {
			return nil, nil, fmt.Errorf("connect bus: %w", err)
		}
		b = rb
	default:
		b = bus.NewLocalBus()
	}
	closers = append(closers, b.Close)

	var c cache.Cache
	switch cfg.Cache.Driver {
	case config.DriverRedis:
		rc, err := cache.NewRedisCache(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect cache: %w", err)
		}
		c = rc
		closers = append(closers, rc.Close)
	case config.DriverMemory:
		c = cache.NewMemoryCache()
	}

	var validator auth.Validator
	if cfg.Auth.JWTSecret != "" {
		validator = auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		glog.Warningf("[Main] no jwt secret configured, every connection stays anonymous")
	}

	gw := cfg.Gateway
	registry := session.NewRegistry(context.Background(), validator, session.Limits{
		MaxConnections:    gw.MaxConnections,
		MaxPerUser:        gw.MaxPerUser,
		MessagesPerSecond: gw.MessagesPerSecond,
		Burst:             gw.Burst,
		AnonymousWrite:    gw.AnonymousWrite,
	})

	svc, err = realtime.New(realtime.Options{
		NodeID:         cfg.Server.NodeID,
		Ledger:         ledger.New(store, nil),
		Registry:       registry,
		Bus:            b,
		Cache:          c,
		CacheTTL:       cfg.Cache.TTL.D(),
		OutboxCapacity: cfg.Bus.OutboxCapacity,
		PublishTimeout: cfg.Bus.PublishTimeout.D(),
		PresenceTTL:    cfg.Presence.TTL.D(),
		EventBuffer:    cfg.Events.Buffer,
		IdleTimeout:    gw.IdleTimeout.D(),
		SweepInterval:  gw.SweepInterval.D(),
		SlowMessage:    gw.SlowMessage.D(),
	})
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Start(); err != nil {
		return nil, nil, err
	}

	socket = gateway.NewServer(registry, svc.Router(gw.RequireAuth, gw.HandleTimeout.D()), gateway.Config{
		Peer: gateway.PeerConfig{
			ReadTimeout:    gw.ReadTimeout.D(),
			WriteTimeout:   gw.WriteTimeout.D(),
			PingInterval:   gw.PingInterval.D(),
			SendQueue:      gw.SendQueue,
			MaxMessageSize: gw.MaxMessageSize,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	return svc, socket, nil
}

func openStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	if cfg.Driver != config.DriverSQL {
		return ledger.NewInMemoryStore(), nil
	}
	store, err := ledger.OpenSQL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return store, nil
}
