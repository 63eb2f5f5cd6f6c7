// Package realtime 把账本、广播、presence 与降级事件通道装配成一个服务，
// 并提供 WebSocket 协议各动作的处理器。
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"sheetsync/server/internal/broadcast"
	"sheetsync/server/internal/bus"
	"sheetsync/server/internal/cache"
	"sheetsync/server/internal/events"
	"sheetsync/server/internal/gateway"
	"sheetsync/server/internal/ledger"
	"sheetsync/server/internal/metrics"
	"sheetsync/server/internal/model"
	"sheetsync/server/internal/presence"
	"sheetsync/server/internal/session"
)

// Options 服务依赖与参数。Ledger 与 Registry 必填，其余可为空。
type Options struct {
	NodeID   string
	Ledger   *ledger.Ledger
	Registry *session.Registry
	Bus      bus.Bus     // 为空时只在本进程内广播
	Cache    cache.Cache // 为空时不缓存快照
	CacheTTL time.Duration

	OutboxCapacity int
	PublishTimeout time.Duration
	PresenceTTL    time.Duration
	EventBuffer    int

	IdleTimeout   time.Duration // 0 表示不清理空闲连接
	SweepInterval time.Duration

	SlowMessage time.Duration // 超过该时长的消息记警告日志
}

// wiring 可热替换的组件，读多写少
type wiring struct {
	cache  cache.Cache
	events *events.Hub
}

// Service 实时同步服务
type Service struct {
	nodeID   string
	ledger   *ledger.Ledger
	registry *session.Registry
	bus      bus.Bus
	fanout   *broadcast.Fanout
	outbox   *broadcast.Outbox
	presence *presence.Manager
	counters *metrics.Counters
	slow     time.Duration

	wiringMu sync.RWMutex
	wiring   wiring

	cacheTTL      time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	busCancel    func()
	ctx          context.Context
	cancel       context.CancelFunc
	bg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
	startedAt    time.Time
}

func New(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Registry == nil {
		return nil, errors.New("realtime: ledger and registry are required")
	}
	if opts.NodeID == "" {
		opts.NodeID = ulid.Make().String()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		nodeID:        opts.NodeID,
		ledger:        opts.Ledger,
		registry:      opts.Registry,
		bus:           opts.Bus,
		fanout:        broadcast.NewFanout(),
		counters:      metrics.NewCounters(),
		slow:          opts.SlowMessage,
		cacheTTL:      opts.CacheTTL,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
		startedAt:     time.Now(),
		wiring: wiring{
			cache:  opts.Cache,
			events: events.NewHub(opts.EventBuffer),
		},
	}

	s.outbox = broadcast.NewOutbox(s.nodeID, opts.Bus, func(env *bus.Envelope) {
		s.deliver(env, false)
	}, broadcast.OutboxOptions{Capacity: opts.OutboxCapacity, PublishTimeout: opts.PublishTimeout})

	s.presence = presence.NewManager(presence.Options{
		TTL: opts.PresenceTTL,
		Publisher: func(u *model.PresenceUpdate) {
			err := s.outbox.Enqueue(&bus.Envelope{Kind: bus.KindPresence, Key: u.Channel, SourceConn: u.ConnID, Presence: u})
			if err != nil && !errors.Is(err, bus.ErrClosed) {
				glog.Warningf("[Realtime] presence %s on %s not broadcast: %v", u.ConnID, u.Channel, err)
			}
		},
		Live: func(connID string) bool {
			_, ok := s.registry.Get(connID)
			return ok
		},
	})

	s.registry.OnRelease(func(conn *session.Connection) {
		s.fanout.RemoveSink(conn.ID())
		s.presence.RemoveConnection(conn.ID())
	})
	return s, nil
}

// NodeID 进程标识，用于过滤总线上自己发出的消息
func (s *Service) NodeID() string { return s.nodeID }

// Registry 连接注册表
func (s *Service) Registry() *session.Registry { return s.registry }

// Start 订阅总线并启动后台清理；重复调用无副作用
func (s *Service) Start() error {
	var err error
	s.startOnce.Do(func() {
		if s.bus != nil {
			cancel, subErr := s.bus.Subscribe(s.onBusEnvelope)
			if subErr != nil {
				err = model.BusFailure("subscribe to bus", subErr)
				return
			}
			s.busCancel = cancel
		}

		s.bg.Add(1)
		go s.sweepLoop()
		glog.Infof("[Realtime] service started node=%s bus=%v", s.nodeID, s.bus != nil)
	})
	return err
}

func (s *Service) sweepLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.idleTimeout > 0 {
				s.registry.SweepIdle(s.idleTimeout)
			}
			s.presence.Sweep()
		}
	}
}

// onBusEnvelope 处理其他进程发布的消息；自己发出的已在本地投递过
func (s *Service) onBusEnvelope(env *bus.Envelope) {
	if env == nil || env.Origin == s.nodeID {
		return
	}
	s.deliver(env, true)
}

// deliver 把一条消息交给本进程的订阅者
func (s *Service) deliver(env *bus.Envelope, remote bool) {
	switch env.Kind {
	case bus.KindOp:
		if env.Commit == nil {
			return
		}
		if remote {
			// 本进程的读缓存可能持有旧快照
			s.invalidate(context.Background(), []string{
				cache.SnapshotKey(env.Commit.Collection, env.Commit.ID),
				cache.QueryKey(env.Commit.Collection),
			})
		}
		s.fanout.Deliver(env.Commit, env.SourceConn)
		if evt := events.FromCommit(env.Commit); evt != nil {
			s.eventHub().Publish(evt)
		}
	case bus.KindPresence:
		// 本地 presence 在 Submit 时已生效
		if remote {
			s.presence.Apply(env.Presence)
		}
	case bus.KindEvent:
		if env.Event != nil {
			s.eventHub().Publish(env.Event)
		}
	default:
		glog.Warningf("[Realtime] unknown envelope kind %q from %s", env.Kind, env.Origin)
	}
}

// PublishEvent 发布一个不由提交产生的业务事件（本进程与其他进程）
func (s *Service) PublishEvent(evt *model.BusinessEvent) error {
	if evt == nil {
		return nil
	}
	return s.outbox.Enqueue(&bus.Envelope{Kind: bus.KindEvent, Key: evt.Topic(), Event: evt})
}

func (s *Service) eventHub() *events.Hub {
	s.wiringMu.RLock()
	defer s.wiringMu.RUnlock()
	return s.wiring.events
}

func (s *Service) readCache() cache.Cache {
	s.wiringMu.RLock()
	defer s.wiringMu.RUnlock()
	return s.wiring.cache
}

// ConnectEvents 在当前事件中心上注册一个降级通道订阅者；服务关闭后返回 nil
func (s *Service) ConnectEvents() *events.Subscriber {
	return s.eventHub().Connect()
}

// SwapEventHub 替换事件中心。旧中心的订阅者被关闭，客户端需要重连。
func (s *Service) SwapEventHub(h *events.Hub) {
	s.wiringMu.Lock()
	old := s.wiring.events
	s.wiring.events = h
	s.wiringMu.Unlock()

	if old != nil && old != h {
		old.Close()
	}
	glog.Infof("[Realtime] event hub swapped")
}

// SwapCache 替换读缓存，返回旧缓存由调用方关闭
func (s *Service) SwapCache(c cache.Cache) cache.Cache {
	s.wiringMu.Lock()
	defer s.wiringMu.Unlock()
	old := s.wiring.cache
	s.wiring.cache = c
	return old
}

// Router 构造带标准中间件链的路由并注册全部动作处理器
func (s *Service) Router(requireAuth bool, handleTimeout time.Duration) *gateway.Router {
	r := gateway.NewRouter(handleTimeout)
	r.Use(
		gateway.Metrics(metrics.Multi{s.counters, metrics.LogRecorder{SlowThreshold: s.slow}}),
		gateway.RateLimit(),
		gateway.Validate(),
		gateway.Authorize(requireAuth),
		gateway.ValidateOperations(),
	)
	r.Handle(model.ActionHandshake, s.handleHandshake)
	r.Handle(model.ActionSubscribe, s.handleSubscribe)
	r.Handle(model.ActionUnsubscribe, s.handleUnsubscribe)
	r.Handle(model.ActionFetch, s.handleFetch)
	r.Handle(model.ActionQuery, s.handleQuery)
	r.Handle(model.ActionSubmit, s.handleSubmit)
	r.Handle(model.ActionPresence, s.handlePresence)
	r.Handle(model.ActionPing, s.handlePing)
	r.Handle(model.ActionPong, s.handlePong)
	return r
}

// CloseClients 关闭全部 WebSocket 连接与降级事件流，发件箱与存储保持可用。
// 挂在 http.Server.RegisterOnShutdown 上，长连接处理器因此能在 HTTP 关闭期限内返回。
func (s *Service) CloseClients() {
	n := s.registry.CloseAll("server shutting down")
	s.eventHub().Close()
	glog.Infof("[Realtime] released %d connections and the event stream", n)
}

// Shutdown 按“先生产者后消费者”的顺序关闭：
// 连接 -> 发件箱排空 -> 总线 -> 事件订阅者 -> 存储与缓存。
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		glog.Infof("[Realtime] shutting down node=%s", s.nodeID)
		var errs []error

		s.cancel()
		n := s.registry.CloseAll("server shutting down")
		if err := s.registry.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
		glog.Infof("[Realtime] closed %d connections", n)

		if err := s.outbox.Close(ctx); err != nil {
			errs = append(errs, err)
		}

		if s.busCancel != nil {
			s.busCancel()
		}
		if s.bus != nil {
			if err := s.bus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
				errs = append(errs, err)
			}
		}

		s.eventHub().Close()
		s.bg.Wait()

		var g errgroup.Group
		g.Go(s.ledger.Close)
		if c := s.readCache(); c != nil {
			g.Go(c.Close)
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		s.shutdownErr = errors.Join(errs...)
		if s.shutdownErr != nil {
			glog.Warningf("[Realtime] shutdown finished with errors: %v", s.shutdownErr)
		} else {
			glog.Infof("[Realtime] shutdown complete")
		}
	})
	return s.shutdownErr
}
