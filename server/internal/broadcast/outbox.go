package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"sheetsync/server/internal/bus"
	"sheetsync/server/internal/model"
)

// Outbox 广播发件箱：提交钩子在文档锁内把消息入队，投递 worker 串行处理。
// 处理顺序 = 入队顺序，因此同一文档的广播按版本顺序发出。
// 操作与 presence 走两条队列，投递 worker 优先处理操作；presence 洪峰只会挤掉 presence。
// 每条消息先投递给本进程的订阅者，再交给独立的发布 worker 发到总线，
// 总线变慢或挂起不会拖住本地投递。
type Outbox struct {
	nodeID  string
	bus     bus.Bus
	deliver func(env *bus.Envelope)

	ops            chan *queuedEnvelope
	presence       chan *queuedEnvelope
	publish        chan *queuedEnvelope
	publishTimeout time.Duration

	closeMu       sync.RWMutex
	closed        bool
	stop          chan struct{}
	delivered     chan struct{}
	publishedDone chan struct{}

	mu             sync.Mutex
	enqueued       int64
	processed      int64
	published      int64
	dropped        int64
	busFailures    int64
	publishDropped int64
}

type queuedEnvelope struct {
	env       *bus.Envelope
	timestamp time.Time
}

const (
	defaultOutboxCapacity = 1024
	defaultPublishTimeout = 5 * time.Second
	slowDeliveryThreshold = 500 * time.Millisecond
)

// OutboxOptions 发件箱参数；零值使用默认值。Capacity 同时用于每条队列。
type OutboxOptions struct {
	Capacity       int
	PublishTimeout time.Duration
}

// OutboxStats 发件箱统计
type OutboxStats struct {
	Enqueued       int64 `json:"enqueued"`
	Processed      int64 `json:"processed"`
	Published      int64 `json:"published"`
	Dropped        int64 `json:"dropped"`
	BusFailures    int64 `json:"busFailures"`
	PublishDropped int64 `json:"publishDropped"`
	Pending        int   `json:"pending"`
	PublishPending int   `json:"publishPending"`
	Capacity       int   `json:"capacity"`
}

// NewOutbox 创建发件箱并启动 worker。b 为 nil 时只做本地投递（单进程部署）。
func NewOutbox(nodeID string, b bus.Bus, deliver func(env *bus.Envelope), opts OutboxOptions) *Outbox {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultOutboxCapacity
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	o := &Outbox{
		nodeID:         nodeID,
		bus:            b,
		deliver:        deliver,
		ops:            make(chan *queuedEnvelope, opts.Capacity),
		presence:       make(chan *queuedEnvelope, opts.Capacity),
		publishTimeout: opts.PublishTimeout,
		stop:           make(chan struct{}),
		delivered:      make(chan struct{}),
		publishedDone:  make(chan struct{}),
	}
	if b != nil {
		o.publish = make(chan *queuedEnvelope, opts.Capacity)
		go o.publishLoop()
	} else {
		close(o.publishedDone)
	}
	go o.processLoop()
	glog.Infof("[Outbox] started node=%s capacity=%d", nodeID, opts.Capacity)
	return o
}

// Enqueue 非阻塞入队；队列满时丢弃并返回错误（调用方持有文档锁，不能等）。
func (o *Outbox) Enqueue(env *bus.Envelope) error {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return bus.ErrClosed
	}

	env.Origin = o.nodeID
	queue := o.ops
	if env.Kind == bus.KindPresence {
		queue = o.presence
	}
	select {
	case queue <- &queuedEnvelope{env: env, timestamp: time.Now()}:
		o.mu.Lock()
		o.enqueued++
		o.mu.Unlock()
		return nil
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
		glog.Warningf("[Outbox] queue full, dropping %s envelope key=%s", env.Kind, env.Key)
		return model.BusFailure("outbox queue full", nil)
	}
}

// EnqueueCommits 把一批提交转成广播消息入队，可直接作为 ledger.CommitHook 使用
func (o *Outbox) EnqueueCommits(sourceConn string, commits []*model.Commit) {
	for _, c := range commits {
		err := o.Enqueue(&bus.Envelope{
			Kind:       bus.KindOp,
			Key:        c.DocKey(),
			SourceConn: sourceConn,
			Commit:     c,
		})
		if err != nil && !errors.Is(err, bus.ErrClosed) {
			glog.Warningf("[Outbox] broadcast of %s@%d not queued: %v", c.DocKey(), c.Version, err)
		}
	}
}

func (o *Outbox) processLoop() {
	defer func() {
		if o.publish != nil {
			close(o.publish)
		}
		close(o.delivered)
	}()
	for {
		// 操作优先：有积压的操作时先处理完再看 presence
		select {
		case item := <-o.ops:
			o.process(item)
			continue
		default:
		}

		select {
		case <-o.stop:
			o.drain()
			return
		case item := <-o.ops:
			o.process(item)
		case item := <-o.presence:
			o.process(item)
		}
	}
}

// drain 关闭后处理完队列中剩余的消息
func (o *Outbox) drain() {
	for {
		select {
		case item := <-o.ops:
			o.process(item)
		default:
			select {
			case item := <-o.presence:
				o.process(item)
			default:
				return
			}
		}
	}
}

func (o *Outbox) process(item *queuedEnvelope) {
	start := time.Now()
	env := item.env

	if o.deliver != nil {
		o.deliver(env)
	}

	if o.publish != nil {
		select {
		case o.publish <- item:
		default:
			o.mu.Lock()
			o.publishDropped++
			o.mu.Unlock()
			glog.Warningf("[Outbox] publish queue full, %s key=%s delivered locally only", env.Kind, env.Key)
		}
	}

	o.mu.Lock()
	o.processed++
	o.mu.Unlock()

	if elapsed := time.Since(start); elapsed > slowDeliveryThreshold {
		glog.Warningf("[Outbox] slow delivery: key=%s queue_latency=%v processing_time=%v",
			env.Key, start.Sub(item.timestamp), elapsed)
	}
}

// publishLoop 把本地已投递的消息按原顺序发布到总线，投递 worker 退出后处理完剩余的再返回
func (o *Outbox) publishLoop() {
	defer close(o.publishedDone)
	for item := range o.publish {
		env := item.env
		ctx, cancel := context.WithTimeout(context.Background(), o.publishTimeout)
		err := o.bus.Publish(ctx, env)
		cancel()

		o.mu.Lock()
		if err != nil {
			o.busFailures++
		} else {
			o.published++
		}
		o.mu.Unlock()
		if err != nil && !errors.Is(err, bus.ErrClosed) {
			glog.Warningf("[Outbox] publish %s key=%s failed: %v", env.Kind, env.Key, err)
		}
	}
}

// Close 停止接收新消息，在 ctx 期限内先完成本地投递、再发布完积压后返回
func (o *Outbox) Close(ctx context.Context) error {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return nil
	}
	o.closed = true
	o.closeMu.Unlock()

	close(o.stop)
	select {
	case <-o.delivered:
	case <-ctx.Done():
		glog.Warningf("[Outbox] close deadline reached with %d pending", len(o.ops)+len(o.presence))
		return model.Timeout("drain outbox", ctx.Err())
	}
	select {
	case <-o.publishedDone:
	case <-ctx.Done():
		glog.Warningf("[Outbox] close deadline reached with %d unpublished", len(o.publish))
		return model.Timeout("drain outbox publish queue", ctx.Err())
	}

	s := o.Stats()
	glog.Infof("[Outbox] closed: enqueued=%d processed=%d published=%d dropped=%d bus_failures=%d publish_dropped=%d",
		s.Enqueued, s.Processed, s.Published, s.Dropped, s.BusFailures, s.PublishDropped)
	return nil
}

// Stats 获取统计信息
func (o *Outbox) Stats() OutboxStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OutboxStats{
		Enqueued:       o.enqueued,
		Processed:      o.processed,
		Published:      o.published,
		Dropped:        o.dropped,
		BusFailures:    o.busFailures,
		PublishDropped: o.publishDropped,
		Pending:        len(o.ops) + len(o.presence),
		PublishPending: len(o.publish),
		Capacity:       cap(o.ops),
	}
}
