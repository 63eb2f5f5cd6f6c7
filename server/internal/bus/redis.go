package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "sheetsync:"

// RedisBus 基于 Redis Pub/Sub 的跨进程总线。
// 消息按分区键哈希到固定数量的频道，同一频道在一条连接上按序投递，
// 因此同一文档的消息保持发布顺序。
type RedisBus struct {
	client     *redis.Client
	prefix     string
	partitions int

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	pubsub *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// RedisOptions Redis 总线配置
type RedisOptions struct {
	URL        string
	Prefix     string
	Partitions int
}

// NewRedisBus 连接 Redis 并订阅全部分区频道
func NewRedisBus(ctx context.Context, opts RedisOptions) (*RedisBus, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 16
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:     client,
		prefix:     opts.Prefix,
		partitions: opts.Partitions,
		handlers:   make(map[int]Handler),
		ctx:        runCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	channels := make([]string, opts.Partitions)
	for i := range channels {
		channels[i] = b.channel(i)
	}
	b.pubsub = client.Subscribe(runCtx, channels...)
	// 等待订阅确认，确保之后发布的消息不会丢
	if _, err := b.pubsub.Receive(ctx); err != nil {
		b.pubsub.Close()
		client.Close()
		cancel()
		return nil, fmt.Errorf("subscribe redis channels: %w", err)
	}

	go b.receiveLoop()
	glog.Infof("[Bus] redis bus subscribed to %d partitions (prefix=%s)", opts.Partitions, opts.Prefix)
	return b, nil
}

func (b *RedisBus) channel(partition int) string {
	return b.prefix + "p" + strconv.Itoa(partition)
}

func (b *RedisBus) Publish(ctx context.Context, env *Envelope) error {
	select {
	case <-b.ctx.Done():
		return ErrClosed
	default:
	}

	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ch := b.channel(Partition(env.Key, b.partitions))
	if err := b.client.Publish(ctx, ch, data).Err(); err != nil {
		if isClosedErr(err) {
			return ErrClosed
		}
		return fmt.Errorf("publish to %s: %w", ch, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.ctx.Done():
		return nil, ErrClosed
	default:
	}

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}, nil
}

// receiveLoop 单 goroutine 读取所有分区，保持每个频道内的顺序
func (b *RedisBus) receiveLoop() {
	defer close(b.done)

	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := Decode([]byte(msg.Payload))
			if err != nil {
				glog.Warningf("[Bus] drop undecodable message on %s: %v", msg.Channel, err)
				continue
			}
			b.mu.RLock()
			for _, h := range b.handlers {
				h(env)
			}
			b.mu.RUnlock()
		}
	}
}

// Close 先停止接收再关闭连接；关闭过程中出现的 closed 错误属于预期
func (b *RedisBus) Close() error {
	var closeErr error
	b.once.Do(func() {
		b.cancel()
		if err := b.pubsub.Close(); err != nil && !isClosedErr(err) {
			closeErr = err
		}
		<-b.done
		if err := b.client.Close(); err != nil && !isClosedErr(err) && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}

func isClosedErr(err error) bool {
	return errors.Is(err, redis.ErrClosed) || errors.Is(err, net.ErrClosed)
}
