// Package distributed provides a Redis-backed PubSub so independently
// scaled gateway processes, each holding a disjoint subset of the
// connections for the same logical channel name, still deliver broadcasts
// to all of them.
package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wavesock/wavesock"
)

// Config configures the Redis backend.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix keys the topic space; topics are {prefix}:{endpoint}:{channel}.
	Prefix string

	Logger zerolog.Logger
}

// RedisBackend implements wavesock.PubSub on Redis pattern subscriptions.
// It holds two connections, since a Redis client cannot publish on a
// connection that is blocked listening for subscription traffic.
type RedisBackend struct {
	prefix string
	pub    *redis.Client
	sub    *redis.Client
	psub   *redis.PubSub
	logger zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	nextID   int
	handlers map[string]map[int]func(*wavesock.PubSubMessage)

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisBackend connects both clients, subscribes to the wildcard topic
// pattern, and starts the listener loop.
func NewRedisBackend(cfg Config) (*RedisBackend, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "wavesock"
	}
	opts := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBackend{
		prefix:   cfg.Prefix,
		pub:      redis.NewClient(opts),
		sub:      redis.NewClient(opts),
		logger:   cfg.Logger.With().Str("component", "redis-pubsub").Logger(),
		handlers: make(map[string]map[int]func(*wavesock.PubSubMessage)),
		ctx:      ctx,
		cancel:   cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := b.pub.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, err
	}
	if err := b.sub.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, err
	}

	b.psub = b.sub.PSubscribe(ctx, wavesock.TopicPattern(cfg.Prefix))
	if _, err := b.psub.Receive(pingCtx); err != nil {
		cancel()
		return nil, err
	}
	go b.listen()
	return b, nil
}

// Broadcast publishes the message on its endpoint and channel topic.
func (b *RedisBackend) Broadcast(ctx context.Context, msg *wavesock.PubSubMessage) error {
	if !msg.Valid() {
		return errInvalidMessage
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	topic := wavesock.Topic(b.prefix, msg.Endpoint, msg.ChannelName)
	return b.pub.Publish(ctx, topic, data).Err()
}

// Subscribe registers a local handler for one endpoint and channel. The
// returned function removes it.
func (b *RedisBackend) Subscribe(endpointName, channelName string, handler func(*wavesock.PubSubMessage)) (func(), error) {
	topic := wavesock.Topic(b.prefix, endpointName, channelName)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}
	id := b.nextID
	b.nextID++
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]func(*wavesock.PubSubMessage))
	}
	b.handlers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if hs, ok := b.handlers[topic]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(b.handlers, topic)
			}
		}
	}, nil
}

// Close stops the listener and closes both connections.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = make(map[string]map[int]func(*wavesock.PubSubMessage))
	b.mu.Unlock()

	b.cancel()
	psubErr := b.psub.Close()
	subErr := b.sub.Close()
	pubErr := b.pub.Close()
	if psubErr != nil {
		return psubErr
	}
	if subErr != nil {
		return subErr
	}
	return pubErr
}

// listen drains the pattern subscription until Close. Anything that fails
// to parse or validate is dropped; the loop never crashes on bad input.
func (b *RedisBackend) listen() {
	ch := b.psub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(raw.Channel, []byte(raw.Payload))
		}
	}
}

func (b *RedisBackend) dispatch(topic string, payload []byte) {
	var msg wavesock.PubSubMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Debug().Err(err).Str("topic", topic).Msg("dropping unparseable message")
		return
	}
	if !msg.Valid() {
		b.logger.Debug().Str("topic", topic).Msg("dropping invalid message")
		return
	}
	// Deliver only on an exact endpoint+channel match, never on the raw
	// pattern topic.
	expected := wavesock.Topic(b.prefix, msg.Endpoint, msg.ChannelName)
	if topic != expected {
		return
	}

	b.mu.RLock()
	hs := b.handlers[expected]
	handlers := make([]func(*wavesock.PubSubMessage), 0, len(hs))
	for _, h := range hs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(&msg)
	}
}

type backendError string

func (e backendError) Error() string { return string(e) }

const (
	errInvalidMessage = backendError("pubsub message is missing its type or name fields")
	errClosed         = backendError("redis backend is closed")
)
