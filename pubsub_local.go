// An in-process PubSub. Useful in tests and in single-process deployments
// that still want the replication path exercised.
package wavesock

import (
	"context"
	"sync"
)

// LocalPubSub delivers every published message synchronously to all
// matching subscriptions in the same process.
type LocalPubSub struct {
	mu     sync.RWMutex
	closed bool
	topics map[string]*SimpleSubject[*PubSubMessage]
}

func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{topics: make(map[string]*SimpleSubject[*PubSubMessage])}
}

func (l *LocalPubSub) Broadcast(ctx context.Context, msg *PubSubMessage) error {
	if !msg.Valid() {
		return protocolError("invalid pubsub message")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return endpointError(StatusServiceUnavailable, "pubsub is closed")
	}
	subject := l.topics[Topic("", msg.Endpoint, msg.ChannelName)]
	l.mu.RUnlock()

	if subject != nil {
		subject.Publish(msg)
	}
	return nil
}

func (l *LocalPubSub) Subscribe(endpointName, channelName string, handler func(*PubSubMessage)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, endpointError(StatusServiceUnavailable, "pubsub is closed")
	}
	topic := Topic("", endpointName, channelName)
	subject, ok := l.topics[topic]
	if !ok {
		subject = NewSimpleSubject[*PubSubMessage]()
		l.topics[topic] = subject
	}
	return subject.Subscribe(handler), nil
}

func (l *LocalPubSub) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.topics = make(map[string]*SimpleSubject[*PubSubMessage])
	return nil
}
