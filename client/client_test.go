package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavesock/wavesock"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func startTestServer(t *testing.T) (*wavesock.Lobby, string) {
	t.Helper()
	manager := wavesock.NewManager(nil)
	endpoint := manager.CreateEndpoint("/api", nil)
	lobby := endpoint.CreateChannel("/chat/:id", nil)

	server := httptest.NewServer(manager)
	t.Cleanup(func() {
		_ = manager.Close()
		server.Close()
	})
	return lobby, "ws" + strings.TrimPrefix(server.URL, "http") + "/api"
}

func TestClientConnectAndJoin(t *testing.T) {
	lobby, url := startTestServer(t)

	c := New(Config{URL: url})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	ch := c.Channel("/chat/1")
	require.NoError(t, ch.Join(nil))

	require.Eventually(t, func() bool {
		return ch.State() == Joined
	}, 2*time.Second, 10*time.Millisecond)

	channel, err := lobby.GetChannel("/chat/1")
	require.NoError(t, err)
	assert.Equal(t, 1, channel.Len())
	assert.NotEmpty(t, c.ConnectionID())
}

func TestClientFlushesQueueAfterJoinFrame(t *testing.T) {
	lobby, url := startTestServer(t)

	log := &eventLog{}
	lobby.OnEvent("*", func(ctx *wavesock.EventContext) error {
		log.add(ctx.Event())
		return ctx.Reply("ok", nil)
	})

	c := New(Config{URL: url})
	t.Cleanup(func() { _ = c.Close() })

	// Queue the join and two broadcasts before the socket exists.
	ch := c.Channel("/chat/1")
	require.NoError(t, ch.Join(nil))
	require.NoError(t, ch.Broadcast("first", map[string]interface{}{"n": 1}))
	require.NoError(t, ch.Broadcast("second", map[string]interface{}{"n": 2}))

	require.NoError(t, c.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, log.snapshot(), "queued frames flush in their original order after the join")
	assert.Empty(t, ch.queue)
}

func TestClientRejoinsAndFlushesAfterReconnect(t *testing.T) {
	manager := wavesock.NewManager(nil)
	endpoint := manager.CreateEndpoint("/api", nil)
	joins := &eventLog{}
	lobby := endpoint.CreateChannel("/chat/:id", func(ctx *wavesock.JoinContext) error {
		joins.add("join")
		return ctx.Accept()
	})
	log := &eventLog{}
	lobby.OnEvent("*", func(ctx *wavesock.EventContext) error {
		log.add(ctx.Event())
		return ctx.Reply("ok", nil)
	})
	server := httptest.NewServer(manager)
	t.Cleanup(func() {
		_ = manager.Close()
		server.Close()
	})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api"

	c := New(Config{URL: url, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 200 * time.Millisecond})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	ch := c.Channel("/chat/1")
	require.NoError(t, ch.Join(nil))
	require.Eventually(t, func() bool {
		return ch.State() == Joined
	}, 2*time.Second, 10*time.Millisecond)

	// Drop the socket from the server side; the channel stalls until the
	// client redials on its own.
	for _, id := range endpoint.ListConnections() {
		require.NoError(t, endpoint.CloseConnection(id))
	}
	require.Eventually(t, func() bool {
		return ch.State() == Stalled
	}, 2*time.Second, 5*time.Millisecond)

	// Buffered while disconnected; they must follow the rejoin frame.
	require.NoError(t, ch.Broadcast("first", map[string]interface{}{"n": 1}))
	require.NoError(t, ch.Broadcast("second", map[string]interface{}{"n": 2}))

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, log.snapshot(), "buffered frames flush in order after the rejoin frame")
	assert.Equal(t, []string{"join", "join"}, joins.snapshot(), "the channel rejoined after the reconnect")
	require.Eventually(t, func() bool {
		return c.IsOpen() && ch.State() == Joined
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, ch.queue)
}

func TestClientJoinFlushesFramesQueuedWhileIdle(t *testing.T) {
	lobby, url := startTestServer(t)
	log := &eventLog{}
	lobby.OnEvent("*", func(ctx *wavesock.EventContext) error {
		log.add(ctx.Event())
		return ctx.Reply("ok", nil)
	})

	c := New(Config{URL: url})
	t.Cleanup(func() { _ = c.Close() })

	// Buffered on an idle channel before any socket exists.
	ch := c.Channel("/chat/1")
	require.NoError(t, ch.Broadcast("early", map[string]interface{}{"n": 1}))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, ch.Join(nil))

	require.Eventually(t, func() bool {
		return len(log.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"early"}, log.snapshot())
	assert.Empty(t, ch.queue)
}

func TestClientBackoffDoublesAndCaps(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/api", InitialBackoff: time.Minute, MaxBackoff: 3 * time.Minute})
	t.Cleanup(func() { _ = c.Close() })

	c.onSocketError(errors.New("socket dropped"))
	c.mu.RLock()
	first := c.backoff
	c.mu.RUnlock()
	assert.Equal(t, 2*time.Minute, first)

	c.onSocketError(errors.New("socket dropped"))
	c.mu.RLock()
	second := c.backoff
	c.mu.RUnlock()
	assert.Equal(t, 3*time.Minute, second, "backoff stops doubling at the cap")
}

func TestClientReceivesBroadcasts(t *testing.T) {
	lobby, url := startTestServer(t)
	lobby.OnEvent("msg", func(ctx *wavesock.EventContext) error { return ctx.Accept() })

	sender := New(Config{URL: url})
	receiver := New(Config{URL: url})
	t.Cleanup(func() {
		_ = sender.Close()
		_ = receiver.Close()
	})
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, receiver.Connect(context.Background()))

	senderCh := sender.Channel("/chat/1")
	receiverCh := receiver.Channel("/chat/1")
	require.NoError(t, senderCh.Join(nil))
	require.NoError(t, receiverCh.Join(nil))
	require.Eventually(t, func() bool {
		return senderCh.State() == Joined && receiverCh.State() == Joined
	}, 2*time.Second, 10*time.Millisecond)

	log := &eventLog{}
	receiverCh.OnMessage(func(event string, payload interface{}) { log.add(event) })

	require.NoError(t, senderCh.Broadcast("msg", map[string]interface{}{"text": "hi"}))

	require.Eventually(t, func() bool {
		events := log.snapshot()
		return len(events) == 1 && events[0] == "msg"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientCloseIsTerminal(t *testing.T) {
	_, url := startTestServer(t)

	c := New(Config{URL: url})
	require.NoError(t, c.Connect(context.Background()))
	ch := c.Channel("/chat/1")
	require.NoError(t, ch.Join(nil))

	require.NoError(t, c.Close())
	assert.Equal(t, Closed, ch.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}
