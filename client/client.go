// The client connection: dialing, the reconnect loop with doubling
// backoff, and demultiplexing inbound frames to their channels.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wavesock/wavesock"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client is closed")

// ErrNotConnected is returned by sends attempted while no socket is open.
var ErrNotConnected = errors.New("connection is not open")

// Client is one connection to a wavesock endpoint and the channels
// multiplexed over it.
type Client struct {
	config Config
	logger zerolog.Logger

	mu           sync.RWMutex
	ws           *websocket.Conn
	open         bool
	closed       bool
	connectionID string
	channels     map[string]*Channel
	backoff      time.Duration

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a client. Call Connect to open the socket.
func New(config Config) *Client {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   config,
		logger:   config.Logger.With().Str("component", "wavesock-client").Logger(),
		channels: make(map[string]*Channel),
		backoff:  config.InitialBackoff,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the endpoint and starts the read loop. On a later socket
// error the client reconnects on its own with doubling backoff.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := c.dial(ctx); err != nil {
		return err
	}
	return nil
}

// ConnectionID returns the id the server assigned in its CONNECT frame.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// IsOpen reports whether a socket is currently open.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Channel returns the channel handle for a name, creating one in IDLE when
// none exists. A previously left channel is replaced with a fresh handle,
// since channel identity is single-use after leave.
func (c *Client) Channel(name string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.channels[name]; ok && existing.State() != Closed {
		return existing
	}
	channel := newChannel(c, name)
	c.channels[name] = channel
	return channel
}

// Close tears the client down. Every channel becomes CLOSED and the client
// cannot reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	ws := c.ws
	channels := c.snapshotChannelsLocked()
	c.mu.Unlock()

	c.cancel()
	for _, channel := range channels {
		channel.forceClose()
	}
	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.open = true
	c.backoff = c.config.InitialBackoff
	channels := c.snapshotChannelsLocked()
	c.mu.Unlock()

	go c.readLoop(ws)

	// Rejoin stalled channels, each flushing its queue right after its
	// join frame.
	for _, channel := range channels {
		channel.onOpen()
	}
	c.logger.Debug().Str("url", c.config.URL).Msg("connected")
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.onSocketError(err)
			return
		}
		var frame wavesock.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Debug().Err(err).Msg("dropping unparseable frame")
			continue
		}
		c.route(&frame)
	}
}

func (c *Client) route(frame *wavesock.Frame) {
	if frame.Action == wavesock.ActionConnect {
		if payload, ok := frame.Payload.(map[string]interface{}); ok {
			if id, ok := payload["connectionId"].(string); ok {
				c.mu.Lock()
				c.connectionID = id
				c.mu.Unlock()
			}
		}
		return
	}
	if frame.ChannelName == "" {
		return
	}

	c.mu.RLock()
	channel := c.channels[frame.ChannelName]
	c.mu.RUnlock()
	if channel != nil {
		channel.handleFrame(frame)
	}
}

func (c *Client) onSocketError(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.ws = nil
	channels := c.snapshotChannelsLocked()
	delay := c.backoff
	c.backoff *= 2
	if c.config.MaxBackoff > 0 && c.backoff > c.config.MaxBackoff {
		c.backoff = c.config.MaxBackoff
	}
	c.mu.Unlock()

	c.logger.Debug().Err(err).Dur("retryIn", delay).Msg("socket dropped")
	for _, channel := range channels {
		channel.onDisconnect()
	}

	go func() {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := c.dial(c.ctx); err != nil {
			c.onSocketError(err)
		}
	}()
}

// send marshals and writes one frame. Writes are serialized; concurrent
// channel sends never interleave partial frames.
func (c *Client) send(frame *wavesock.Frame) error {
	c.mu.RLock()
	ws, open := c.ws, c.open
	c.mu.RUnlock()
	if !open || ws == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) snapshotChannelsLocked() []*Channel {
	channels := make([]*Channel, 0, len(c.channels))
	for _, channel := range c.channels {
		channels = append(channels, channel)
	}
	return channels
}
