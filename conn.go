// Conn is one upgraded client connection: the read/write pumps, the
// ping/pong liveness check, and the per-connection assigns.
package wavesock

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type frameHandler func(ctx context.Context, conn *Conn, frame *Frame)

type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	options *Options
	logger  zerolog.Logger

	mu       sync.RWMutex
	assigns  map[string]interface{}
	onClose  []func(*Conn)
	closing  bool
	handler  frameHandler
	channels *store[*Channel]

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(parent context.Context, ws *websocket.Conn, id string, assigns map[string]interface{}, options *Options, logger zerolog.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, options.SendBuffer),
		options:  options,
		logger:   logger.With().Str("connection", id).Logger(),
		assigns:  cloneDocument(assigns),
		channels: newStore[*Channel](),
		ctx:      ctx,
		cancel:   cancel,
	}

	ws.SetReadLimit(options.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})
	ws.SetCloseHandler(func(code int, text string) error {
		c.Close()
		return nil
	})
	return c
}

// ID returns the connection's id, assigned at upgrade time.
func (c *Conn) ID() string { return c.id }

// Assigns returns a copy of the connection's assigns.
func (c *Conn) Assigns() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneDocument(c.assigns)
}

// SetAssigns attaches metadata to the connection. Assigns persist across
// channel joins and are never sent to clients.
func (c *Conn) SetAssigns(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assigns[key] = value
}

// OnClose registers a callback run once, synchronously, during teardown.
func (c *Conn) OnClose(callback func(*Conn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, callback)
}

// IsActive reports whether the connection can still send and receive.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closing
}

func (c *Conn) setHandler(handler frameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *Conn) trackChannel(channel *Channel) {
	_ = c.channels.Create(channel.name, channel)
}

func (c *Conn) forgetChannel(channelName string) {
	_ = c.channels.Delete(channelName)
}

// ChannelNames returns the names of the channels this connection has
// joined, in join order.
func (c *Conn) ChannelNames() []string { return c.channels.Keys() }

// sendFrame marshals the frame and queues it on the write pump. A full
// queue that does not drain within the write deadline closes the
// connection rather than blocking the caller.
func (c *Conn) sendFrame(frame Frame) {
	if !c.IsActive() {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outbound frame")
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	case <-time.After(c.options.WriteWait):
		c.logger.Warn().Msg("send queue stalled, closing connection")
		go c.Close()
	}
}

func (c *Conn) sendError(err error) {
	if frame := errorFrame(err); frame != nil {
		c.sendFrame(*frame)
	}
}

// start launches the pumps. queued frames from the authorization handler
// go out before the first client frame is read.
func (c *Conn) start(queued []Frame) {
	go c.writePump()
	for _, frame := range queued {
		c.sendFrame(frame)
	}
	go c.readPump()
}

func (c *Conn) readPump() {
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("read pump terminated")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError(protocolError("unsupported message type, expected a text frame"))
			continue
		}

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError(protocolError("invalid JSON frame"))
			continue
		}
		if !frame.validateInbound() {
			c.sendError(protocolError("frame is missing action, channelName or payload"))
			continue
		}

		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()
		if handler == nil {
			c.sendError(endpointError(StatusServiceUnavailable, "no frame handler registered"))
			continue
		}
		handler(c.ctx, c, &frame)
	}
}

// writePump owns all writes to the socket. It pings on a fixed interval;
// a peer that missed the previous ping has an expired read deadline and is
// terminated by the read pump.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.options.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close tears the connection down: cancels the pumps, closes the socket,
// and runs the close handlers once. Safe to call multiple times.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		handlers := make([]func(*Conn), len(c.onClose))
		copy(handlers, c.onClose)
		c.mu.Unlock()

		c.cancel()
		_ = c.ws.Close()

		for _, handler := range handlers {
			handler(c)
		}
		c.logger.Debug().Msg("connection closed")
	})
}
