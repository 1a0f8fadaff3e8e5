// The per-channel state machine: IDLE, JOINING, JOINED, STALLED, CLOSED,
// with outbound queueing while the socket is down and automatic rejoin.
package client

import (
	"errors"
	"sync"

	"github.com/wavesock/wavesock"
)

// ErrChannelClosed is returned by operations on a channel after leave.
var ErrChannelClosed = errors.New("channel is closed")

// ErrNotJoined is returned when a send is attempted on an open connection
// before the channel has started joining. Such sends are dropped, never
// queued.
var ErrNotJoined = errors.New("channel is not joined or joining")

// Channel is the client-side handle for one channel name.
type Channel struct {
	client *Client
	name   string

	mu          sync.Mutex
	state       State
	joinPayload interface{}
	queue       []*wavesock.Frame
	presence    []map[string]interface{}

	messages        *wavesock.SimpleSubject[wavesock.Frame]
	presenceUpdates *wavesock.SimpleSubject[[]map[string]interface{}]
}

func newChannel(client *Client, name string) *Channel {
	return &Channel{
		client:          client,
		name:            name,
		state:           Idle,
		messages:        wavesock.NewSimpleSubject[wavesock.Frame](),
		presenceUpdates: wavesock.NewSimpleSubject[[]map[string]interface{}](),
	}
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// State returns the current lifecycle phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join sends the join frame, or defers it until the socket opens. Joining
// a closed channel fails; channel identity is single-use after leave.
func (c *Channel) Join(payload interface{}) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	c.joinPayload = payload
	c.state = Joining
	c.mu.Unlock()

	if !c.client.IsOpen() {
		return nil
	}
	if err := c.client.send(c.joinFrame()); err != nil {
		return err
	}
	c.flushQueue()
	return nil
}

// Leave sends the leave frame when possible and closes the channel. CLOSED
// is terminal.
func (c *Channel) Leave() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == Joined || c.state == Joining
	c.state = Closed
	c.queue = nil
	c.mu.Unlock()

	if wasActive && c.client.IsOpen() {
		return c.client.send(&wavesock.Frame{
			Action:      wavesock.ActionLeaveChannel,
			ChannelName: c.name,
			Event:       "leave",
			Payload:     map[string]interface{}{},
		})
	}
	return nil
}

// Broadcast sends an event to every member of the channel.
func (c *Channel) Broadcast(event string, payload interface{}) error {
	return c.outbound(event, payload, nil)
}

// BroadcastFrom sends an event to every member except this client.
func (c *Channel) BroadcastFrom(event string, payload interface{}) error {
	return c.outbound(event, payload, wavesock.AddressAllExceptSender())
}

// SendMessage sends an event to an explicit list of member ids.
func (c *Channel) SendMessage(recipients []string, event string, payload interface{}) error {
	return c.outbound(event, payload, wavesock.AddressTo(recipients))
}

// OnMessage registers an observer for BROADCAST frames on this channel and
// returns its unsubscribe function.
func (c *Channel) OnMessage(observer func(event string, payload interface{})) func() {
	return c.messages.Subscribe(func(frame wavesock.Frame) {
		observer(frame.Event, frame.Payload)
	})
}

// OnPresence registers an observer for presence snapshots and returns its
// unsubscribe function.
func (c *Channel) OnPresence(observer func(presence []map[string]interface{})) func() {
	return c.presenceUpdates.Subscribe(observer)
}

// Presence returns the latest presence snapshot.
func (c *Channel) Presence() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]map[string]interface{}, len(c.presence))
	copy(snapshot, c.presence)
	return snapshot
}

func (c *Channel) outbound(event string, payload interface{}, addresses *wavesock.AddressField) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == Closed {
		return ErrChannelClosed
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	frame := &wavesock.Frame{
		Action:      wavesock.ActionBroadcast,
		ChannelName: c.name,
		Event:       event,
		Payload:     payload,
		Addresses:   addresses,
	}

	if !c.client.IsOpen() {
		c.mu.Lock()
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		return nil
	}
	if state != Joined && state != Joining {
		return ErrNotJoined
	}
	return c.client.send(frame)
}

// handleFrame demultiplexes one inbound frame addressed to this channel.
// The first frame after a join moves the channel to JOINED.
func (c *Channel) handleFrame(frame *wavesock.Frame) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	if c.state == Joining {
		c.state = Joined
	}
	var presence []map[string]interface{}
	if frame.Action == wavesock.ActionPresence {
		if payload := decodePresence(frame.Payload); payload != nil {
			c.presence = payload
			presence = payload
		}
	}
	closing := frame.Action == wavesock.ActionSystem &&
		(frame.Event == wavesock.EventKickedOut || frame.Event == wavesock.EventDestroyed)
	if closing {
		c.state = Closed
		c.queue = nil
	}
	c.mu.Unlock()

	switch frame.Action {
	case wavesock.ActionBroadcast:
		c.messages.Publish(*frame)
	case wavesock.ActionPresence:
		if presence != nil {
			c.presenceUpdates.Publish(presence)
		}
	}
}

// onOpen rejoins after a reconnect: the join frame goes first, then the
// queued frames in their original order.
func (c *Channel) onOpen() {
	c.mu.Lock()
	if c.state != Joining && c.state != Stalled {
		c.mu.Unlock()
		return
	}
	c.state = Joining
	c.mu.Unlock()

	if err := c.client.send(c.joinFrame()); err != nil {
		return
	}
	c.flushQueue()
}

// flushQueue replays frames queued while the socket was down, preserving
// their original order. A failed write puts the unsent tail back at the
// head of the queue.
func (c *Channel) flushQueue() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	for i, frame := range queued {
		if err := c.client.send(frame); err != nil {
			c.mu.Lock()
			c.queue = append(append([]*wavesock.Frame{}, queued[i:]...), c.queue...)
			c.mu.Unlock()
			return
		}
	}
}

// onDisconnect stalls an active channel so it rejoins on reconnect.
func (c *Channel) onDisconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Joined || c.state == Joining {
		c.state = Stalled
	}
}

func (c *Channel) forceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closed
	c.queue = nil
}

func (c *Channel) joinFrame() *wavesock.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload := c.joinPayload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &wavesock.Frame{
		Action:      wavesock.ActionJoinChannel,
		ChannelName: c.name,
		Event:       "join",
		Payload:     payload,
	}
}

func decodePresence(payload interface{}) []map[string]interface{} {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil
	}
	list, ok := obj["presence"].([]interface{})
	if !ok {
		return nil
	}
	presence := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if doc, ok := item.(map[string]interface{}); ok {
			presence = append(presence, doc)
		}
	}
	return presence
}
