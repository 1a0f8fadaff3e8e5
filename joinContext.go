// JoinContext is the request/response pair handed to a lobby's join
// authorization handler. Accept sends the ACKNOWLEDGE frame and registers
// the member; Decline answers with an UNAUTHORIZED_JOIN_REQUEST error.
package wavesock

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// JoinContext resolves exactly once via Accept or Decline; a second
// terminal call fails loudly.
type JoinContext struct {
	conn    *Conn
	channel *Channel
	frame   *Frame
	route   *Route

	mu           sync.Mutex
	hasResponded bool
	accepted     bool
	assigns      map[string]interface{}
}

func newJoinContext(conn *Conn, channel *Channel, frame *Frame, route *Route) *JoinContext {
	return &JoinContext{
		conn:    conn,
		channel: channel,
		frame:   frame,
		route:   route,
		assigns: conn.Assigns(),
	}
}

// UserID returns the joining connection's id.
func (j *JoinContext) UserID() string { return j.conn.ID() }

// ChannelName returns the concrete channel name being joined.
func (j *JoinContext) ChannelName() string { return j.channel.name }

// Channel returns the channel instance being joined.
func (j *JoinContext) Channel() *Channel { return j.channel }

// Payload returns the join frame's payload.
func (j *JoinContext) Payload() interface{} { return j.frame.Payload }

// Params returns the captures from matching the channel name against the
// lobby's pattern.
func (j *JoinContext) Params() map[string]string { return j.route.Params }

// Query returns the query values from the channel name.
func (j *JoinContext) Query() map[string]string { return j.route.Query }

// Assigns returns a copy of the assigns that will be attached to the
// member on Accept: the connection's assigns plus any set on this context.
func (j *JoinContext) Assigns() map[string]interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	return cloneDocument(j.assigns)
}

// SetAssigns merges a key into the member's assigns ahead of Accept.
func (j *JoinContext) SetAssigns(key string, value interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.assigns[key] = value
}

// Accept resolves the join: it sends a system ACKNOWLEDGE frame and then
// registers the connection as a channel member. Optional assigns maps are
// shallow-merged over the connection's assigns.
func (j *JoinContext) Accept(assigns ...map[string]interface{}) error {
	j.mu.Lock()
	if j.hasResponded {
		j.mu.Unlock()
		return endpointError(StatusConflict, "join response already resolved")
	}
	j.hasResponded = true
	j.accepted = true
	merged := cloneDocument(j.assigns)
	for _, patch := range assigns {
		for key, value := range patch {
			merged[key] = value
		}
	}
	j.mu.Unlock()

	j.conn.sendFrame(Frame{
		Action:      ActionSystem,
		ChannelName: j.channel.name,
		Event:       EventAcknowledge,
		Payload:     map[string]interface{}{"userId": j.conn.ID()},
		RequestId:   j.frame.RequestId,
	})

	conn := j.conn
	onMessage := func(frame Frame) {
		conn.sendFrame(frame)
	}
	// The resolved instance may have committed to removal between the
	// lookup and this registration; joins then land on a fresh instance
	// under the same name.
	for attempt := 0; ; attempt++ {
		err := j.channel.AddUser(conn.ID(), merged, onMessage)
		if err == nil {
			break
		}
		if !isGone(err) || attempt >= 2 {
			return err
		}
		fresh := j.channel.lobby.getOrCreateChannel(j.channel.name, j.route)
		j.mu.Lock()
		j.channel = fresh
		j.mu.Unlock()
	}
	conn.trackChannel(j.channel)
	return nil
}

func isGone(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == StatusGone
}

// Decline resolves the join with an UNAUTHORIZED_JOIN_REQUEST error frame
// naming the channel. The connection stays alive for other channels.
func (j *JoinContext) Decline(code int, message string) error {
	j.mu.Lock()
	if j.hasResponded {
		j.mu.Unlock()
		return endpointError(StatusConflict, "join response already resolved")
	}
	j.hasResponded = true
	j.mu.Unlock()

	if message == "" {
		message = "join request declined"
	}
	j.conn.sendFrame(Frame{
		Action:      ActionError,
		ChannelName: j.channel.name,
		Event:       ErrorEventUnauthorizedJoin,
		Payload:     ErrorPayload{Message: message, Code: code},
		RequestId:   j.frame.RequestId,
	})
	return nil
}

// Reply sends a private BROADCAST frame to the joining member. It is only
// legal after Accept.
func (j *JoinContext) Reply(event string, payload interface{}) error {
	j.mu.Lock()
	accepted := j.accepted
	j.mu.Unlock()
	if !accepted {
		return endpointError(StatusBadRequest, "cannot reply before the join is accepted")
	}
	j.conn.sendFrame(Frame{
		Action:      ActionBroadcast,
		ChannelName: j.channel.name,
		Event:       event,
		Payload:     payload,
		RequestId:   uuid.NewString(),
	})
	return nil
}

// TrackPresence tracks the joining member's presence document. Only legal
// after Accept.
func (j *JoinContext) TrackPresence(document map[string]interface{}) error {
	j.mu.Lock()
	accepted := j.accepted
	j.mu.Unlock()
	if !accepted {
		return endpointError(StatusBadRequest, "cannot track presence before the join is accepted")
	}
	return j.channel.TrackPresence(j.conn.ID(), document)
}

func (j *JoinContext) responded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.hasResponded
}
