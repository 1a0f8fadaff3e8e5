// EventContext is the request/response pair handed to an event handler for
// one client-originated broadcast. Accept, Reject and Reply are terminal;
// the helpers (Broadcast, presence and assigns operations) are not.
package wavesock

import (
	"context"
	"sync"
)

// EventContext resolves exactly once; a second terminal call fails loudly.
type EventContext struct {
	ctx        context.Context
	channel    *Channel
	senderID   string
	frame      *Frame
	eventRoute *Route

	mu           sync.Mutex
	hasResponded bool
}

func newEventContext(ctx context.Context, channel *Channel, senderID string, frame *Frame) *EventContext {
	return &EventContext{
		ctx:      ctx,
		channel:  channel,
		senderID: senderID,
		frame:    frame,
	}
}

// Context returns the dispatch context.
func (e *EventContext) Context() context.Context { return e.ctx }

// UserID returns the sending member's id.
func (e *EventContext) UserID() string { return e.senderID }

// Channel returns the channel the frame was sent on.
func (e *EventContext) Channel() *Channel { return e.channel }

// Event returns the frame's event name.
func (e *EventContext) Event() string { return e.frame.Event }

// Payload returns the frame's payload.
func (e *EventContext) Payload() interface{} { return e.frame.Payload }

// Params returns the captures from matching the event name against the
// handler's pattern.
func (e *EventContext) Params() map[string]string {
	if e.eventRoute == nil {
		return map[string]string{}
	}
	return e.eventRoute.Params
}

// Query returns the query values from the event name.
func (e *EventContext) Query() map[string]string {
	if e.eventRoute == nil {
		return map[string]string{}
	}
	return e.eventRoute.Query
}

// User returns the sending member's assigns and presence.
func (e *EventContext) User() (User, error) {
	return e.channel.GetUserData(e.senderID)
}

// Accept resolves the event by fanning the original frame out to its
// addressed recipients. An absent addresses field means every member.
func (e *EventContext) Accept() error {
	if err := e.resolve(); err != nil {
		return err
	}
	recipients := e.frame.Addresses.recipients()
	return e.channel.SendMessage(e.senderID, recipients, ActionBroadcast, e.frame.Event, e.frame.Payload)
}

// Reject resolves the event with an error frame back to the sender only.
func (e *EventContext) Reject(code int, message string) error {
	if err := e.resolve(); err != nil {
		return err
	}
	e.channel.sendToUser(e.senderID, Frame{
		Action:      ActionError,
		ChannelName: e.channel.name,
		Event:       ErrorEventChannelError,
		Payload:     ErrorPayload{Message: message, Code: code},
		RequestId:   e.frame.RequestId,
	})
	return nil
}

// Reply resolves the event with a private BROADCAST frame to the sender.
func (e *EventContext) Reply(event string, payload interface{}) error {
	if err := e.resolve(); err != nil {
		return err
	}
	e.channel.sendToUser(e.senderID, Frame{
		Action:      ActionBroadcast,
		ChannelName: e.channel.name,
		Event:       event,
		Payload:     payload,
		RequestId:   e.frame.RequestId,
	})
	return nil
}

// Broadcast sends a channel-originated message to every member. It does
// not resolve the context.
func (e *EventContext) Broadcast(event string, payload interface{}) error {
	return e.channel.SendMessage(ChannelSender, ToAll(), ActionBroadcast, event, payload)
}

// BroadcastFrom sends a message from the sender to every other member. It
// does not resolve the context.
func (e *EventContext) BroadcastFrom(event string, payload interface{}) error {
	return e.channel.SendMessage(e.senderID, ToAllExceptSender(), ActionBroadcast, event, payload)
}

// SendTo sends a message from the sender to an explicit recipient list. It
// does not resolve the context.
func (e *EventContext) SendTo(recipients []string, event string, payload interface{}) error {
	return e.channel.SendMessage(e.senderID, To(recipients...), ActionBroadcast, event, payload)
}

// TrackPresence tracks the sender's presence document.
func (e *EventContext) TrackPresence(document map[string]interface{}) error {
	return e.channel.TrackPresence(e.senderID, document)
}

// UpdatePresence shallow-merges a patch onto the sender's presence document.
func (e *EventContext) UpdatePresence(patch map[string]interface{}) error {
	return e.channel.UpdatePresence(e.senderID, patch)
}

// RemovePresence removes the sender's presence document.
func (e *EventContext) RemovePresence() error {
	return e.channel.RemovePresence(e.senderID, false)
}

// UpdateAssigns shallow-merges a patch onto the sender's assigns.
func (e *EventContext) UpdateAssigns(patch map[string]interface{}) error {
	return e.channel.UpdateAssigns(e.senderID, patch)
}

// Kick removes the sender from the channel with a notice.
func (e *EventContext) Kick(reason string) error {
	return e.channel.KickUser(e.senderID, reason)
}

func (e *EventContext) resolve() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasResponded {
		return endpointError(StatusConflict, "event response already resolved")
	}
	e.hasResponded = true
	return nil
}

func (e *EventContext) responded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasResponded
}
