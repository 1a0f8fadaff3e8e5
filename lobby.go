// The lobby owns every concrete channel instance whose name matched one
// registered path pattern, the join-authorization hook, and the ordered
// event handler chain consulted by each channel on broadcast.
package wavesock

import (
	"context"
	"regexp"

	"github.com/rs/zerolog"
)

type leaveEvent struct {
	user   User
	reason string
}

// Lobby manages the channels of one path pattern. It is created by
// Endpoint.CreateChannel and never directly by callers.
type Lobby struct {
	pattern string
	re      *regexp.Regexp

	endpointPath string
	nodeID       string
	pubsub       PubSub
	logger       zerolog.Logger

	channels    *store[*Channel]
	joinHandler JoinHandler
	eventChain  *middleware[*EventContext, *EventContext]
	leavers     *SimpleSubject[leaveEvent]
}

func newLobby(pattern string, re *regexp.Regexp, joinHandler JoinHandler, endpoint *Endpoint) *Lobby {
	return &Lobby{
		pattern:      pattern,
		re:           re,
		endpointPath: endpoint.path,
		nodeID:       endpoint.nodeID,
		pubsub:       endpoint.options.PubSub,
		logger:       endpoint.logger.With().Str("lobby", pattern).Logger(),
		channels:     newStore[*Channel](),
		joinHandler:  joinHandler,
		eventChain:   newMiddleware[*EventContext, *EventContext](),
		leavers:      NewSimpleSubject[leaveEvent](),
	}
}

// OnEvent registers a handler for client broadcasts whose event name
// matches the pattern. Handlers are consulted in registration order; a
// handler whose pattern does not match defers to the next one.
func (l *Lobby) OnEvent(eventPattern string, handler EventHandler) {
	l.eventChain.Use(func(ctx context.Context, req *EventContext, _ *EventContext, next nextFunc) error {
		route := match(eventPattern, req.frame.Event)
		if route == nil {
			return next()
		}
		req.eventRoute = route
		return handler(req)
	})
}

// OnLeave registers an observer for member removals across every channel
// of this lobby. It returns the observer's unsubscribe function.
func (l *Lobby) OnLeave(handler LeaveHandler) func() {
	return l.leavers.Subscribe(func(event leaveEvent) {
		handler(event.user, event.reason)
	})
}

// Pattern returns the path pattern this lobby was registered under.
func (l *Lobby) Pattern() string { return l.pattern }

// matchName tests a concrete channel name against the lobby's pattern.
func (l *Lobby) matchName(channelName string) *Route {
	if l.re != nil {
		return matchRegexp(l.re, channelName)
	}
	return match(l.pattern, channelName)
}

// getOrCreateChannel resolves the channel for a concrete name, creating it
// on first use. At most one channel per name exists at a time.
func (l *Lobby) getOrCreateChannel(channelName string, route *Route) *Channel {
	if channel, err := l.channels.Read(channelName); err == nil {
		return channel
	}
	channel := newChannel(channelName, route, l)
	if err := l.channels.Create(channelName, channel); err != nil {
		// Lost the race to a concurrent join; the winner's instance is
		// authoritative.
		channel.close()
		if existing, rerr := l.channels.Read(channelName); rerr == nil {
			return existing
		}
	}
	l.logger.Debug().Str("channel", channelName).Msg("channel created")
	return channel
}

// GetChannel returns the live channel for a concrete name.
func (l *Lobby) GetChannel(channelName string) (*Channel, error) {
	channel, err := l.channels.Read(channelName)
	if err != nil {
		return nil, channelError(StatusNotFound, channelName, "channel does not exist")
	}
	return channel, nil
}

// ListChannels returns the names of every live channel in creation order.
func (l *Lobby) ListChannels() []string { return l.channels.Keys() }

// Broadcast sends a server-originated message to every member of the named
// channel.
func (l *Lobby) Broadcast(channelName, event string, payload interface{}) error {
	channel, err := l.GetChannel(channelName)
	if err != nil {
		return err
	}
	return channel.SendMessage(ChannelSender, ToAll(), ActionBroadcast, event, payload)
}

// removeUserFromAll gracefully removes the user from every channel this
// lobby manages. Used on connection close.
func (l *Lobby) removeUserFromAll(userID string) {
	for _, channel := range l.channels.Values() {
		_ = channel.RemoveUser(userID, true)
	}
}

// dropChannel forgets a channel instance. Called by the channel itself when
// its membership reaches zero or it is destroyed.
func (l *Lobby) dropChannel(channelName string) {
	if err := l.channels.Delete(channelName); err == nil {
		l.logger.Debug().Str("channel", channelName).Msg("channel dropped")
	}
}

func (l *Lobby) notifyLeave(user User, reason string) {
	l.leavers.Publish(leaveEvent{user: user, reason: reason})
}

// authorizeJoin runs the join-authorization callback over a prepared join
// context. Absent callback means auto-accept. A callback that returns
// without resolving the context is flagged as an endpoint error.
func (l *Lobby) authorizeJoin(joinCtx *JoinContext) error {
	if l.joinHandler == nil {
		return joinCtx.Accept()
	}
	if err := l.joinHandler(joinCtx); err != nil {
		return err
	}
	if !joinCtx.responded() {
		return endpointError(StatusInternalServerError,
			"join handler for "+l.pattern+" returned without accepting or declining")
	}
	return nil
}

// dispatchEvent runs one client-originated broadcast through the event
// handler chain. The fallback answers HANDLER_NOT_FOUND to the sender only.
func (l *Lobby) dispatchEvent(ctx context.Context, channel *Channel, senderID string, frame *Frame) error {
	eventCtx := newEventContext(ctx, channel, senderID, frame)
	return l.eventChain.Handle(ctx, eventCtx, eventCtx, func(req *EventContext, _ *EventContext) error {
		channel.sendToUser(senderID, Frame{
			Action:      ActionError,
			ChannelName: channel.name,
			Event:       ErrorEventHandlerNotFound,
			Payload: ErrorPayload{
				Message: "no handler found for event " + frame.Event,
				Code:    StatusNotFound,
			},
			RequestId: frame.RequestId,
		})
		return nil
	})
}
