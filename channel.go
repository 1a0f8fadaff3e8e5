// The channel engine: one concrete channel's membership, addressed message
// delivery, and presence lifecycle. A channel is owned by exactly one lobby
// and reports its own emptiness to it.
package wavesock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Channel is one concrete channel instance, created on the first successful
// join to its name and destroyed when membership reaches zero or on an
// explicit Destroy.
type Channel struct {
	name  string
	route *Route
	lobby *Lobby

	mu        sync.Mutex
	members   *store[*member]
	delivery  *Subject[Frame]
	presence  *PresenceEngine
	destroyed bool

	unsubPresence func()
	unsubRemote   func()

	logger zerolog.Logger
}

type member struct {
	assigns map[string]interface{}
}

func newChannel(name string, route *Route, lobby *Lobby) *Channel {
	c := &Channel{
		name:     name,
		route:    route,
		lobby:    lobby,
		members:  newStore[*member](),
		delivery: NewSubject[Frame](),
		logger:   lobby.logger.With().Str("channel", name).Logger(),
	}
	if lobby.pubsub != nil {
		unsub, err := lobby.pubsub.Subscribe(lobby.endpointPath, name, c.acceptRemote)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to subscribe channel to pubsub backend")
		} else {
			c.unsubRemote = unsub
		}
	}
	return c
}

// Name returns the channel's immutable identity.
func (c *Channel) Name() string { return c.name }

// Route returns the params and query extracted when the channel name was
// matched against its lobby's pattern.
func (c *Channel) Route() *Route { return c.route }

// AddUser registers a member and its delivery subscription. The delivery
// callback receives only messages whose recipient set includes userID.
// Adding an id that is already a member fails.
func (c *Channel) AddUser(userID string, assigns map[string]interface{}, onMessage func(Frame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return channelError(StatusGone, c.name, "channel has been destroyed")
	}
	if c.members.Has(userID) {
		return channelError(StatusConflict, c.name, "user "+userID+" is already a member")
	}
	if err := c.delivery.SubscribeWith(userID, onMessage); err != nil {
		return wrapF(err, "failed to register delivery for user %s", userID)
	}
	if err := c.members.Create(userID, &member{assigns: cloneDocument(assigns)}); err != nil {
		_ = c.delivery.Unsubscribe(userID)
		return wrapF(err, "failed to add user %s", userID)
	}
	c.logger.Debug().Str("userId", userID).Int("members", c.members.Len()).Msg("user joined channel")
	return nil
}

// RemoveUser deletes a member, untracks its presence and unregisters its
// delivery subscription. Removing an absent id fails unless graceful is
// set. When the last member leaves, the owning lobby drops the channel.
func (c *Channel) RemoveUser(userID string, graceful bool) error {
	c.mu.Lock()

	m, err := c.members.Read(userID)
	if err != nil {
		c.mu.Unlock()
		if graceful {
			return nil
		}
		return channelError(StatusNotFound, c.name, "user "+userID+" is not a member")
	}
	user := User{UserID: userID, Assigns: cloneDocument(m.assigns)}
	if c.presence != nil {
		if doc, perr := c.presence.GetUserPresence(userID); perr == nil {
			user.Presence = doc
		}
	}
	if err := c.members.Delete(userID); err != nil {
		c.mu.Unlock()
		return wrapF(err, "failed to remove user %s", userID)
	}
	if c.presence != nil {
		_ = c.presence.Remove(userID, true)
	}
	_ = c.delivery.Unsubscribe(userID)
	empty := c.members.Len() == 0
	c.mu.Unlock()

	c.logger.Debug().Str("userId", userID).Bool("graceful", graceful).Msg("user left channel")
	c.lobby.notifyLeave(user, "leave")
	if empty {
		c.dropIfEmpty()
	}
	return nil
}

// dropIfEmpty commits the channel to removal when its membership is still
// zero. The emptiness re-check, the destroyed mark and the lobby unlisting
// happen in one critical section, so a join that landed after the caller's
// own emptiness check keeps the instance alive and listed, and AddUser can
// never succeed on an instance already committed to removal.
func (c *Channel) dropIfEmpty() bool {
	c.mu.Lock()
	if c.destroyed || c.members.Len() != 0 {
		c.mu.Unlock()
		return false
	}
	c.destroyed = true
	c.lobby.dropChannel(c.name)
	c.mu.Unlock()

	c.close()
	return true
}

// UpdateAssigns shallow-merges the patch onto the member's assigns.
func (c *Channel) UpdateAssigns(userID string, patch map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.members.Read(userID)
	if err != nil {
		return channelError(StatusNotFound, c.name, "user "+userID+" is not a member")
	}
	merged := cloneDocument(m.assigns)
	for key, value := range patch {
		merged[key] = value
	}
	return c.members.Update(userID, &member{assigns: merged})
}

// GetUserData returns the member's assigns and presence document.
func (c *Channel) GetUserData(userID string) (User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.members.Read(userID)
	if err != nil {
		return User{}, channelError(StatusNotFound, c.name, "user "+userID+" is not a member")
	}
	user := User{UserID: userID, Assigns: cloneDocument(m.assigns)}
	if c.presence != nil {
		if doc, err := c.presence.GetUserPresence(userID); err == nil {
			user.Presence = doc
		}
	}
	return user, nil
}

// Users returns every member in join order.
func (c *Channel) Users() []User {
	ids := c.members.Keys()
	users := make([]User, 0, len(ids))
	for _, id := range ids {
		if user, err := c.GetUserData(id); err == nil {
			users = append(users, user)
		}
	}
	return users
}

// Has reports whether userID is currently a member.
func (c *Channel) Has(userID string) bool { return c.members.Has(userID) }

// Len reports the current member count.
func (c *Channel) Len() int { return c.members.Len() }

// SendMessage fans a message out to the resolved recipient set. The sender
// must be a member or the channel sentinel; an explicit recipient list is
// validated in full before any delivery.
func (c *Channel) SendMessage(sender string, recipients Recipients, action Action, event string, payload interface{}) error {
	keys, err := c.resolveRecipients(sender, recipients)
	if err != nil {
		return err
	}
	frame := Frame{
		Action:      action,
		ChannelName: c.name,
		Event:       event,
		Payload:     payload,
		RequestId:   uuid.NewString(),
	}
	c.delivery.PublishTo(keys, frame)

	if action == ActionBroadcast && c.lobby.pubsub != nil {
		c.replicate(sender, recipients, frame)
	}
	return nil
}

// sendToUser delivers a frame to a single member without recipient
// resolution. Used for private notices and error frames.
func (c *Channel) sendToUser(userID string, frame Frame) {
	if frame.RequestId == "" {
		frame.RequestId = uuid.NewString()
	}
	c.delivery.PublishTo([]string{userID}, frame)
}

func (c *Channel) resolveRecipients(sender string, recipients Recipients) ([]string, error) {
	if sender != ChannelSender && !c.members.Has(sender) {
		return nil, channelError(StatusForbidden, c.name, "sender "+sender+" is not a member")
	}

	memberIDs := c.members.Keys()
	switch recipients.mode {
	case addressAll:
		return memberIDs, nil

	case addressAllExceptSender:
		if sender == ChannelSender {
			return nil, channelError(StatusBadRequest, c.name,
				"all_except_sender addressing is illegal for channel-originated messages")
		}
		filtered := make([]string, 0, len(memberIDs))
		for _, id := range memberIDs {
			if id != sender {
				filtered = append(filtered, id)
			}
		}
		return filtered, nil

	case "":
		var missing []string
		for _, id := range recipients.ids {
			if !c.members.Has(id) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, channelError(StatusNotFound, c.name,
				"recipients are not members: "+strings.Join(missing, ", ")).withDetails(missing)
		}
		return append([]string(nil), recipients.ids...), nil

	default:
		return nil, channelError(StatusBadRequest, c.name, "unknown addressing mode: "+recipients.mode)
	}
}

// BroadcastMessage runs a client-originated frame through the lobby's event
// handler chain. The sender must be a member. When no handler responds, a
// HANDLER_NOT_FOUND error goes back to the sender only.
func (c *Channel) BroadcastMessage(ctx context.Context, senderID string, frame *Frame) error {
	if !c.members.Has(senderID) {
		return channelError(StatusForbidden, c.name, "sender "+senderID+" is not a member")
	}
	return c.lobby.dispatchEvent(ctx, c, senderID, frame)
}

// TrackPresence inserts the presence document for userID, lazily creating
// the presence engine. Every mutation is broadcast to all members as a
// PRESENCE frame.
func (c *Channel) TrackPresence(userID string, document map[string]interface{}) error {
	if !c.members.Has(userID) {
		return channelError(StatusNotFound, c.name, "user "+userID+" is not a member")
	}
	c.ensurePresence()
	return c.presence.Track(userID, document)
}

// UpdatePresence shallow-merges the patch onto the tracked document.
func (c *Channel) UpdatePresence(userID string, patch map[string]interface{}) error {
	if c.presence == nil {
		return presenceError(StatusNotFound, c.name, string(PresenceUpdate),
			"no presence tracked on this channel")
	}
	return c.presence.Update(userID, patch)
}

// RemovePresence removes the tracked document for userID.
func (c *Channel) RemovePresence(userID string, graceful bool) error {
	if c.presence == nil {
		if graceful {
			return nil
		}
		return presenceError(StatusNotFound, c.name, string(PresenceLeave),
			"no presence tracked on this channel")
	}
	return c.presence.Remove(userID, graceful)
}

// GetPresence returns a snapshot of every tracked document in join order.
func (c *Channel) GetPresence() []map[string]interface{} {
	if c.presence == nil {
		return []map[string]interface{}{}
	}
	return c.presence.GetPresence()
}

func (c *Channel) ensurePresence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence != nil {
		return
	}
	c.presence = newPresenceEngine(c.name)
	c.unsubPresence = c.presence.Subscribe(func(event PresenceEvent) {
		c.delivery.Publish(Frame{
			Action:      ActionPresence,
			ChannelName: c.name,
			Event:       string(event.Type),
			Payload:     PresencePayload{Changed: event.Changed, Presence: event.Presence},
			RequestId:   uuid.NewString(),
		})
	})
}

// KickUser sends a private kicked_out notice to the user, removes it, then
// broadcasts a public kicked notice to the remaining members.
func (c *Channel) KickUser(userID, reason string) error {
	if !c.members.Has(userID) {
		return channelError(StatusNotFound, c.name, "user "+userID+" is not a member")
	}
	c.sendToUser(userID, Frame{
		Action:      ActionSystem,
		ChannelName: c.name,
		Event:       EventKickedOut,
		Payload:     map[string]interface{}{"message": reason},
	})
	if err := c.RemoveUser(userID, false); err != nil {
		return err
	}
	return c.SendMessage(ChannelSender, ToAll(), ActionSystem, EventKicked,
		map[string]interface{}{"userId": userID, "reason": reason})
}

// Destroy broadcasts a destroyed notice to every member, tells the owner to
// drop the channel, then force-unsubscribes everyone.
func (c *Channel) Destroy(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.delivery.Publish(Frame{
		Action:      ActionSystem,
		ChannelName: c.name,
		Event:       EventDestroyed,
		Payload:     map[string]interface{}{"message": reason},
		RequestId:   uuid.NewString(),
	})
	c.lobby.dropChannel(c.name)
	c.close()
	c.logger.Info().Str("reason", reason).Msg("channel destroyed")
}

func (c *Channel) close() {
	c.mu.Lock()
	c.destroyed = true
	unsubRemote := c.unsubRemote
	unsubPresence := c.unsubPresence
	c.unsubRemote = nil
	c.unsubPresence = nil
	c.mu.Unlock()

	if unsubRemote != nil {
		unsubRemote()
	}
	if unsubPresence != nil {
		unsubPresence()
	}
	c.delivery.Clear()
}

// replicate forwards a locally delivered broadcast to the pubsub backend so
// gateway processes holding other members of the same channel name can fan
// it out too.
func (c *Channel) replicate(sender string, recipients Recipients, frame Frame) {
	msg := &PubSubMessage{
		Type:        MessageTypeBroadcast,
		Endpoint:    c.lobby.endpointPath,
		ChannelName: c.name,
		Node:        c.lobby.nodeID,
		Sender:      sender,
		Mode:        recipients.mode,
		Recipients:  recipients.ids,
		Frame:       frame,
	}
	if err := c.lobby.pubsub.Broadcast(context.Background(), msg); err != nil {
		c.logger.Warn().Err(err).Msg("failed to replicate broadcast")
	}
}

// acceptRemote fans a broadcast replicated from another process out to the
// local members matching its recipient set. Ids that live on other nodes
// are skipped without error, as are messages this node published itself.
func (c *Channel) acceptRemote(msg *PubSubMessage) {
	if !msg.Valid() || msg.Node == c.lobby.nodeID {
		return
	}
	memberIDs := c.members.Keys()
	var keys []string
	switch msg.Mode {
	case addressAll:
		keys = memberIDs
	case addressAllExceptSender:
		for _, id := range memberIDs {
			if id != msg.Sender {
				keys = append(keys, id)
			}
		}
	case "":
		for _, id := range msg.Recipients {
			if c.members.Has(id) {
				keys = append(keys, id)
			}
		}
	default:
		return
	}
	c.delivery.PublishTo(keys, msg.Frame)
}

func (c *Channel) String() string {
	return fmt.Sprintf("Channel(%s, %d members)", c.name, c.members.Len())
}
