// Package wavesock is a real-time channel messaging core. It accepts
// persistent bidirectional connections, groups clients into named,
// pattern-addressed channels, tracks per-client presence, and routes typed
// events between clients and server-side handlers.
//
// This file holds the wire envelope, the action and event constants, the
// recipient addressing model, and the configuration structs.
package wavesock

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Action identifies the kind of frame travelling over a connection.
// Clients send JOIN_CHANNEL, LEAVE_CHANNEL and BROADCAST; the server sends
// SYSTEM, BROADCAST, ERROR, PRESENCE and CONNECT.
type Action string

const (
	ActionJoinChannel  Action = "JOIN_CHANNEL"
	ActionLeaveChannel Action = "LEAVE_CHANNEL"
	ActionBroadcast    Action = "BROADCAST"
	ActionSystem       Action = "SYSTEM"
	ActionError        Action = "ERROR"
	ActionPresence     Action = "PRESENCE"
	ActionConnect      Action = "CONNECT"
)

// System event names carried in SYSTEM frames.
const (
	EventAcknowledge     = "ACKNOWLEDGE"
	EventExitAcknowledge = "EXIT_ACKNOWLEDGE"
	EventConnection      = "CONNECTION"
	EventKicked          = "kicked"
	EventKickedOut       = "kicked_out"
	EventDestroyed       = "destroyed"
)

// Error event names carried in ERROR frames.
const (
	ErrorEventUnauthorizedJoin = "UNAUTHORIZED_JOIN_REQUEST"
	ErrorEventHandlerNotFound  = "HANDLER_NOT_FOUND"
	ErrorEventInvalidMessage   = "INVALID_MESSAGE"
	ErrorEventChannelError     = "CHANNEL_ERROR"
	ErrorEventPresenceError    = "PRESENCE_ERROR"
	ErrorEventEndpointError    = "ENDPOINT_ERROR"
	ErrorEventInternal         = "INTERNAL_SERVER_ERROR"
)

// ChannelSender is the sentinel sender identity used for messages that
// originate from the channel itself rather than from a member.
const ChannelSender = "channel"

// Symbolic addressing modes resolved against current membership at send time.
const (
	addressAll             = "all_users"
	addressAllExceptSender = "all_except_sender"
)

// Frame is the wire envelope: one JSON object per text frame, in both
// directions. Addresses is only meaningful on client BROADCAST frames.
type Frame struct {
	Action      Action        `json:"action"`
	ChannelName string        `json:"channelName"`
	Event       string        `json:"event"`
	Payload     interface{}   `json:"payload"`
	Addresses   *AddressField `json:"addresses,omitempty"`
	RequestId   string        `json:"requestId,omitempty"`
}

// validateInbound reports whether a client frame carries the required
// envelope fields. The connection stays open either way; a failing frame is
// answered with an INVALID_MESSAGE error frame.
func (f *Frame) validateInbound() bool {
	return f.Action != "" && f.ChannelName != "" && f.Payload != nil
}

// AddressField encodes the addresses member of a client frame, which is
// either one of the symbolic sentinels or an explicit list of client ids.
type AddressField struct {
	mode string
	ids  []string
}

// AddressAll addresses every member of the channel. Equivalent to leaving
// the field absent.
func AddressAll() *AddressField { return &AddressField{mode: addressAll} }

// AddressAllExceptSender addresses every member except the sender.
func AddressAllExceptSender() *AddressField { return &AddressField{mode: addressAllExceptSender} }

// AddressTo addresses an explicit list of member ids.
func AddressTo(ids []string) *AddressField {
	cloned := make([]string, len(ids))
	copy(cloned, ids)
	return &AddressField{ids: cloned}
}

func (a *AddressField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.mode = s
		a.ids = nil
		return nil
	}
	a.mode = ""
	return json.Unmarshal(data, &a.ids)
}

func (a AddressField) MarshalJSON() ([]byte, error) {
	if a.mode != "" {
		return json.Marshal(a.mode)
	}
	return json.Marshal(a.ids)
}

// recipients converts the field into the addressing model used by the
// channel engine. A nil field defaults to every member.
func (a *AddressField) recipients() Recipients {
	if a == nil {
		return ToAll()
	}
	switch a.mode {
	case addressAll:
		return ToAll()
	case addressAllExceptSender:
		return ToAllExceptSender()
	case "":
		return To(a.ids...)
	default:
		return Recipients{mode: a.mode}
	}
}

// Recipients describes the target set of a channel message: every member,
// every member except the sender, or an explicit id list.
type Recipients struct {
	mode string
	ids  []string
}

// ToAll addresses every current member.
func ToAll() Recipients { return Recipients{mode: addressAll} }

// ToAllExceptSender addresses every current member except the sender.
// It is illegal when the sender is the channel itself.
func ToAllExceptSender() Recipients { return Recipients{mode: addressAllExceptSender} }

// To addresses an explicit list of member ids. Every id must be a current
// member at send time or the send fails without any delivery.
func To(ids ...string) Recipients {
	cloned := make([]string, len(ids))
	copy(cloned, ids)
	return Recipients{ids: cloned}
}

// User is a connected client as seen by one channel: its id, its
// server-side assigns (never sent to clients) and its presence document.
type User struct {
	UserID   string
	Assigns  map[string]interface{}
	Presence map[string]interface{}
}

// PresencePayload is the payload of every PRESENCE frame: the document that
// changed plus a full snapshot of all documents in insertion order.
type PresencePayload struct {
	Changed  map[string]interface{}   `json:"changed"`
	Presence []map[string]interface{} `json:"presence"`
}

// ErrorPayload is the payload of every ERROR frame.
type ErrorPayload struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

// ConnectionHandler authorizes a connection upgrade. It must resolve the
// context exactly once via Accept, Decline or Send.
type ConnectionHandler func(ctx *ConnectionContext) error

// JoinHandler authorizes a channel join. It must resolve the context
// exactly once via Accept or Decline before returning.
type JoinHandler func(ctx *JoinContext) error

// EventHandler processes one client-originated broadcast that matched the
// handler's event pattern.
type EventHandler func(ctx *EventContext) error

// LeaveHandler observes a member's removal from a channel.
type LeaveHandler func(user User, reason string)

// Options configures connection behavior for a gateway and everything
// beneath it.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendBuffer           int
	MaxConnections       int
	EnableCompression    bool

	// TopicPrefix keys the cross-process broadcast topic space.
	TopicPrefix string

	// PubSub, when set, replicates channel broadcasts across processes.
	PubSub PubSub

	Hooks  *Hooks
	Logger zerolog.Logger
}

// ServerOptions configures the HTTP server hosting the gateways.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}

// DefaultOptions returns a configuration suitable for most deployments:
// all origins accepted, 512KB frames, 30s pings with a 60s pong window,
// and no cross-process replication.
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:     false,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		SendBuffer:      256,
		TopicPrefix:     "wavesock",
		Logger:          zerolog.Nop(),
	}
}

type contextKey string

const connContextKey contextKey = "wavesock:connection"

// ConnFromContext recovers the dispatching connection from a handler
// context. It is nil outside a frame dispatch.
func ConnFromContext(ctx context.Context) *Conn {
	c, _ := ctx.Value(connContextKey).(*Conn)
	return c
}
