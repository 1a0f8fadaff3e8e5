// The connection gateway: accepts upgraded connections, runs the
// connection authorization handler, maintains the client registry, and
// dispatches JOIN_CHANNEL, LEAVE_CHANNEL and BROADCAST frames to the
// matching lobby.
package wavesock

import (
	"context"
	"net/http"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type lobbyEntry struct {
	pattern string
	lobby   *Lobby
}

// Endpoint is one upgrade path: its connections, its lobbies in match
// priority order, and its authorization handler.
type Endpoint struct {
	path    string
	nodeID  string
	options *Options
	logger  zerolog.Logger
	handler ConnectionHandler

	connections *store[*Conn]

	mu      sync.RWMutex
	lobbies []lobbyEntry

	upgrader websocket.Upgrader
	ctx      context.Context
}

func newEndpoint(ctx context.Context, path, nodeID string, handler ConnectionHandler, options *Options, logger zerolog.Logger) *Endpoint {
	e := &Endpoint{
		path:        path,
		nodeID:      nodeID,
		options:     options,
		logger:      logger.With().Str("endpoint", path).Logger(),
		handler:     handler,
		connections: newStore[*Conn](),
		ctx:         ctx,
	}
	e.upgrader = websocket.Upgrader{
		ReadBufferSize:    options.ReadBufferSize,
		WriteBufferSize:   options.WriteBufferSize,
		EnableCompression: options.EnableCompression,
		CheckOrigin:       e.checkOrigin,
	}
	return e
}

// CreateChannel registers a lobby for a channel path pattern. Registration
// order is match priority.
func (e *Endpoint) CreateChannel(pattern string, joinHandler JoinHandler) *Lobby {
	lobby := newLobby(pattern, nil, joinHandler, e)
	e.mu.Lock()
	e.lobbies = append(e.lobbies, lobbyEntry{pattern: pattern, lobby: lobby})
	e.mu.Unlock()
	return lobby
}

// CreateChannelRegexp registers a lobby whose channel names match a
// regular expression instead of a path pattern.
func (e *Endpoint) CreateChannelRegexp(re *regexp.Regexp, joinHandler JoinHandler) *Lobby {
	lobby := newLobby(re.String(), re, joinHandler, e)
	e.mu.Lock()
	e.lobbies = append(e.lobbies, lobbyEntry{pattern: re.String(), lobby: lobby})
	e.mu.Unlock()
	return lobby
}

// Path returns the upgrade path pattern this endpoint was registered under.
func (e *Endpoint) Path() string { return e.path }

// ListConnections returns the ids of every live connection.
func (e *Endpoint) ListConnections() []string { return e.connections.Keys() }

// GetConnection returns the live connection for an id.
func (e *Endpoint) GetConnection(connectionID string) (*Conn, error) {
	conn, err := e.connections.Read(connectionID)
	if err != nil {
		return nil, endpointError(StatusNotFound, "connection "+connectionID+" does not exist")
	}
	return conn, nil
}

// CloseConnection tears down one connection, removing it from every
// channel.
func (e *Endpoint) CloseConnection(connectionID string) error {
	conn, err := e.GetConnection(connectionID)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// Broadcast sends a server-originated message to every member of the named
// channel on this endpoint.
func (e *Endpoint) Broadcast(channelName, event string, payload interface{}) error {
	lobby, _ := e.findLobby(channelName)
	if lobby == nil {
		return endpointError(StatusNotFound, "no lobby pattern matches channel "+channelName)
	}
	return lobby.Broadcast(channelName, event, payload)
}

// handleUpgrade authorizes and upgrades one HTTP request into a live
// connection.
func (e *Endpoint) handleUpgrade(w http.ResponseWriter, r *http.Request, route *Route) {
	if e.options.MaxConnections > 0 && e.connections.Len() >= e.options.MaxConnections {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	connCtx := newConnectionContext(uuid.NewString(), r, route)
	if e.handler == nil {
		_ = connCtx.Accept()
	} else if err := e.handler(connCtx); err != nil {
		e.logger.Warn().Err(err).Msg("connection handler failed")
		http.Error(w, "connection refused", http.StatusInternalServerError)
		return
	}
	accepted, code, message, queued := connCtx.decision()
	if !accepted {
		if code == 0 {
			code = http.StatusUnauthorized
		}
		if message == "" {
			message = "connection refused"
		}
		http.Error(w, message, code)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	conn := newConn(e.ctx, ws, connCtx.UserID(), connCtx.Assigns(), e.options, e.logger)
	if err := e.connections.Create(conn.ID(), conn); err != nil {
		conn.Close()
		return
	}
	conn.setHandler(e.dispatch)
	conn.OnClose(func(c *Conn) {
		_ = e.connections.Delete(c.ID())
		e.removeFromAllLobbies(c.ID())
		e.options.Hooks.forget(c.ID())
		if m := e.options.Hooks.metrics(); m != nil {
			m.ConnectionClosed(e.path)
		}
	})

	if m := e.options.Hooks.metrics(); m != nil {
		m.ConnectionOpened(e.path)
	}

	greeting := Frame{
		Action:  ActionConnect,
		Event:   EventConnection,
		Payload: map[string]interface{}{"connectionId": conn.ID()},
	}
	conn.start(append([]Frame{greeting}, queued...))
	e.logger.Debug().Str("connection", conn.ID()).Msg("connection established")
}

// dispatch routes one validated inbound frame. Handler failures become an
// ERROR frame to the sender; the connection stays open for every protocol
// error.
func (e *Endpoint) dispatch(ctx context.Context, conn *Conn, frame *Frame) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("connection", conn.ID()).Msg("handler panic recovered")
			conn.sendError(endpointError(StatusInternalServerError, "internal handler failure"))
		}
	}()

	if !e.options.Hooks.allow(conn.ID()) {
		if m := e.options.Hooks.metrics(); m != nil {
			m.FrameRejected(e.path, "rate_limited")
		}
		conn.sendError(endpointError(StatusTooManyRequests, "rate limit exceeded"))
		return
	}
	if m := e.options.Hooks.metrics(); m != nil {
		m.FrameReceived(e.path, frame.Action)
	}

	ctx = context.WithValue(ctx, connContextKey, conn)

	var err error
	switch frame.Action {
	case ActionJoinChannel:
		err = e.handleJoin(conn, frame)
	case ActionLeaveChannel:
		err = e.handleLeave(conn, frame)
	case ActionBroadcast:
		err = e.handleBroadcast(ctx, conn, frame)
	default:
		err = protocolError("unknown action: " + string(frame.Action))
	}
	if err != nil {
		if m := e.options.Hooks.metrics(); m != nil {
			m.Error("dispatch", err)
		}
		conn.sendError(err)
	}
}

func (e *Endpoint) handleJoin(conn *Conn, frame *Frame) error {
	lobby, route := e.findLobby(frame.ChannelName)
	if lobby == nil {
		return endpointError(StatusNotFound, "no lobby pattern matches channel "+frame.ChannelName)
	}
	channel := lobby.getOrCreateChannel(frame.ChannelName, route)
	joinCtx := newJoinContext(conn, channel, frame, route)

	err := lobby.authorizeJoin(joinCtx)

	// A declined join may have created the channel for nothing; an empty
	// instance must not linger.
	channel.dropIfEmpty()
	if err != nil {
		return err
	}
	// Accept may have landed the member on a fresh instance.
	channel = joinCtx.Channel()
	if channel.Has(conn.ID()) {
		if m := e.options.Hooks.metrics(); m != nil {
			m.ChannelJoined(e.path, channel.name)
		}
	}
	return nil
}

func (e *Endpoint) handleLeave(conn *Conn, frame *Frame) error {
	lobby, _ := e.findLobby(frame.ChannelName)
	if lobby == nil {
		return endpointError(StatusNotFound, "no lobby pattern matches channel "+frame.ChannelName)
	}
	channel, err := lobby.GetChannel(frame.ChannelName)
	if err != nil {
		return err
	}
	if err := channel.RemoveUser(conn.ID(), false); err != nil {
		return err
	}
	conn.forgetChannel(frame.ChannelName)
	conn.sendFrame(Frame{
		Action:      ActionSystem,
		ChannelName: frame.ChannelName,
		Event:       EventExitAcknowledge,
		Payload:     map[string]interface{}{"userId": conn.ID()},
		RequestId:   frame.RequestId,
	})
	if m := e.options.Hooks.metrics(); m != nil {
		m.ChannelLeft(e.path, frame.ChannelName)
	}
	return nil
}

func (e *Endpoint) handleBroadcast(ctx context.Context, conn *Conn, frame *Frame) error {
	lobby, _ := e.findLobby(frame.ChannelName)
	if lobby == nil {
		return endpointError(StatusNotFound, "no lobby pattern matches channel "+frame.ChannelName)
	}
	channel, err := lobby.GetChannel(frame.ChannelName)
	if err != nil {
		return err
	}
	return channel.BroadcastMessage(ctx, conn.ID(), frame)
}

// findLobby matches a channel name against the registered lobby patterns
// in registration order. First match wins.
func (e *Endpoint) findLobby(channelName string) (*Lobby, *Route) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, entry := range e.lobbies {
		if route := entry.lobby.matchName(channelName); route != nil {
			return entry.lobby, route
		}
	}
	return nil, nil
}

func (e *Endpoint) removeFromAllLobbies(connectionID string) {
	e.mu.RLock()
	lobbies := make([]*Lobby, 0, len(e.lobbies))
	for _, entry := range e.lobbies {
		lobbies = append(lobbies, entry.lobby)
	}
	e.mu.RUnlock()
	for _, lobby := range lobbies {
		lobby.removeUserFromAll(connectionID)
	}
}

func (e *Endpoint) checkOrigin(r *http.Request) bool {
	if !e.options.CheckOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range e.options.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	for _, re := range e.options.AllowedOriginRegexps {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// close tears down every connection of this endpoint.
func (e *Endpoint) close() {
	for _, conn := range e.connections.Values() {
		conn.Close()
	}
}
