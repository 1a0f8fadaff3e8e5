// ConnectionContext is the request/response pair handed to the connection
// authorization handler during an upgrade. Like every response object it
// resolves exactly once; a second terminal call fails loudly.
package wavesock

import (
	"net/http"
	"sync"
)

// ConnectionContext carries the upgrade request and collects the handler's
// decision plus any frames to deliver right after the socket opens.
type ConnectionContext struct {
	userID  string
	request *http.Request
	route   *Route

	mu           sync.Mutex
	hasResponded bool
	accepted     bool
	declineCode  int
	declineMsg   string
	assigns      map[string]interface{}
	queued       []Frame
}

func newConnectionContext(userID string, request *http.Request, route *Route) *ConnectionContext {
	return &ConnectionContext{
		userID:  userID,
		request: request,
		route:   route,
		assigns: make(map[string]interface{}),
	}
}

// UserID returns the id assigned to this connection.
func (c *ConnectionContext) UserID() string { return c.userID }

// Request returns the original upgrade request.
func (c *ConnectionContext) Request() *http.Request { return c.request }

// Route returns the params and query extracted from the upgrade path.
func (c *ConnectionContext) Route() *Route { return c.route }

// SetAssigns attaches server-side metadata to the connection. Assigns are
// carried into every subsequent channel join and never sent to clients.
func (c *ConnectionContext) SetAssigns(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assigns[key] = value
}

// Assigns returns a copy of the connection's assigns.
func (c *ConnectionContext) Assigns() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneDocument(c.assigns)
}

// Accept resolves the context, allowing the upgrade to proceed.
func (c *ConnectionContext) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasResponded {
		return endpointError(StatusConflict, "connection response already resolved")
	}
	c.hasResponded = true
	c.accepted = true
	return nil
}

// Decline resolves the context, rejecting the upgrade with an HTTP status.
func (c *ConnectionContext) Decline(code int, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasResponded {
		return endpointError(StatusConflict, "connection response already resolved")
	}
	c.hasResponded = true
	c.declineCode = code
	c.declineMsg = message
	return nil
}

// Send accepts the connection and queues a SYSTEM frame that is delivered
// immediately after the socket opens, before any client frame is read.
func (c *ConnectionContext) Send(event string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasResponded && !c.accepted {
		return endpointError(StatusConflict, "connection response already resolved")
	}
	c.hasResponded = true
	c.accepted = true
	c.queued = append(c.queued, Frame{
		Action:  ActionSystem,
		Event:   event,
		Payload: payload,
	})
	return nil
}

func (c *ConnectionContext) responded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasResponded
}

func (c *ConnectionContext) decision() (accepted bool, code int, message string, queued []Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted, c.declineCode, c.declineMsg, append([]Frame(nil), c.queued...)
}
