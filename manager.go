// The manager routes upgrade requests to endpoints by matching the request
// path against the registered endpoint patterns.
package wavesock

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type endpointEntry struct {
	pattern  string
	endpoint *Endpoint
}

// Manager is the root object of a gateway process: it owns the endpoints,
// the shared options, and the process node id used to filter replicated
// broadcasts.
type Manager struct {
	options *Options
	logger  zerolog.Logger
	nodeID  string

	mu        sync.RWMutex
	endpoints []endpointEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a manager from the given options. Nil options use
// DefaultOptions.
func NewManager(options *Options) *Manager {
	if options == nil {
		options = DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options: options,
		logger:  options.Logger.With().Str("component", "wavesock").Logger(),
		nodeID:  uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NodeID returns this process's replication identity.
func (m *Manager) NodeID() string { return m.nodeID }

// CreateEndpoint registers an endpoint under an upgrade path pattern. The
// handler authorizes each upgrade; nil auto-accepts.
func (m *Manager) CreateEndpoint(pattern string, handler ConnectionHandler) *Endpoint {
	endpoint := newEndpoint(m.ctx, pattern, m.nodeID, handler, m.options, m.logger)
	m.mu.Lock()
	m.endpoints = append(m.endpoints, endpointEntry{pattern: pattern, endpoint: endpoint})
	m.mu.Unlock()
	m.logger.Info().Str("endpoint", pattern).Msg("endpoint registered")
	return endpoint
}

// ServeHTTP matches the request path against the endpoint patterns, first
// match wins, and hands the request to that endpoint's upgrade flow.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Path
	if r.URL.RawQuery != "" {
		address += "?" + r.URL.RawQuery
	}

	m.mu.RLock()
	var target *Endpoint
	var route *Route
	for _, entry := range m.endpoints {
		if matched := match(entry.pattern, address); matched != nil {
			target = entry.endpoint
			route = matched
			break
		}
	}
	m.mu.RUnlock()

	if target == nil {
		http.NotFound(w, r)
		return
	}
	target.handleUpgrade(w, r, route)
}

// Close tears down every endpoint and the pubsub backend.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(m.endpoints))
	for _, entry := range m.endpoints {
		endpoints = append(endpoints, entry.endpoint)
	}
	m.mu.RUnlock()

	for _, endpoint := range endpoints {
		endpoint.close()
	}
	if m.options.PubSub != nil {
		return m.options.PubSub.Close()
	}
	return nil
}
