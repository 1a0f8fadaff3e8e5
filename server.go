// A convenience HTTP server wrapping a manager, with graceful shutdown.
package wavesock

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server hosts a manager on its own http.Server.
type Server struct {
	manager *Manager
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer builds a server from the given options. Nil options use
// DefaultOptions on ":8080".
func NewServer(options *ServerOptions) *Server {
	if options == nil {
		options = &ServerOptions{}
	}
	manager := NewManager(options.Options)
	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		manager: manager,
		logger:  manager.logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      manager,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// Manager returns the underlying manager.
func (s *Server) Manager() *Manager { return s.manager }

// CreateEndpoint registers an endpoint on the underlying manager.
func (s *Server) CreateEndpoint(pattern string, handler ConnectionHandler) *Endpoint {
	return s.manager.CreateEndpoint(pattern, handler)
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("server starting")
	var err error
	if s.server.TLSConfig != nil {
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains the HTTP server, then tears down every connection.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	shutdownErr := s.server.Shutdown(ctx)
	closeErr := s.manager.Close()
	return combine(shutdownErr, closeErr)
}
