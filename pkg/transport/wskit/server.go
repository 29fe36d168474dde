package wskit

import (
	"context"
	"errors"
	"net/http"

	"github.com/fgrzl/mux"
	"github.com/fgrzl/pushkit/pkg/endpoint"
	"github.com/fgrzl/pushkit/pkg/metrics"
	"golang.org/x/net/websocket"
)

var errOriginRejected = errors.New("origin rejected")

// ServerOptions configures the websocket routes.
type ServerOptions struct {
	// Metrics records connection and call metrics. Nil disables metrics.
	Metrics *metrics.Collector

	// MaxFrameBytes limits the size of a request frame. Zero uses the
	// websocket package default.
	MaxFrameBytes int

	// CheckOrigin accepts or rejects the handshake. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// ConfigureWebSocketServer adds one websocket route per endpoint, at "/" + name.
func ConfigureWebSocketServer(router *mux.Router, manager endpoint.Manager, options *ServerOptions) {
	if options == nil {
		options = &ServerOptions{}
	}
	server := &webSocketServer{
		manager: manager,
		options: options,
	}
	for _, name := range manager.Names() {
		router.GET("/"+name, server.connect(name))
	}
}

type webSocketServer struct {
	manager endpoint.Manager
	options *ServerOptions
}

func (s *webSocketServer) connect(name string) func(c *mux.RouteContext) {
	return func(c *mux.RouteContext) {
		ep, ok := s.manager.Get(name)
		if !ok {
			c.ServerError("Could not connect", "unknown endpoint "+name)
			return
		}

		handler := &webSocketHandler{
			ctx:      c.Request.Context(),
			endpoint: ep,
			options:  s.options,
		}

		server := websocket.Server{
			Handshake: s.handshake,
			Handler:   handler.handle,
		}
		server.ServeHTTP(c.Response, c.Request)
	}
}

func (s *webSocketServer) handshake(_ *websocket.Config, r *http.Request) error {
	if s.options.CheckOrigin != nil && !s.options.CheckOrigin(r) {
		return errOriginRejected
	}
	return nil
}

type webSocketHandler struct {
	ctx      context.Context
	endpoint *endpoint.Endpoint
	options  *ServerOptions
}

func (h *webSocketHandler) handle(conn *websocket.Conn) {
	if h.options.MaxFrameBytes > 0 {
		conn.MaxPayloadBytes = h.options.MaxFrameBytes
	}
	NewWebSocketMuxer(h.ctx, h.endpoint, NewSession(conn), h.options.Metrics).Serve()
}
