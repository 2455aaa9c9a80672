// Package bridge exposes the interaction loop to a UI over a websocket and
// serves prometheus metrics on the same listener.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nomix/foxy/internal/bus"
	"github.com/nomix/foxy/internal/logging"
	"github.com/nomix/foxy/internal/metrics"
	"github.com/nomix/foxy/internal/orchestrator"
)

// Controller is the part of the orchestrator a UI drives.
type Controller interface {
	SubmitText(text, image string) error
	StartListening() error
	Stop() error
	SwitchScreen(screen orchestrator.Screen) error
	StartVision() error
	StopVision() error
	State() orchestrator.Snapshot
}

// Message is the websocket frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type messageData struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

type screenData struct {
	Screen string `json:"screen"`
}

type visionData struct {
	Enabled bool `json:"enabled"`
}

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// Server is a websocket hub. Every connected client receives bus events and
// log entries.
type Server struct {
	ctrl     Controller
	upgrader websocket.Upgrader
	origins  []string
	unsub    func()
	logger   zerolog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	srv     *http.Server
	addr    string
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins sets the browser origins allowed to connect. Clients
// that send no Origin header are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = nil
		for _, o := range origins {
			if o = strings.TrimSpace(o); o != "" {
				s.origins = append(s.origins, o)
			}
		}
	}
}

// New builds a server. It subscribes to every event on b in publish order
// and, when logs is not nil, streams its entries.
func New(ctrl Controller, b *bus.EventBus, logs *logging.Logger, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		ctrl:    ctrl,
		logger:  logger.With().Str("component", "bridge").Logger(),
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	if b != nil {
		s.unsub = b.SubscribeAllOrdered(func(e bus.Event) {
			s.broadcast(outgoing{Type: string(e.Type), Data: e.Data})
		})
	}
	if logs != nil {
		logs.SetOnLog(func(e logging.Entry) {
			s.broadcast(outgoing{Type: "log", Data: e})
		})
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("websocket origin rejected")
	return false
}

// Handler serves /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("bridge server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str("addr", s.addr).Msg("bridge listening")
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	unsub := s.unsub
	s.unsub = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, c := range clients {
		c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	metrics.BridgeClients.Set(float64(n))
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	go s.writeLoop(c)
	s.sendTo(c, outgoing{Type: "state", Data: s.ctrl.State()})

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		n := len(s.clients)
		s.mu.Unlock()
		metrics.BridgeClients.Set(float64(n))
		c.close()
		conn.Close()
		s.logger.Debug().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if err := s.handle(c, msg); err != nil {
			s.sendTo(c, outgoing{Type: "error", Data: map[string]string{
				"command": msg.Type,
				"message": err.Error(),
			}})
		}
	}
}

func (s *Server) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Debug().Err(err).Msg("websocket write failed")
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}

// handle runs one client command.
func (s *Server) handle(c *client, msg Message) error {
	switch msg.Type {
	case "message":
		var d messageData
		if err := decode(msg.Data, &d); err != nil {
			return err
		}
		return s.ctrl.SubmitText(d.Text, d.Image)
	case "listen":
		return s.ctrl.StartListening()
	case "stop":
		return s.ctrl.Stop()
	case "screen":
		var d screenData
		if err := decode(msg.Data, &d); err != nil {
			return err
		}
		return s.ctrl.SwitchScreen(orchestrator.Screen(d.Screen))
	case "vision":
		var d visionData
		if err := decode(msg.Data, &d); err != nil {
			return err
		}
		if d.Enabled {
			return s.ctrl.StartVision()
		}
		return s.ctrl.StopVision()
	case "state":
		s.sendTo(c, outgoing{Type: "state", Data: s.ctrl.State()})
		return nil
	default:
		return fmt.Errorf("unknown command %q", msg.Type)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}
	return nil
}

func (s *Server) sendTo(c *client, m outgoing) {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Error().Err(err).Str("type", m.Type).Msg("encode failed")
		return
	}
	s.enqueue(c, data)
}

func (s *Server) broadcast(m outgoing) {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Error().Err(err).Str("type", m.Type).Msg("encode failed")
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		s.enqueue(c, data)
	}
}

// enqueue drops the frame when the client is not keeping up. It must not
// log: log entries are broadcast too.
func (s *Server) enqueue(c *client, data []byte) {
	defer func() {
		// send on a client closed by a concurrent disconnect
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
	}
}
