package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/netdebug/SignalR/internal/monitoring"
	"github.com/netdebug/SignalR/messagebus"
)

const (
	// writeWait bounds a single write syscall to a client.
	writeWait = 10 * time.Second

	// pingPeriod is how often idle connections are pinged.
	pingPeriod = 30 * time.Second
)

// Server is the WebSocket delivery surface of the bus. Every accepted
// socket becomes one bus subscriber; batches flow from engine workers into
// per-client send buffers and out through the write pumps.
type Server struct {
	cfg     *Config
	bus     *messagebus.MessageBus
	logger  zerolog.Logger
	monitor *monitoring.SystemMonitor

	httpServer *http.Server

	clients        sync.Map // *client -> struct{}
	clientCount    atomic.Int64
	currentConns   atomic.Int64
	connectionsSem chan struct{}
	shuttingDown   atomic.Int32

	wg sync.WaitGroup
}

// NewServer wires the gateway around an existing bus.
func NewServer(cfg *Config, bus *messagebus.MessageBus, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		bus:            bus,
		logger:         logger.With().Str("component", "gateway").Logger(),
		monitor:        monitoring.NewSystemMonitor(logger),
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{Addr: cfg.Addr, Handler: mux}

	return s
}

// Start begins serving. It returns once the listener is running; serve
// errors after that are logged.
func (s *Server) Start() error {
	s.monitor.Start(s.cfg.MetricsInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer monitoring.RecoverPanic(s.logger, "http_listener")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("gateway started")
	return nil
}

// Shutdown rejects new connections, closes every client, and stops the
// HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(1)

	s.clients.Range(func(key, _ any) bool {
		s.disconnect(key.(*client))
		return true
	})

	err := s.httpServer.Shutdown(ctx)
	s.monitor.Stop()
	s.wg.Wait()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		connectionsFailed.Inc()
		s.logger.Warn().
			Int64("current_connections", s.currentConns.Load()).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("connection rejected, at capacity")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		connectionsFailed.Inc()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newClient(s.clientCount.Add(1), conn, s, s.cfg.SendBufferSize)
	s.clients.Store(c, struct{}{})
	connectionsTotal.Inc()
	connectionsActive.Set(float64(s.currentConns.Add(1)))

	s.logger.Info().
		Int64("client_id", c.id).
		Int64("current_connections", s.currentConns.Load()).
		Msg("client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// disconnect releases everything held for the client. Idempotent through
// the client's closeOnce.
func (s *Server) disconnect(c *client) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	c.close()
	connectionsActive.Set(float64(s.currentConns.Add(-1)))
	<-s.connectionsSem
	s.logger.Info().Int64("client_id", c.id).Msg("client disconnected")
}

// readPump parses client frames until the socket dies.
func (s *Server) readPump(c *client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "read_pump")
	defer s.disconnect(c)

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("read failed")
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		messagesReceived.Inc()

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError(c, fmt.Sprintf("malformed frame: %v", err))
			continue
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *client, frame clientFrame) {
	switch frame.Type {
	case "subscribe":
		if len(frame.Topics) == 0 {
			s.sendError(c, "subscribe requires at least one topic")
			return
		}
		if err := c.subscribe(frame.Topics, frame.Cursor); err != nil {
			s.sendError(c, err.Error())
		}
	case "unsubscribe":
		c.unsubscribe(frame.Topics)
	case "publish":
		if frame.Topic == "" {
			s.sendError(c, "publish requires a topic")
			return
		}
		s.bus.Publish(messagebus.Message{Key: frame.Topic, Value: frame.Data})
	case "cursor":
		s.sendFrame(c, serverFrame{
			Type:   "cursor",
			Topic:  frame.Topic,
			Cursor: s.bus.GetCursor(frame.Topic),
		})
	default:
		s.sendError(c, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Server) sendError(c *client, msg string) {
	s.sendFrame(c, serverFrame{Type: "error", Error: msg})
}

func (s *Server) sendFrame(c *client, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

// writePump batches messages and writes them to the WebSocket connection.
// This is a hot path, so queued frames are coalesced into one flush.
func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "write_pump")

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.disconnect(c)
	}()

	for {
		select {
		case <-c.done:
			wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.writeFrame(writer, c, message); err != nil {
				return
			}

			// Coalesce whatever else is already queued into this flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := s.writeFrame(writer, c, <-c.send); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("ping failed")
				return
			}
		}
	}
}

func (s *Server) writeFrame(writer *bufio.Writer, c *client, message []byte) error {
	if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
		s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("write failed")
		return err
	}
	messagesSent.Inc()
	bytesSent.Add(float64(len(message)))
	return nil
}

// healthResponse is the /health payload.
type healthResponse struct {
	Status           string                  `json:"status"`
	Connections      int64                   `json:"connections"`
	MaxConnections   int                     `json:"max_connections"`
	AllocatedWorkers int                     `json:"allocated_workers"`
	BusyWorkers      int                     `json:"busy_workers"`
	Process          monitoring.ProcessStats `json:"process"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:           "ok",
		Connections:      s.currentConns.Load(),
		MaxConnections:   s.cfg.MaxConnections,
		AllocatedWorkers: s.bus.AllocatedWorkers(),
		BusyWorkers:      s.bus.BusyWorkers(),
		Process:          s.monitor.Stats(),
	}
	if s.shuttingDown.Load() == 1 {
		resp.Status = "shutting_down"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
