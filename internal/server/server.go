package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/obd-telemetry/internal/controller"
	"github.com/shaunagostinho/obd-telemetry/internal/diag"
	"github.com/shaunagostinho/obd-telemetry/internal/logger"
	"github.com/shaunagostinho/obd-telemetry/internal/telemetry"
)

// SessionInfo is the session state shown on the status page.
type SessionInfo interface {
	IsConnected() bool
	Name() string
	VIN() string
	ID() string
	NextConnect() time.Time
}

// Publisher forwards each cycle to an external consumer.
type Publisher interface {
	Publish(pos *telemetry.Position, session, device string) error
}

// Server runs the collection cycle and broadcasts results to WebSocket clients.
type Server struct {
	cfg    *Config
	ctrl   *controller.Controller
	sess   SessionInfo
	rec    *diag.Recorder
	webFS  fs.FS
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	lastMu sync.Mutex
	last   *TelemetryFrame

	pubMu sync.RWMutex
	pub   Publisher
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Telemetry *TelemetryFrame `json:"telemetry,omitempty"`
	Event     *diag.Event     `json:"event,omitempty"`
	Status    *Status         `json:"status,omitempty"`
	Stamp     int64           `json:"stamp"` // Unix ms
}

// TelemetryFrame is one collected cycle.
type TelemetryFrame struct {
	Session string            `json:"session"`
	Time    time.Time         `json:"time"`
	Fields  map[string]string `json:"fields"`
}

// Status describes the adapter link.
type Status struct {
	Enabled     bool         `json:"enabled"`
	Connected   bool         `json:"connected"`
	Device      string       `json:"device"`
	VIN         string       `json:"vin,omitempty"`
	Session     string       `json:"session,omitempty"`
	NextConnect *time.Time   `json:"nextConnect,omitempty"`
	Events      []diag.Event `json:"events,omitempty"`
}

// New creates a new Server. Diagnostic events recorded by rec are pushed to
// WebSocket clients as they happen.
func New(cfg *Config, ctrl *controller.Controller, sess SessionInfo, rec *diag.Recorder, webFS fs.FS) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		sess:    sess,
		rec:     rec,
		webFS:   webFS,
		logger:  logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if rec != nil {
		rec.Subscribe(func(ev diag.Event) {
			s.broadcast(Frame{Event: &ev, Stamp: ev.Time.UnixMilli()})
		})
	}
	return s
}

// SetPublisher attaches an external publisher; nil detaches it. It may be
// called while the server runs.
func (s *Server) SetPublisher(p Publisher) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.pub = p
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

// Run starts the HTTP server and the collection loop.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Queue the current state before the client becomes visible to
	// broadcast, so it always arrives first.
	s.lastMu.Lock()
	last := s.last
	s.lastMu.Unlock()
	if data, err := json.Marshal(Frame{Status: s.status(), Telemetry: last, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) status() *Status {
	st := &Status{Enabled: s.ctrl != nil && s.ctrl.Enabled()}
	if s.sess != nil {
		st.Connected = s.sess.IsConnected()
		st.Device = s.sess.Name()
		st.VIN = s.sess.VIN()
		if st.Connected {
			st.Session = s.sess.ID()
		}
		if next := s.sess.NextConnect(); next.After(time.Now()) {
			st.NextConnect = &next
		}
	}
	if s.rec != nil {
		st.Events = s.rec.Status()
	}
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	data, err := json.Marshal(s.status())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		prev, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Validate(); err != nil {
			s.cfg.UpdateFromJSON(prev)
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// The recorder can follow at runtime; link settings apply on restart.
		s.logger.SetEnabled(s.cfg.Logging.Enabled)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// pollLoop runs a collection cycle immediately and then once per interval.
func (s *Server) pollLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Telemetry.IntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.logger.Close()

	s.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle collects one position and hands it to clients, the CSV recorder and
// the publisher. It returns the collected position.
func (s *Server) Cycle(ctx context.Context) *telemetry.Position {
	pos := telemetry.NewPosition(time.Now())
	s.ctrl.Collect(ctx, pos)

	now := time.Now().UnixMilli()
	if pos.Len() == 0 {
		s.broadcast(Frame{Status: s.status(), Stamp: now})
		return pos
	}

	id := s.sess.ID()
	frame := &TelemetryFrame{Session: id, Time: pos.Time, Fields: pos.Fields()}
	s.lastMu.Lock()
	s.last = frame
	s.lastMu.Unlock()

	s.broadcast(Frame{Telemetry: frame, Status: s.status(), Stamp: now})
	s.logger.Record(pos, id)

	s.pubMu.RLock()
	pub := s.pub
	s.pubMu.RUnlock()
	if pub != nil {
		if err := pub.Publish(pos, id, s.sess.Name()); err != nil {
			log.Printf("[nats] %v", err)
		}
	}
	return pos
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
