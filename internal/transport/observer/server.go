package observer

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"citysim.ai/internal/observerproto"
)

const (
	maxFilterIDs  = 256
	sendQueue     = 8
	writeWait     = 5 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	subscribeWait = 5 * time.Second
)

// Source is what the bootstrap endpoint reports about the running engine.
type Source interface {
	LastTick() (uint64, time.Time)
	Timezone() string
	ActivityTypes() []string
}

// Server streams tick reports to loopback observers over WebSocket.
type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id   string
	out  chan []byte
	filt atomic.Pointer[observerproto.Filter]
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			// Only loopback peers get past the handlers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Sessions is the number of connected observers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Broadcast queues m for every session. Slow sessions drop ticks rather than
// hold up the engine.
func (s *Server) Broadcast(m observerproto.TickMsg) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	var unfiltered []byte
	for _, sess := range targets {
		f := sess.filt.Load()
		var (
			b   []byte
			err error
		)
		switch {
		case f != nil:
			b, err = json.Marshal(m.Only(f))
		case unfiltered != nil:
			b = unfiltered
		default:
			unfiltered, err = json.Marshal(m)
			b = unfiltered
		}
		if err != nil {
			s.logf("observer: encode tick %d: %v", m.Tick, err)
			return
		}
		select {
		case sess.out <- b:
		default:
			s.logf("observer %s: dropping tick %d", sess.id, m.Tick)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		tick, at := s.src.LastTick()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            tick,
			Time:            at,
			Timezone:        s.src.Timezone(),
			ActivityTypes:   s.src.ActivityTypes(),
		})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first frame must be a SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(subscribeWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sess := &session{
			id:  fmt.Sprintf("O%d", s.nextID.Add(1)),
			out: make(chan []byte, sendQueue),
		}
		sess.filt.Store(observerproto.NewFilter(sub))
		s.register(sess)
		defer s.unregister(sess)

		done := make(chan struct{})
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			s.writeLoop(conn, sess, done)
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := decodeSubscribe(msg); ok {
				sess.filt.Store(observerproto.NewFilter(sub))
			}
		}
		close(done)

		select {
		case <-stopped:
		case <-time.After(500 * time.Millisecond):
		}
		closeWith(conn, websocket.CloseNormalClosure, "bye")
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sess *session, done <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case b := <-sess.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logf("observer %s: write: %v", sess.id, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logf("observer %s: subscribed", sess.id)
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if len(sub.Citizens) > maxFilterIDs {
		sub.Citizens = sub.Citizens[:maxFilterIDs]
	}
	if len(sub.ActivityTypes) > maxFilterIDs {
		sub.ActivityTypes = sub.ActivityTypes[:maxFilterIDs]
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}
