package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nodepool/gpusched/pkg/scheduler"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out Snapshot updates to subscribed websocket connections,
// grounded on the teacher's web_websocket.go broadcast pattern but
// scoped per scheduler identity rather than broadcast to every
// connection: a client watching "single/0" never sees "multi/2"
// updates. Implements scheduler.SnapshotSink.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *logrus.Entry
}

type subscriber struct {
	conn  *websocket.Conn
	write sync.Mutex
}

// NewHub builds an empty Hub.
func NewHub(logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{subs: make(map[string]map[*subscriber]struct{}), logger: logger}
}

// Publish implements scheduler.SnapshotSink: it pushes snap to every
// connection subscribed to its identity.
func (h *Hub) Publish(snap scheduler.Snapshot) {
	identity := scheduler.Identity(snap.Mode, snap.ConfigIndex)

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[identity]))
	for s := range h.subs[identity] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		h.send(identity, s, snap)
	}
}

func (h *Hub) send(identity string, s *subscriber, snap scheduler.Snapshot) {
	s.write.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := s.conn.WriteJSON(snap)
	s.write.Unlock()

	if err != nil {
		h.logger.WithError(err).Debug("websocket write failed, dropping subscriber")
		h.remove(identity, s)
		_ = s.conn.Close()
	}
}

func (h *Hub) add(identity string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[identity] == nil {
		h.subs[identity] = make(map[*subscriber]struct{})
	}
	h.subs[identity][s] = struct{}{}
}

func (h *Hub) remove(identity string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[identity], s)
	if len(h.subs[identity]) == 0 {
		delete(h.subs, identity)
	}
}

// Subscribers reports how many live connections are watching identity.
func (h *Hub) Subscribers(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[identity])
}

// ServeWS upgrades r into a websocket connection subscribed to
// identity, and blocks, pumping keepalive pings and draining incoming
// messages, until the connection closes.
func (h *Hub) ServeWS(identity string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	s := &subscriber{conn: conn}
	h.add(identity, s)
	defer h.remove(identity, s)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPingPeriod * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingPeriod * 2))
	})

	stopPing := make(chan struct{})
	go h.keepAlive(s, stopPing)
	defer close(stopPing)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) keepAlive(s *subscriber, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.write.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.write.Unlock()
			if err != nil {
				return
			}
		}
	}
}
