package api

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/store"
)

// CloseReasonNotFound is sent with close code 1008 for unknown jobs
const CloseReasonNotFound = "Training job not found"

type wsConfig struct {
	origins      []string
	writeTimeout time.Duration
	pongWait     time.Duration
	pingPeriod   time.Duration
}

func defaultWSConfig() wsConfig {
	return wsConfig{
		writeTimeout: 10 * time.Second,
		pongWait:     60 * time.Second,
		pingPeriod:   50 * time.Second,
	}
}

func (c wsConfig) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(c.origins) == 0 {
		return true
	}
	for _, o := range c.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	// same-host clients are always allowed
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// wsSubscriber delivers hub messages over one websocket. Writes are
// serialized by mu; control frames use WriteControl, which is safe
// alongside them.
type wsSubscriber struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (s *wsSubscriber) Send(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("websocket closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSubscriber) sendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("websocket closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a normal close frame and releases the connection
func (s *wsSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// TrainingWebSocket streams live updates for one job. The first frame is a
// full status snapshot; "ping" is answered with "pong" and "status" with a
// fresh snapshot.
func (h *Handler) TrainingWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.ws.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"job_id": id, "error": err.Error()})
		return
	}
	logger := h.logger.WithFields(map[string]interface{}{"job_id": id, "request_id": RequestID(r.Context())})

	sub := &wsSubscriber{conn: conn, writeTimeout: h.ws.writeTimeout}
	if err := h.trainings.Subscribe(id, sub); err != nil {
		code, reason := websocket.CloseInternalServerErr, "subscription failed"
		if errors.Is(err, store.ErrJobNotFound) {
			code, reason = websocket.ClosePolicyViolation, CloseReasonNotFound
		}
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	logger.Debug("WebSocket subscribed")

	defer func() {
		h.trainings.Unsubscribe(id, sub)
		sub.Close()
		logger.Debug("WebSocket closed")
	}()

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(conn, done)

	h.readLoop(conn, sub, id, logger)
}

func (h *Handler) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.ws.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.ws.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, sub *wsSubscriber, id string, logger *logging.Logger) {
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(h.ws.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.ws.pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket read failed", map[string]interface{}{"error": err.Error()})
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.ws.pongWait))

		switch string(data) {
		case "ping":
			err = sub.sendText("pong")
		case "status":
			var job *models.Job
			if job, err = h.trainings.Get(id); err == nil {
				err = sub.Send(models.NewSnapshotMessage(job))
			}
		}
		if err != nil {
			return
		}
	}
}
