package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"parable-server/internal/messaging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Время, разрешенное для записи сообщения клиенту.
	writeWait = 10 * time.Second
	// Время ожидания pong от клиента.
	pongWait = 60 * time.Second
	// Период пингов. Должен быть меньше pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Максимальный размер сообщения от клиента.
	maxMessageSize = 512
	sendBuffer     = 64
)

// client - одно websocket соединение пользователя.
type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// EventHub держит живые websocket соединения и доставляет события сессий
// всем соединениям владельца сессии. Реализует messaging.Notifier.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

var _ messaging.Notifier = (*EventHub)(nil)

// NewEventHub создает хаб. allowedOrigins пустой - разрешены все источники.
func NewEventHub(allowedOrigins []string, logger *zap.Logger) *EventHub {
	h := &EventHub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Named("EventHub"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Notify ставит событие в очередь всех соединений пользователя. Медленные
// клиенты с переполненной очередью пропускают событие.
func (h *EventHub) Notify(_ context.Context, ev messaging.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[ev.Session.UserID] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("Client queue is full, dropping event", zap.String("userID", c.userID), zap.String("type", string(ev.Type)))
		}
	}
	return nil
}

// Connections возвращает количество соединений пользователя.
func (h *EventHub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Close закрывает все соединения.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, userID)
	}
}

// serveWS поднимает websocket соединение для пользователя из контекста запроса.
func (h *EventHub) serveWS(c *gin.Context) {
	userID := c.GetString(userIDKey)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader уже записал ответ
		h.logger.Warn("Failed to upgrade connection", zap.String("userID", userID), zap.Error(err))
		return
	}
	cl := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(cl)
	h.logger.Info("WebSocket connection established", zap.String("userID", userID))

	log := h.logger.With(zap.String("userID", userID))
	go cl.writePump(log)
	go cl.readPump(h, log)
}

func (h *EventHub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
}

func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

// readPump читает соединение только ради pong и обнаружения закрытия.
func (c *client) readPump(h *EventHub, log *zap.Logger) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("Failed to write message", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
