package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// Hub maintains active websocket clients grouped by tenant. Events for one
// tenant never reach another tenant's sockets.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]models.TenantID
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]models.TenantID)}
}

// Subscribe upgrades an authenticated request to a websocket and parks it
// in the caller's tenant room.
func (h *Hub) Subscribe(c *gin.Context) {
	t := currentTenant(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Stream] websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = t.ID
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[Stream] client connected for tenant %s (total %d)", t.ID, total)

	// Read loop exists only to observe disconnects; the stream is one-way.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Stream] websocket error: %v", err)
				}
				return
			}
		}
	}()
}

// BroadcastLoop pushes a trade_discovered event to the tenant's room.
// Wired as the dispatch notifier.
func (h *Hub) BroadcastLoop(tenantID models.TenantID, loop models.TradeLoop, score models.ScoreReport) {
	msg, err := json.Marshal(gin.H{
		"type":  "trade_discovered",
		"cycle": loop,
		"score": score,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, id := range h.clients {
		if id != tenantID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Printf("[Stream] write failed, dropping client: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
