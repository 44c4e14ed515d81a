package events

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 4096 // the feed is one-way; clients only send control traffic
)

// WSFeed serves the activity feed over WebSocket for clients that prefer it
// to SSE. All writes go through writePump and all reads through readPump,
// so no two goroutines ever touch the connection the same way.
type WSFeed struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

// NewWSFeed builds the feed. In production only the listed origins may
// connect; elsewhere every origin is allowed.
func NewWSFeed(bus *Bus, env string, allowedOrigins []string) *WSFeed {
	checkOrigin := func(r *http.Request) bool { return true }

	if strings.EqualFold(env, "production") && len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, origin := range allowedOrigins {
			allowed[strings.TrimSpace(origin)] = true
		}
		checkOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("[WSFeed] Rejected connection from origin", "origin", origin)
			return false
		}
	} else if strings.EqualFold(env, "production") {
		slog.Warn("[WSFeed] no allowed origins configured in production, accepting all origins")
	}

	return &WSFeed{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// HandleOwner upgrades the request and streams the owner's events until the
// client goes away.
func (f *WSFeed) HandleOwner(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		conn: conn,
		sub:  f.bus.Subscribe(ownerID, TransportWebSocket),
		done: make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()
}

type wsClient struct {
	conn *websocket.Conn
	sub  *Subscriber
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
	})
}

// writePump owns every write to the connection: events, pings and the close
// frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case e, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := e.JSON()
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns every read. The feed carries nothing client-to-server, so
// inbound frames are drained purely to service pongs and detect the close.
func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}
	}
}
