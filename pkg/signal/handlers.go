package signal

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// filterFromQuery reads session_id, type and sender_type parameters. type may
// repeat or hold a comma-separated list.
func filterFromQuery(c *gin.Context) (Filter, error) {
	filter := Filter{
		DeviceID:  c.Param("deviceId"),
		SessionID: c.Query("session_id"),
	}
	for _, v := range c.QueryArray("type") {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t == "" {
				continue
			}
			mt := MessageType(t)
			if !mt.Valid() {
				return filter, ErrUnknownType
			}
			filter.Types = append(filter.Types, mt)
		}
	}
	if st := c.Query("sender_type"); st != "" {
		role, err := ParseRole(st)
		if err != nil {
			return filter, err
		}
		filter.SenderRole = role
	}
	return filter, nil
}

// handleInsert stores a record posted for the device in the path
func (s *Server) handleInsert(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg.DeviceID != c.Param("deviceId") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "device_id does not match path"})
		return
	}

	now := time.Now().UTC()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ExpiresAt.IsZero() || msg.ExpiresAt.Sub(now) > s.maxTTL {
		msg.ExpiresAt = now.Add(s.maxTTL)
	}
	if err := msg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.mailbox.Insert(c.Request.Context(), &msg); err != nil {
		s.log.Errorf("Insert %s for %s failed: %v", msg.Type, msg.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "insert failed"})
		return
	}
	c.JSON(http.StatusCreated, &msg)
}

func (s *Server) handleQuery(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msgs, err := s.mailbox.Query(c.Request.Context(), filter)
	if err != nil {
		s.log.Errorf("Query for %s failed: %v", filter.DeviceID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleDeleteDevice(c *gin.Context) {
	var role Role
	if st := c.Query("sender_type"); st != "" {
		r, err := ParseRole(st)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role = r
	}

	if err := s.mailbox.DeleteByDevice(c.Request.Context(), c.Param("deviceId"), role); err != nil {
		s.log.Errorf("Delete device %s failed: %v", c.Param("deviceId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.mailbox.DeleteBySession(c.Request.Context(), c.Param("deviceId"), c.Param("sessionId")); err != nil {
		s.log.Errorf("Delete session %s failed: %v", c.Param("sessionId"), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFeed upgrades to a websocket that pushes matching records as JSON
func (s *Server) handleFeed(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The request context ends when this handler returns, before the feed does
	sub, err := s.mailbox.Subscribe(context.WithoutCancel(c.Request.Context()), filter)
	if err != nil {
		if errors.Is(err, ErrMailboxClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("WebSocket upgrade failed: %v", err)
		sub.Close()
		return
	}

	client := &Client{
		conn:   conn,
		sub:    sub,
		server: s,
		done:   make(chan struct{}),
	}
	s.addClient(client)

	go client.writePump()
	go client.readPump()
}

// Client is a connected push-feed websocket
type Client struct {
	conn   *websocket.Conn
	sub    Subscription
	server *Server

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
		c.server.removeClient(c)
	})
}

// readPump only watches for the peer going away; clients never send records
// over the feed.
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debugf("Feed read error: %v", err)
			}
			return
		}
	}
}

// writePump forwards subscription records and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.Messages():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.log.Debugf("Feed write error: %v", err)
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
