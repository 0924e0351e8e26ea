package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// ServerConfig configures the mailbox server
type ServerConfig struct {
	Mailbox        Mailbox
	JWTSecret      string
	AllowedOrigins []string
	// MaxTTL caps the lifetime a client may request for a record
	MaxTTL        time.Duration
	LoggerFactory logging.LoggerFactory
}

// Server exposes a Mailbox over HTTP with a websocket push feed
type Server struct {
	mailbox  Mailbox
	maxTTL   time.Duration
	upgrader websocket.Upgrader
	router   *gin.Engine
	log      logging.LeveledLogger

	mu      sync.Mutex
	clients map[*Client]struct{}
	http    *http.Server
}

// NewServer creates a new mailbox server
func NewServer(config ServerConfig) *Server {
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	maxTTL := config.MaxTTL
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}

	s := &Server{
		mailbox: config.Mailbox,
		maxTTL:  maxTTL,
		clients: make(map[*Client]struct{}),
		log:     loggerFactory.NewLogger("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origins are checked by OriginFilter before the upgrade
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.Use(OriginFilter(config.AllowedOrigins))

	router.GET("/health", s.handleHealth)

	auth := DeviceAuth(config.JWTSecret)
	api := router.Group("/api", auth)
	{
		api.POST("/devices/:deviceId/messages", s.handleInsert)
		api.GET("/devices/:deviceId/messages", s.handleQuery)
		api.DELETE("/devices/:deviceId/messages", s.handleDeleteDevice)
		api.DELETE("/devices/:deviceId/sessions/:sessionId/messages", s.handleDeleteSession)
	}
	router.GET("/ws/devices/:deviceId", auth, s.handleFeed)

	s.router = router
	return s
}

// Handler returns the HTTP handler serving the mailbox API
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.http
	s.mu.Unlock()

	s.log.Infof("Mailbox server starting on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener and drops every feed client
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ClientCount returns the number of connected feed clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) addClient(c *Client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugf("%s %s %d %s", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}
