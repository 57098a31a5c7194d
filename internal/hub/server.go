package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Server is the Gin HTTP front end for a Hub: one route, /hub/rpc, that
// decodes an Envelope, dispatches to the registered handler, and encodes
// whatever it returns as a Reply — a single routed surface in place of
// per-concern route groups.
type Server struct {
	hub    *Hub
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds a Gin engine bound to hub, listening on addr.
func NewServer(h *Hub, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(h.log), recovery(h.log))

	s := &Server{hub: h, engine: engine}
	engine.POST("/hub/rpc", s.handleRPC)
	engine.GET("/health", s.handleHealth)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Engine exposes the underlying Gin engine so a peer process can register
// additional debug routes (e.g. per-table statistics) alongside /hub/rpc.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRPC(c *gin.Context) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, Reply{Error: err.Error()})
		return
	}

	s.hub.AddPeer(env.Sender)

	handler, ok := s.hub.handlerFor(env.Type)
	if !ok {
		c.JSON(http.StatusOK, Reply{Error: "unknown message type " + env.Type})
		return
	}

	result, err := handler(env.Sender, env.Payload)
	if err != nil {
		c.JSON(http.StatusOK, Reply{Error: err.Error()})
		return
	}

	reply, encErr := Encode("", "", result)
	if encErr != nil {
		c.JSON(http.StatusOK, Reply{Error: encErr.Error()})
		return
	}
	c.JSON(http.StatusOK, Reply{Payload: reply.Payload})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"self":  s.hub.SelfAddr(),
		"peers": len(s.hub.Peers()),
	})
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"latency":  time.Since(start),
			"clientIP": c.ClientIP(),
		}).Debug("hub request")
	}
}

func recovery(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("hub handler panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, Reply{Error: "internal error"})
			}
		}()
		c.Next()
	}
}
