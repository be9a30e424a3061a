// Package server exposes the signaling store and session service over HTTP:
// a small authenticated REST API for session and schedule management, and a
// WebSocket gateway that streams signaling-document changes to browser peers.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shuwashuwa/shuwacall/internal/session"
	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

const shutdownTimeout = 10 * time.Second

// Config assembles a Server.
type Config struct {
	ListenAddr  string
	Environment string
	JWTSecret   string
	Sessions    *session.Service
	Store       signal.Store
}

// Server is the HTTP front of the signaling service.
type Server struct {
	cfg    Config
	engine *gin.Engine
}

// New builds the router. Nothing listens until Run.
func New(cfg Config) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{cfg: cfg}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := engine.Group("/api")
	api.POST("/auth/login", s.login)

	authed := api.Group("", jwtAuth(cfg.JWTSecret))
	authed.POST("/calls/:chatRoomId", s.startCall)
	authed.GET("/calls/:chatRoomId", s.activeCall)
	authed.DELETE("/calls/:chatRoomId", s.endCall)
	authed.POST("/video-call/schedule", s.proposeSchedule)
	authed.GET("/video-call/schedule/:chatRoomId", s.listSchedules)
	authed.PUT("/video-call/schedule/:scheduleId", s.respondSchedule)

	engine.GET("/ws/call/:callId", s.handleCallSocket)

	s.engine = engine
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.ListenAddr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		util.LogInfo("server: listening on %s", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startCall creates the room's signaling document for a browser peer; the
// offer and everything after it flow through the WebSocket gateway.
func (s *Server) startCall(c *gin.Context) {
	sess, err := s.cfg.Sessions.StartSession(c.Request.Context(), c.Param("chatRoomId"), currentUser(c))
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// activeCall reports the chat room's ongoing call, if any.
func (s *Server) activeCall(c *gin.Context) {
	sess, err := s.cfg.Sessions.ActiveSession(c.Request.Context(), c.Param("chatRoomId"), currentUser(c))
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// endCall force-ends the chat room's call; both peers observe the deletion.
func (s *Server) endCall(c *gin.Context) {
	err := s.cfg.Sessions.EndSession(c.Request.Context(), c.Param("chatRoomId"), currentUser(c))
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type proposeRequest struct {
	ChatRoomID  string    `json:"chatRoomId" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description"`
	ProposedAt  time.Time `json:"proposedAt" binding:"required"`
}

func (s *Server) proposeSchedule(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sched, err := s.cfg.Sessions.Propose(c.Request.Context(),
		req.ChatRoomID, currentUser(c), req.Title, req.Description, req.ProposedAt)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) listSchedules(c *gin.Context) {
	list, err := s.cfg.Sessions.Schedules(c.Request.Context(), c.Param("chatRoomId"), currentUser(c))
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": list})
}

type respondRequest struct {
	Action string `json:"action" binding:"required"`
}

func (s *Server) respondSchedule(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sched, err := s.cfg.Sessions.Respond(c.Request.Context(), c.Param("scheduleId"), currentUser(c), req.Action)
	if err != nil {
		abortWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func abortWithDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNoActiveCall), errors.Is(err, session.ErrScheduleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrCallExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		util.LogError("server: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
