package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/auth"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/identity"
)

type Server struct {
	engine   *gin.Engine
	chat     *chat.Service
	signer   *auth.Signer
	resolver *identity.Resolver
	logger   zerolog.Logger
}

func NewServer(svc *chat.Service, signer *auth.Signer, resolver *identity.Resolver, logger zerolog.Logger) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	s := &Server{
		engine:   engine,
		chat:     svc,
		signer:   signer,
		resolver: resolver,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/login", s.login)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/", s.authMiddleware())
	api.GET("/conversations", s.listConversations)
	api.GET("/conversations/:id", s.getConversation)
	api.GET("/conversations/:id/messages", s.history)
	api.POST("/conversations/:id/messages", s.sendMessage)
	api.PATCH("/conversations/:id/messages/:messageID", s.editMessage)
	api.POST("/conversations/:id/read", s.markRead)
	api.GET("/conversations/:id/unread", s.unread)
	api.POST("/businesses/:id/conversation", s.openBusinessConversation)
	api.POST("/conversations/private", s.openPrivateConversation)
	api.POST("/conversations/listing", s.openListingConversation)
	api.POST("/conversations/group", s.createGroup)
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down API service")
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError maps err's kind onto a status. Unclassified errors are
// logged and hidden from the client.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, GET, PATCH, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Acting-As")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("Request")
	}
}
