package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/auth"
	"github.com/mahaj/marketchat/pkg/identity"
)

const (
	actorKey       = "actor"
	actingAsHeader = "X-Acting-As"
)

type LoginRequest struct {
	UserID string `json:"user_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	if req.UserID == "" {
		s.respondError(c, apperr.Validation("user_id is required"))
		return
	}

	token, err := s.signer.GenerateToken(req.UserID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token})
}

// authMiddleware turns the bearer token and the optional persona header
// into the request's actor.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			s.respondError(c, apperr.Unauthenticated("authorization header required"))
			return
		}
		claims, err := s.signer.ValidateToken(token)
		if err != nil {
			s.respondError(c, apperr.Unauthenticated("invalid token"))
			return
		}

		actor, err := s.resolver.Resolve(c.Request.Context(), claims.UserID, c.GetHeader(actingAsHeader))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) identity.Actor {
	a, _ := c.Get(actorKey)
	actor, _ := a.(identity.Actor)
	return actor
}
