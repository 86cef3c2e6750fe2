package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type ReadResponse struct {
	Advanced bool `json:"advanced"`
}

type UnreadResponse struct {
	Unread int `json:"unread"`
}

func (s *Server) markRead(c *gin.Context) {
	advanced, err := s.chat.MarkRead(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReadResponse{Advanced: advanced})
}

func (s *Server) unread(c *gin.Context) {
	n, err := s.chat.UnreadCount(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, UnreadResponse{Unread: n})
}
