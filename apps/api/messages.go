package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/snowflake"
	"github.com/mahaj/marketchat/pkg/store"
)

type EditRequest struct {
	Content string `json:"content"`
}

// history pages backwards: ?limit=50&before=<message id>. Message ids carry
// their creation time, so the id alone is a complete cursor.
func (s *Server) history(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(c, apperr.Validation("limit must be a number"))
			return
		}
		limit = n
	}
	var before *store.Cursor
	if v := c.Query("before"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(c, apperr.Validation("before must be a message id"))
			return
		}
		before = &store.Cursor{CreatedAt: snowflake.Time(id), ID: id}
	}

	msgs, err := s.chat.Messages(c.Request.Context(), actorFrom(c), c.Param("id"), limit, before)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) sendMessage(c *gin.Context) {
	var req chat.Outgoing
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	msg, err := s.chat.Send(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) editMessage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("messageID"), 10, 64)
	if err != nil {
		s.respondError(c, apperr.Validation("invalid message id"))
		return
	}
	var req EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	msg, err := s.chat.Edit(c.Request.Context(), actorFrom(c), c.Param("id"), id, req.Content)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}
