package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/model"
)

type OpenResponse struct {
	ConversationID string `json:"conversation_id"`
}

type PrivateRequest struct {
	Counterpart string `json:"counterpart"`
}

type ListingRequest struct {
	ListingID string `json:"listing_id"`
	Seller    string `json:"seller"`
}

type GroupRequest struct {
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

func (s *Server) listConversations(c *gin.Context) {
	convs, err := s.chat.Conversations(c.Request.Context(), actorFrom(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	if convs == nil {
		convs = []chat.ConversationView{}
	}
	c.JSON(http.StatusOK, convs)
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.chat.Conversation(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) openBusinessConversation(c *gin.Context) {
	id, err := s.chat.OpenConversationWithBusiness(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OpenResponse{ConversationID: id})
}

func (s *Server) openPrivateConversation(c *gin.Context) {
	var req PrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	ref, err := parseRef(req.Counterpart)
	if err != nil {
		s.respondError(c, err)
		return
	}
	id, err := s.chat.OpenPrivateConversation(c.Request.Context(), actorFrom(c), ref)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OpenResponse{ConversationID: id})
}

func (s *Server) openListingConversation(c *gin.Context) {
	var req ListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	seller, err := parseRef(req.Seller)
	if err != nil {
		s.respondError(c, err)
		return
	}
	id, err := s.chat.OpenListingConversation(c.Request.Context(), actorFrom(c), req.ListingID, seller)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OpenResponse{ConversationID: id})
}

func (s *Server) createGroup(c *gin.Context) {
	var req GroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid request body"))
		return
	}
	members := make([]model.IdentityRef, 0, len(req.Members))
	for _, m := range req.Members {
		ref, err := parseRef(m)
		if err != nil {
			s.respondError(c, err)
			return
		}
		members = append(members, ref)
	}
	id, err := s.chat.CreateGroup(c.Request.Context(), actorFrom(c), req.Title, members)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, OpenResponse{ConversationID: id})
}

// parseRef accepts "user:<id>", "business:<id>" or a bare user id.
func parseRef(s string) (model.IdentityRef, error) {
	if s == "" {
		return model.IdentityRef{}, apperr.Validation("identity is required")
	}
	ref, err := model.ParseIdentity(s)
	if err != nil {
		if !strings.Contains(s, ":") {
			return model.PersonalIdentity(s), nil
		}
		return model.IdentityRef{}, apperr.Validation("%v", err)
	}
	return ref, nil
}
