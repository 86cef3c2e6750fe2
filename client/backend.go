package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/store"
)

const actingAsHeader = "X-Acting-As"

type LoginResponse struct {
	Token string `json:"token"`
}

func login(ctx context.Context, apiAddr, userID string) (string, error) {
	var resp LoginResponse
	c := &APIClient{base: apiAddr, http: http.DefaultClient}
	if err := c.do(ctx, http.MethodPost, "/login", map[string]string{"user_id": userID}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// APIClient talks to the API service as one actor. It satisfies
// chat.Backend so a client Session can run against a remote server.
type APIClient struct {
	base  string
	token string
	actor identity.Actor
	http  *http.Client
}

var _ chat.Backend = (*APIClient)(nil)

func NewAPIClient(base, token string, actor identity.Actor) *APIClient {
	return &APIClient{base: base, token: token, actor: actor, http: &http.Client{Timeout: 30 * time.Second}}
}

// As returns a client bound to another persona of the same user.
func (c *APIClient) As(actor identity.Actor) *APIClient {
	cp := *c
	cp.actor = actor
	return &cp
}

func (c *APIClient) AppendMessage(ctx context.Context, d model.Draft) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(d.ConversationID)+"/messages", chat.Outgoing{
		Type:          d.Type,
		Content:       d.Content,
		AttachmentRef: d.AttachmentRef,
		ClientRef:     d.ClientRef,
	}, &msg)
	return msg, err
}

func (c *APIClient) Messages(ctx context.Context, conversationID string, limit int, before *store.Cursor) ([]model.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("before", strconv.FormatInt(before.ID, 10))
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (c *APIClient) MarkRead(ctx context.Context, conversationID string) (bool, error) {
	var resp struct {
		Advanced bool `json:"advanced"`
	}
	err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, &resp)
	return resp.Advanced, err
}

// SenderProfile reads the actor's participant entry from the
// conversation view.
func (c *APIClient) SenderProfile(ctx context.Context, conversationID string) (model.Profile, error) {
	var v chat.ConversationView
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &v); err != nil {
		return model.Profile{}, err
	}
	me := c.actor.Current()
	for _, p := range v.Participants {
		if p.IdentityID == me.String() {
			return p.Profile, nil
		}
	}
	return model.Profile{}, apperr.Forbidden("%s is not a participant of %s", me, conversationID)
}

func (c *APIClient) Conversations(ctx context.Context) ([]chat.ConversationView, error) {
	var convs []chat.ConversationView
	err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs)
	return convs, err
}

func (c *APIClient) ConversationSummaries(ctx context.Context) ([]model.ConversationSummary, error) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.ConversationSummary, 0, len(convs))
	for _, v := range convs {
		title := v.Title
		s := model.ConversationSummary{
			Conversation: model.Conversation{
				ID:           v.ID,
				Kind:         v.Kind,
				Origin:       v.Origin,
				Title:        &title,
				CreatedAt:    v.CreatedAt,
				LastActivity: v.LastActivity,
			},
			LastMessage: v.LastMessage,
		}
		for _, p := range v.Participants {
			s.Participants = append(s.Participants, p.Participant)
		}
		out = append(out, s)
	}
	return out, nil
}

func (c *APIClient) OpenWithBusiness(ctx context.Context, businessID string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	err := c.do(ctx, http.MethodPost, "/businesses/"+url.PathEscape(businessID)+"/conversation", nil, &resp)
	return resp.ConversationID, err
}

func (c *APIClient) OpenPrivate(ctx context.Context, counterpart string) (string, error) {
	var resp struct {
		ConversationID string `json:"conversation_id"`
	}
	err := c.do(ctx, http.MethodPost, "/conversations/private", map[string]string{"counterpart": counterpart}, &resp)
	return resp.ConversationID, err
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor.Persona != nil {
		req.Header.Set(actingAsHeader, c.actor.Persona.String())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return statusError(resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps a response status back onto the error kinds the server
// produced it from.
func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return apperr.Validation("%s", msg)
	case http.StatusUnauthorized:
		return apperr.Unauthenticated("%s", msg)
	case http.StatusForbidden:
		return apperr.Forbidden("%s", msg)
	case http.StatusNotFound:
		return apperr.NotFound("%s", msg)
	case http.StatusConflict:
		return apperr.Conflict("%s", msg)
	}
	return apperr.Transient("api", fmt.Errorf("status %d: %s", status, msg))
}
