package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/marketchat/pkg/logging"
)

type LoginResponse struct {
	Token string `json:"token"`
}

type caller struct {
	api     string
	token   string
	persona string
}

func (c caller) call(method, path string, body any, out any) {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.api+path, r)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.persona != "" {
		req.Header.Set("X-Acting-As", c.persona)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Request failed")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		log.Fatal().Int("status", resp.StatusCode).Str("path", path).Bytes("body", raw).Msg("Unexpected status")
	}
	log.Info().Str("method", method).Str("path", path).Int("status", resp.StatusCode).RawJSON("body", raw).Msg("OK")
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Bad response")
		}
	}
}

func login(api, userID string) string {
	var resp LoginResponse
	caller{api: api}.call(http.MethodPost, "/login", map[string]string{"user_id": userID}, &resp)
	return resp.Token
}

// Walks the consumer to business flow against a seeded deployment.
func main() {
	api := flag.String("api", "http://localhost:8081", "api service address")
	business := flag.String("business", "boulangerie", "seeded business id")
	consumer := flag.String("consumer", "amina", "consumer user id")
	owner := flag.String("owner", "bruno", "business owner user id")
	flag.Parse()

	logger, err := logging.New("verify_api", "info", "console")
	if err != nil {
		panic(err)
	}
	log.Logger = logger

	amina := caller{api: *api, token: login(*api, *consumer)}

	var opened struct {
		ConversationID string `json:"conversation_id"`
	}
	amina.call(http.MethodPost, "/businesses/"+*business+"/conversation", nil, &opened)
	var again struct {
		ConversationID string `json:"conversation_id"`
	}
	amina.call(http.MethodPost, "/businesses/"+*business+"/conversation", nil, &again)
	if again.ConversationID != opened.ConversationID {
		log.Fatal().Str("first", opened.ConversationID).Str("second", again.ConversationID).Msg("Conversation was not deduplicated")
	}
	conv := "/conversations/" + opened.ConversationID

	amina.call(http.MethodPost, conv+"/messages", map[string]string{"content": "Bonjour, le pain est-il disponible ?"}, nil)
	amina.call(http.MethodGet, conv+"/messages?limit=10", nil, nil)

	shop := caller{api: *api, token: login(*api, *owner), persona: "business:" + *business}
	shop.call(http.MethodGet, "/conversations", nil, nil)

	var unread struct {
		Unread int `json:"unread"`
	}
	shop.call(http.MethodGet, conv+"/unread", nil, &unread)
	shop.call(http.MethodPost, conv+"/read", nil, nil)
	shop.call(http.MethodPost, conv+"/messages", map[string]string{"content": "Oui, jusqu'à 19h."}, nil)

	amina.call(http.MethodGet, conv+"/unread", nil, &unread)
	fmt.Printf("Conversation %s verified, consumer has %d unread\n", opened.ConversationID, unread.Unread)
}
