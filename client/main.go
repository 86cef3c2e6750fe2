package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/chat"
	"github.com/mahaj/marketchat/pkg/identity"
	"github.com/mahaj/marketchat/pkg/live"
	"github.com/mahaj/marketchat/pkg/logging"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/send"
	"github.com/mahaj/marketchat/pkg/timeline"
)

func main() {
	gatewayAddr := flag.String("addr", "localhost:8080", "gateway service address")
	apiAddr := flag.String("api", "http://localhost:8081", "api service address")
	userID := flag.String("user", "user1", "user id")
	persona := flag.String("as", "", "business id to act as")
	conversationID := flag.String("conversation", "", "conversation id to open")
	business := flag.String("business", "", "business id to open a conversation with")
	with := flag.String("with", "", "user id to open a private conversation with")
	flag.Parse()

	logger, err := logging.New("client", "warn", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, *gatewayAddr, *apiAddr, *userID, *persona, *conversationID, *business, *with, logger); err != nil {
		logger.Fatal().Err(err).Msg("Client stopped")
	}
}

func actorFor(userID, businessID string) identity.Actor {
	a := identity.Actor{UserID: userID}
	if businessID != "" {
		ref := model.BusinessIdentity(businessID)
		a.Persona = &ref
	}
	return a
}

func run(ctx context.Context, gatewayAddr, apiAddr, userID, persona, conversationID, business, with string, logger zerolog.Logger) error {
	token, err := login(ctx, apiAddr, userID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	actor := actorFor(userID, persona)
	api := NewAPIClient(apiAddr, token, actor)

	switch {
	case business != "":
		conversationID, err = api.OpenWithBusiness(ctx, business)
	case with != "":
		conversationID, err = api.OpenPrivate(ctx, with)
	case conversationID == "":
		return printInbox(ctx, api)
	}
	if err != nil {
		return err
	}

	feed := NewGatewayFeed(gatewayAddr, token, actor, logger)
	feed.OnUnread = func(id string, n int) {
		if n > 0 {
			fmt.Printf("\r(%d unread in %s)\n> ", n, id)
		}
	}
	session := chat.NewSession(actor, func(a identity.Actor) chat.Backend { return api.As(a) }, feed, send.DefaultTimeout, logger)
	defer session.Close()

	view, err := openPrinting(ctx, session, conversationID, actor.Current())
	if err != nil {
		return err
	}
	defer func() { view.Close() }()
	if _, err := view.MarkRead(ctx); err != nil {
		logger.Warn().Err(err).Msg("Mark read failed")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
	for {
		var text string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(l)
		}

		switch {
		case text == "":
		case text == "/quit":
			return nil
		case text == "/older":
			n, err := view.LoadOlder(ctx, 50)
			if err != nil {
				fmt.Printf("\rload failed: %v\n", err)
			} else if n == 0 {
				fmt.Print("\r(no older messages)\n")
			} else {
				printTimeline(view.Timeline().Snapshot())
			}
		case text == "/read":
			if _, err := view.MarkRead(ctx); err != nil {
				fmt.Printf("\rmark read failed: %v\n", err)
			}
		case text == "/inbox":
			if err := printInbox(ctx, api.As(session.Actor())); err != nil {
				fmt.Printf("\rinbox failed: %v\n", err)
			}
		case strings.HasPrefix(text, "/as"):
			next := actorFor(userID, strings.TrimSpace(strings.TrimPrefix(text, "/as")))
			feed.SetActor(next)
			session.SwitchPersona(next)
			v, err := openPrinting(ctx, session, conversationID, next.Current())
			if err != nil {
				fmt.Printf("\rcannot open as %s: %v\n", next.Current(), err)
				break
			}
			view = v
		default:
			res := view.Send(ctx, model.TypeText, text, "")
			if res.State == timeline.Failed {
				fmt.Printf("\rnot sent: %v\n", res.Err)
			}
		}
		fmt.Print("> ")
	}
}

func openPrinting(ctx context.Context, session *chat.Session, conversationID string, me model.IdentityRef) (*chat.View, error) {
	view, err := session.Open(ctx, conversationID, chat.ViewOptions{
		Handlers: live.Handlers{
			OnInsert: func(m model.Message, outcome timeline.MergeOutcome) {
				if outcome == timeline.Inserted && m.SenderID != me.String() {
					fmt.Printf("\r%s: %s\n> ", m.SenderID, m.Content)
				}
			},
			OnUpdate: func(m model.Message) {
				fmt.Printf("\r%s edited: %s\n> ", m.SenderID, m.Content)
			},
		},
	})
	if err != nil {
		return nil, err
	}
	fmt.Printf("Conversation %s as %s\n", conversationID, me)
	printTimeline(view.Timeline().Snapshot())
	return view, nil
}

func printTimeline(entries []timeline.Entry) {
	for _, e := range entries {
		at := e.Message.CreatedAt.Local().Format(time.Kitchen)
		who := e.Message.SenderID
		if e.Sender != nil && e.Sender.DisplayName != "" {
			who = e.Sender.DisplayName
		}
		fmt.Printf("\r[%s] %s: %s", at, who, e.Message.Content)
		if e.Message.EditedAt != nil {
			fmt.Print(" (edited)")
		}
		if e.State != timeline.Confirmed {
			fmt.Printf(" (%s)", e.State)
		}
		fmt.Println()
	}
}

func printInbox(ctx context.Context, api *APIClient) error {
	convs, err := api.Conversations(ctx)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations")
		return nil
	}
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Content
		}
		fmt.Printf("%s  %-24s %3d unread  %s\n", c.ID, c.Title, c.Unread, last)
	}
	return nil
}
