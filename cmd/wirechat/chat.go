package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/chatsync"
)

type chatFlags struct {
	userID string
	email  string
	name   string
	chatID int64
	with   []string
}

func newChatCmd(c *cli) *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a conversation and chat from the terminal",
		Long: "Registers the identity, lists its conversations, opens one and bridges\n" +
			"stdin to it. Commands: /chats, /switch <id>, /quit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.userID == "" {
				return errors.New("--user is required")
			}
			if f.email == "" {
				f.email = f.userID + "@wirechat.local"
			}
			return runChat(cmd.Context(), c, f)
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "", "user id")
	cmd.Flags().StringVar(&f.email, "email", "", "email to register (default <user>@wirechat.local)")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	cmd.Flags().Int64Var(&f.chatID, "chat", 0, "conversation to open (default: the first one)")
	cmd.Flags().StringSliceVar(&f.with, "with", nil, "emails to start a new conversation with")
	return cmd
}

func runChat(ctx context.Context, c *cli, f chatFlags) error {
	identity := chatsync.Identity{UserID: f.userID, Email: f.email, Name: f.name}
	out := newPrinter(os.Stdout, identity.UserID)

	client, err := app.NewClient(&c.cfg, app.Credentials(&c.cfg, identity), out, c.logger)
	if err != nil {
		return err
	}
	session := client.Session
	defer session.Deactivate()

	if _, err := client.API.UpsertUser(ctx, identity.Email, identity.Name); err != nil {
		return fmt.Errorf("register %s: %w", identity.UserID, err)
	}

	conv, err := pickConversation(ctx, client.API, identity, f, out)
	if err != nil {
		return err
	}
	if err := open(ctx, client, identity, conv, out); err != nil {
		return err
	}
	out.infof("Type messages and press Enter to send. /quit or Ctrl+C to exit.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if quit := handleLine(ctx, client, identity, text, out); quit {
				return nil
			}
		}
	}
}

// handleLine runs a slash command or sends text. It reports whether to quit.
func handleLine(ctx context.Context, client *app.Client, identity chatsync.Identity, text string, out *printer) bool {
	switch {
	case text == "/quit":
		return true
	case text == "/chats":
		chats, err := client.API.ListChats(ctx, identity.UserID)
		if err != nil {
			out.errorf("list chats: %v", err)
			return false
		}
		out.chats(chats)
	case strings.HasPrefix(text, "/switch "):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, "/switch ")), 10, 64)
		if err != nil || id <= 0 {
			out.errorf("usage: /switch <chat id>")
			return false
		}
		if err := open(ctx, client, identity, chatsync.Conversation{ID: id}, out); err != nil {
			out.errorf("switch: %v", err)
		}
	default:
		err := client.Session.Send(ctx, chatsync.OutboundDraft{Content: text})
		switch {
		case errors.Is(err, chatsync.ErrNotReady):
			out.errorf("not sent, not connected yet: %q", text)
		case errors.Is(err, chatsync.ErrPublishFailed):
			out.errorf("not sent, reconnecting: %q", text)
		case err != nil:
			out.errorf("send: %v", err)
		}
	}
	return false
}

// pickConversation returns the conversation named by flags, creating one
// when --with is given.
func pickConversation(ctx context.Context, client *api.Client, identity chatsync.Identity, f chatFlags, out *printer) (chatsync.Conversation, error) {
	if len(f.with) > 0 {
		created, err := client.CreateChat(ctx, api.CreateChatRequest{Emails: f.with})
		if err != nil {
			return chatsync.Conversation{}, fmt.Errorf("create chat: %w", err)
		}
		return app.Conversation(created), nil
	}

	chats, err := client.ListChats(ctx, identity.UserID)
	if err != nil {
		return chatsync.Conversation{}, fmt.Errorf("list chats: %w", err)
	}
	out.chats(chats)
	if f.chatID != 0 {
		for _, ch := range chats {
			if ch.ID == f.chatID {
				return app.Conversation(ch), nil
			}
		}
		return chatsync.Conversation{}, fmt.Errorf("chat %d is not one of yours", f.chatID)
	}
	if len(chats) == 0 {
		return chatsync.Conversation{}, errors.New("no conversations yet, start one with --with <email>")
	}
	return app.Conversation(chats[0]), nil
}

// open activates conv and prints its history. History is seeded after
// activation so a live copy that raced the fetch is not printed twice.
func open(ctx context.Context, client *app.Client, identity chatsync.Identity, conv chatsync.Conversation, out *printer) error {
	if err := client.Session.Activate(identity, conv); err != nil {
		return err
	}
	history, err := client.API.FetchHistory(ctx, conv.ID)
	if err != nil {
		client.Session.Deactivate()
		return fmt.Errorf("fetch history: %w", err)
	}
	out.infof("--- chat #%d %s ---", conv.ID, conv.Name)
	out.history(client.Session.Seed(app.Messages(history)))
	return nil
}
