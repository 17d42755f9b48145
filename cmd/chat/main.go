// chat - terminal client for the SharpLook chat system
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sharplook/chatkit/inbox"
)

func main() {
	baseURL := flag.String("url", envOr("CHAT_URL", "http://localhost:8080"), "relay base URL")
	userID := flag.String("user", os.Getenv("CHAT_USER"), "user id")
	name := flag.String("name", os.Getenv("CHAT_NAME"), "display name")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: chat -user <id> [-url <base>] [-name <name>]")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	api := inbox.NewClient(*baseURL, *token)
	conn := inbox.NewConn(inbox.ConnConfig{
		URL:    wsURL(*baseURL),
		UserID: *userID,
		Params: paramsFor(*name),
		Logger: logger,
	})
	convs := inbox.NewConversations(api, logger)
	timeline := inbox.NewTimeline(conn, api, convs, inbox.TimelineConfig{
		SelfID: *userID,
		Logger: logger,
	})
	defer timeline.Close()
	defer conn.Disconnect()

	offState := conn.OnStateChange(func(st inbox.ConnState) {
		fmt.Printf("-- connection: %s\n", st)
	})
	defer offState()

	offNew := conn.On(inbox.EventNewMessage, func(data json.RawMessage) {
		var msg inbox.Message
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		if msg.RoomID == timeline.Room() {
			printMessage(msg, *userID)
		} else {
			fmt.Printf("-- new message in %s\n", msg.RoomID)
		}
	})
	defer offNew()

	conn.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := convs.Load(ctx, *userID); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load conversations: %v\n", err)
	}
	cancel()
	printConversations(convs.All())

	fmt.Println(`Commands: /list, /open <n>, /quit. Anything else sends to the open room.`)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/list":
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := convs.Load(ctx, *userID); err != nil {
				fmt.Fprintf(os.Stderr, "failed to load conversations: %v\n", err)
			}
			cancel()
			printConversations(convs.All())
		case strings.HasPrefix(line, "/open "):
			openRoom(timeline, convs, strings.TrimSpace(strings.TrimPrefix(line, "/open ")), *userID)
		default:
			if _, err := timeline.Send(line); err != nil {
				switch {
				case errors.Is(err, inbox.ErrNotConnected):
					fmt.Fprintln(os.Stderr, "not connected; wait for reconnection")
				case errors.Is(err, inbox.ErrNoRoom):
					fmt.Fprintln(os.Stderr, "no room open; use /open <n>")
				default:
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	}
}

func openRoom(timeline *inbox.Timeline, convs *inbox.Conversations, arg, selfID string) {
	list := convs.All()
	var conv inbox.Conversation
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(list) {
		conv = list[n-1]
	} else if c, ok := convs.Get(arg); ok {
		conv = c
	} else {
		fmt.Fprintf(os.Stderr, "unknown conversation %q\n", arg)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := timeline.Select(ctx, conv); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", conv.Receiver.Name, err)
		return
	}

	fmt.Printf("== %s (%s)\n", conv.Receiver.Name, conv.Receiver.Role)
	for group := range timeline.GroupByDate() {
		fmt.Printf("--- %s ---\n", group.Label)
		for _, msg := range group.Messages {
			printMessage(msg, selfID)
		}
	}
}

func printConversations(list []inbox.Conversation) {
	if len(list) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	for i, c := range list {
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.Unread)
		}
		fmt.Printf("%2d. %-20s %s%s\n", i+1, c.Receiver.Name, c.LastMessage, unread)
	}
}

func printMessage(msg inbox.Message, selfID string) {
	who := msg.SenderID
	if msg.SenderID == selfID {
		who = "you"
	}
	marker := ""
	switch msg.State {
	case inbox.Failed:
		marker = " [failed: " + msg.ErrorMessage + "]"
	case inbox.Seen:
		marker = " [seen]"
	}
	fmt.Printf("[%s] %s: %s%s\n", msg.CreatedAt.Format("15:04"), who, msg.Body, marker)
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws/chat"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws/chat"
	}
	return base + "/ws/chat"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func paramsFor(name string) map[string][]string {
	if name == "" {
		return nil
	}
	return map[string][]string{"name": {name}}
}
