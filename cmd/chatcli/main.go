// Package main is an interactive terminal client for the conversation
// gateway, driving the session controller the same way a UI would.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wellspring-kb/session-controller/internal/config"
	"github.com/wellspring-kb/session-controller/internal/gateway"
	"github.com/wellspring-kb/session-controller/internal/model"
	"github.com/wellspring-kb/session-controller/internal/session"
	"github.com/wellspring-kb/session-controller/pkg/logger"
)

func main() {
	cfg := config.Load()

	baseURL := flag.String("url", cfg.GatewayBaseURL, "gateway base URL")
	token := flag.String("token", cfg.GatewayToken, "bearer token")
	login := flag.String("login", "", "fetch a dev token for this user id")
	stream := flag.Bool("stream", cfg.StreamEnabled, "use streamed sends")
	modelName := flag.String("model", "", "model hint forwarded on sends")
	flag.Parse()

	log, err := logger.New("error")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if *token == "" && *login != "" {
		t, err := fetchDevToken(*baseURL, *login)
		if err != nil {
			fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
			os.Exit(1)
		}
		*token = t
	}

	gw := gateway.NewHTTPClient(*baseURL, gateway.StaticCredential(*token),
		gateway.WithAuthFailureHandler(func() {
			fmt.Fprintln(os.Stderr, "\nsession expired; restart with a fresh token")
		}),
		gateway.WithLogger(log),
	)

	ctrl := session.New(gw,
		session.WithModel(*modelName),
		session.WithStreaming(*stream),
		session.WithRevealInterval(cfg.RevealInterval),
		session.WithLogger(log),
		session.WithThoughtHandler(func(_, thought string) {
			fmt.Printf("· %s\n", thought)
		}),
	)

	ctx := context.Background()
	if err := ctrl.Bootstrap(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	printConversations(ctrl.Snapshot())
	fmt.Println(`Type a question, or /help for commands.`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, ctrl, line); quit {
				return
			}
			continue
		}

		if !ctrl.SendMessage(ctx, line) {
			fmt.Println("(busy, try again in a moment)")
			continue
		}
		printAnswer(ctrl)
	}
}

func runCommand(ctx context.Context, ctrl *session.Controller, line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/q":
		return true

	case "/help":
		fmt.Println(`/list          show conversations
/new           start a new conversation
/switch <n>    switch to the n-th listed conversation
/delete [n]    delete the n-th (default: current) conversation
/stop          stop the in-progress answer
/quit          exit`)

	case "/list":
		printConversations(ctrl.Snapshot())

	case "/new":
		if err := ctrl.CreateConversation(ctx); err != nil {
			fmt.Printf("create failed: %v\n", err)
			break
		}
		printConversations(ctrl.Snapshot())

	case "/switch":
		id, ok := pickConversation(ctrl.Snapshot(), args)
		if !ok {
			fmt.Println("usage: /switch <n>")
			break
		}
		if err := ctrl.SwitchConversation(ctx, id); err != nil {
			fmt.Printf("switch failed: %v\n", err)
			break
		}
		printMessages(ctrl.Snapshot())

	case "/delete":
		snap := ctrl.Snapshot()
		id := snap.ActiveID
		if len(args) > 0 {
			var ok bool
			if id, ok = pickConversation(snap, args); !ok {
				fmt.Println("usage: /delete [n]")
				break
			}
		}
		if err := ctrl.DeleteConversation(ctx, id); err != nil {
			fmt.Printf("delete failed: %v\n", err)
			break
		}
		printConversations(ctrl.Snapshot())

	case "/stop":
		ctrl.StopGeneration()

	default:
		fmt.Println("unknown command; /help lists them")
	}
	return false
}

// printAnswer blocks until the controller settles, echoing the assistant
// text as the reveal uncovers it.
func printAnswer(ctrl *session.Controller) {
	var printed int
	for {
		snap := ctrl.Snapshot()

		if msgs := snap.Messages; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if last.Role == model.RoleAssistant && len(last.Text) > printed {
				fmt.Print(last.Text[printed:])
				printed = len(last.Text)
			}
		}

		if !snap.Generating && !snap.InteractionDisabled {
			if printed > 0 {
				fmt.Println()
			}
			return
		}
		time.Sleep(40 * time.Millisecond)
	}
}

func printConversations(snap session.Snapshot) {
	for i, conv := range snap.Conversations {
		marker := "  "
		if conv.ID == snap.ActiveID {
			marker = "* "
		}
		fmt.Printf("%s%d. %s\n", marker, i+1, conv.Title)
	}
}

func printMessages(snap session.Snapshot) {
	for _, msg := range snap.Messages {
		prefix := "you"
		if msg.Role == model.RoleAssistant {
			prefix = "kb "
		}
		fmt.Printf("%s | %s\n", prefix, msg.Text)
	}
}

func pickConversation(snap session.Snapshot, args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(snap.Conversations) {
		return "", false
	}
	return snap.Conversations[n-1].ID, true
}

// fetchDevToken calls the gateway's development token endpoint, which
// lives on the server root rather than under the API prefix.
func fetchDevToken(baseURL, userID string) (string, error) {
	root := strings.TrimSuffix(baseURL, "/api/v1")

	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(root+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
