package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/apiclient"
	"github.com/lumachat/backend/internal/composer"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/services"
	"github.com/lumachat/backend/internal/types"
	"github.com/lumachat/backend/internal/utils"
)

// Terminal client: opens (or creates) a chat, then runs composer turns,
// rendering the streamed answer as it accumulates.
func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	token, err := utils.MustGetEnv("LUMACHAT_TOKEN")
	if err != nil {
		log.Fatal("Session token missing", "error", err)
	}
	baseURL := utils.GetEnv("LUMACHAT_API_URL", "http://localhost:8080", log)

	api := apiclient.New(baseURL, token)
	genai, err := services.NewGenAIClient(log)
	if err != nil {
		log.Fatal("Could not init GenAIClient", "error", err)
	}

	ctx := context.Background()
	chat, err := openChat(ctx, api)
	if err != nil {
		log.Fatal("Could not open chat", "error", err)
	}
	fmt.Printf("Chat %s (%s)\n", chat.ID, chat.Title())

	cp, err := composer.New(log, genai, api, chat)
	if err != nil {
		log.Fatal("Could not build composer", "error", err)
	}

	var lastLen int
	cp.OnFragment = func(answer string) {
		fmt.Print(answer[lastLen:])
		lastLen = len(answer)
	}
	cp.OnCommitted = func(updated *types.Chat) {
		lastLen = 0
		fmt.Println()
	}

	if err := cp.Bootstrap(ctx); err != nil {
		log.Warn("Bootstrap turn failed", "error", err)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !stdin.Scan() {
			return
		}
		text := strings.TrimSpace(stdin.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return
		}
		if err := cp.Run(ctx, text); err != nil {
			fmt.Fprintf(os.Stderr, "turn failed: %v\n", err)
		}
	}
}

// openChat resumes the chat named by LUMACHAT_CHAT_ID, or seeds a new one
// from the first command-line argument.
func openChat(ctx context.Context, api *apiclient.Client) (*types.Chat, error) {
	if id := os.Getenv("LUMACHAT_CHAT_ID"); id != "" {
		chatID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid LUMACHAT_CHAT_ID: %w", err)
		}
		return api.GetChat(ctx, chatID)
	}

	seed := "Hello"
	if len(os.Args) > 1 {
		seed = strings.Join(os.Args[1:], " ")
	}
	return api.CreateChat(ctx, []types.Message{{
		Role:  types.RoleUser,
		Parts: []types.Part{{Text: seed}},
	}})
}
