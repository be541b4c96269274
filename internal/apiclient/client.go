package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/apierr"
	"github.com/lumachat/backend/internal/services"
	"github.com/lumachat/backend/internal/types"
)

// Client is a typed client for the REST surface, used by the terminal client
// and as the composer's appender.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateChat(ctx context.Context, history []types.Message) (*types.Chat, error) {
	var chat types.Chat
	body := map[string]any{"history": history}
	if err := c.do(ctx, http.MethodPost, "/api/chats", body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) UserChats(ctx context.Context) ([]types.ChatSummary, error) {
	var summaries []types.ChatSummary
	if err := c.do(ctx, http.MethodGet, "/api/userchats", nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (c *Client) GetChat(ctx context.Context, chatID uuid.UUID) (*types.Chat, error) {
	var chat types.Chat
	if err := c.do(ctx, http.MethodGet, "/api/chats/"+chatID.String(), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) AppendToChat(ctx context.Context, chatID uuid.UUID, question, answer, img string) (*types.Chat, error) {
	body := map[string]any{}
	if question != "" {
		body["question"] = question
	}
	if answer != "" {
		body["answer"] = answer
	}
	if img != "" {
		body["img"] = img
	}
	var chat types.Chat
	if err := c.do(ctx, http.MethodPut, "/api/chats/"+chatID.String(), body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (c *Client) UploadCredentials(ctx context.Context) (*services.UploadCredentials, error) {
	var creds services.UploadCredentials
	if err := c.do(ctx, http.MethodGet, "/api/upload", nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Upstream(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("api decode error: %w; raw=%s", err, string(raw))
	}
	return nil
}

// decodeError rebuilds the server's taxonomy error from the envelope so
// callers can branch on code the same way server-side code does.
func decodeError(status int, raw []byte) error {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Message != "" {
		return apierr.New(status, envelope.Error.Code, fmt.Errorf("%s", envelope.Error.Message))
	}
	return apierr.New(status, "", fmt.Errorf("api error %d: %s", status, string(raw)))
}
