package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/types"
	"github.com/lumachat/backend/internal/utils"
)

// GenAIClient starts model sessions against the generative-AI vendor. Sessions
// carry the full replayed conversation; the vendor is stateless between calls.
type GenAIClient interface {
	StartChat(history []types.Message) ChatSession
}

type ChatSession interface {
	// SendMessageStream sends one prompt (text plus optional inline image data)
	// and returns the vendor's incremental reply. The stream is finite and not
	// restartable; a failure mid-stream loses the remainder.
	SendMessageStream(ctx context.Context, parts []ContentPart) (CompletionStream, error)
}

// CompletionStream yields text fragments until io.EOF.
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

type ContentPart struct {
	Text       string
	InlineData *InlineData
}

type InlineData struct {
	MIMEType string
	Data     string
}

type genAIClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	maxRetries int
}

func NewGenAIClient(log *logger.Logger) (GenAIClient, error) {
	apiKey, err := utils.MustGetEnv("GEMINI_API_KEY")
	if err != nil {
		return nil, err
	}

	baseURL := utils.GetEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com", log)
	model := utils.GetEnv("GEMINI_MODEL", "gemini-2.0-flash", log)
	maxRetries := utils.GetEnvAsInt("GEMINI_MAX_RETRIES", 3, log)

	// No overall client timeout: a healthy stream can legitimately run for
	// minutes. Cancellation comes from the request context.
	return &genAIClient{
		log:        log.With("service", "GenAIClient"),
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
		maxRetries: maxRetries,
	}, nil
}

func (c *genAIClient) StartChat(history []types.Message) ChatSession {
	contents := make([]genContent, 0, len(history))
	for _, msg := range history {
		contents = append(contents, genContent{
			Role:  types.NormalizeRole(msg.Role),
			Parts: []genPart{{Text: msg.FirstText()}},
		})
	}
	return &genAISession{client: c, contents: contents}
}

type genAISession struct {
	client   *genAIClient
	contents []genContent
}

func (s *genAISession) SendMessageStream(ctx context.Context, parts []ContentPart) (CompletionStream, error) {
	wireParts := make([]genPart, 0, len(parts))
	for _, p := range parts {
		wp := genPart{Text: p.Text}
		if p.InlineData != nil {
			wp.InlineData = &genInlineData{MimeType: p.InlineData.MIMEType, Data: p.InlineData.Data}
		}
		wireParts = append(wireParts, wp)
	}
	s.contents = append(s.contents, genContent{Role: types.RoleUser, Parts: wireParts})

	body := genRequest{Contents: s.contents}
	resp, err := s.client.openStream(ctx, body)
	if err != nil {
		return nil, err
	}
	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// openStream establishes the streaming request, retrying with jittered backoff
// while nothing has been consumed yet. Once fragments flow there is no retry.
func (c *genAIClient) openStream(ctx context.Context, body genRequest) (*http.Response, error) {
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := c.openOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableErr(err) || attempt == c.maxRetries {
			break
		}

		c.log.Warn("Stream open failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitterSleep(backoff)):
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("genai stream open: %w", lastErr)
}

func (c *genAIClient) openOnce(ctx context.Context, body genRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, &genaiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, nil
}

// sseStream parses text/event-stream payloads into text fragments.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk genResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("genai decode chunk: %w; raw=%s", err, payload)
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("genai stream error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}

		text := chunk.text()
		if text == "" {
			continue
		}
		return text, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

type genRequest struct {
	Contents []genContent `json:"contents"`
}

type genContent struct {
	Role  string    `json:"role"`
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *genInlineData `json:"inlineData,omitempty"`
}

type genInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type genResponse struct {
	Candidates []struct {
		Content genContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r genResponse) text() string {
	var sb strings.Builder
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

type genaiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *genaiHTTPError) Error() string {
	return fmt.Sprintf("genai http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}
	var httpErr *genaiHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func jitterSleep(base time.Duration) time.Duration {
	// +/- 20%
	if base <= 0 {
		return 0
	}
	delta := base.Seconds() * 0.2
	low := base.Seconds() - delta
	high := base.Seconds() + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v * float64(time.Second))
}
