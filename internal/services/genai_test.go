package services

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/types"
)

func newSSEStreamFromString(raw string) *sseStream {
	body := io.NopCloser(strings.NewReader(raw))
	return &sseStream{body: body, scanner: bufio.NewScanner(body)}
}

func newTestGenAIClient(srv *httptest.Server) *genAIClient {
	return &genAIClient{
		log:        logger.NewNop(),
		baseURL:    srv.URL,
		apiKey:     "test-key",
		model:      "test-model",
		httpClient: srv.Client(),
		maxRetries: 2,
	}
}

func sseChunk(text string) string {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}}},
		},
	})
	return "data: " + string(payload) + "\n\n"
}

func drain(t *testing.T, stream CompletionStream) []string {
	t.Helper()
	var fragments []string
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fragments
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		fragments = append(fragments, fragment)
	}
}

func TestSendMessageStream(t *testing.T) {
	var gotBody genRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("Hel"))
		fmt.Fprint(w, sseChunk("lo"))
		fmt.Fprint(w, sseChunk(" there"))
	}))
	defer srv.Close()

	client := newTestGenAIClient(srv)
	session := client.StartChat([]types.Message{
		{Role: types.RoleUser, Parts: []types.Part{{Text: "hi"}}},
		{Role: "assistant", Parts: []types.Part{{Text: "hello"}}},
	})

	stream, err := session.SendMessageStream(context.Background(), []ContentPart{{Text: "and now?"}})
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}
	defer stream.Close()

	fragments := drain(t, stream)
	if got := strings.Join(fragments, ""); got != "Hello there" {
		t.Fatalf("accumulated=%q", got)
	}

	// The session must have replayed the full history (with the assistant
	// role normalized) ahead of the new prompt.
	if len(gotBody.Contents) != 3 {
		t.Fatalf("sent %d contents, want 3", len(gotBody.Contents))
	}
	if gotBody.Contents[1].Role != types.RoleModel {
		t.Fatalf("replayed role=%q, want model", gotBody.Contents[1].Role)
	}
	if gotBody.Contents[2].Parts[0].Text != "and now?" {
		t.Fatalf("prompt=%q", gotBody.Contents[2].Parts[0].Text)
	}
}

func TestSendMessageStreamInlineData(t *testing.T) {
	var gotBody genRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, sseChunk("ok"))
	}))
	defer srv.Close()

	client := newTestGenAIClient(srv)
	session := client.StartChat(nil)
	stream, err := session.SendMessageStream(context.Background(), []ContentPart{
		{InlineData: &InlineData{MIMEType: "image/png", Data: "aGk="}},
		{Text: "what is this?"},
	})
	if err != nil {
		t.Fatalf("SendMessageStream: %v", err)
	}
	stream.Close()

	parts := gotBody.Contents[0].Parts
	if len(parts) != 2 || parts[0].InlineData == nil || parts[0].InlineData.MimeType != "image/png" {
		t.Fatalf("inline data not forwarded: %+v", parts)
	}
}

func TestOpenStreamRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, sseChunk("recovered"))
	}))
	defer srv.Close()

	client := newTestGenAIClient(srv)
	session := client.StartChat(nil)
	stream, err := session.SendMessageStream(context.Background(), []ContentPart{{Text: "hi"}})
	if err != nil {
		t.Fatalf("SendMessageStream after retry: %v", err)
	}
	defer stream.Close()

	if fragments := drain(t, stream); len(fragments) != 1 || fragments[0] != "recovered" {
		t.Fatalf("fragments=%v", fragments)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
}

func TestOpenStreamGivesUpOnBadRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestGenAIClient(srv)
	session := client.StartChat(nil)
	if _, err := session.SendMessageStream(context.Background(), []ContentPart{{Text: "hi"}}); err == nil {
		t.Fatal("expected error for 400")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1 (no retry on 400)", calls.Load())
	}
}

func TestSSEStreamParsing(t *testing.T) {
	raw := strings.Join([]string{
		": comment line",
		sseChunk("a"),
		"data: ",
		sseChunk(""),
		sseChunk("b"),
		"data: [DONE]",
		"",
	}, "\n")

	stream := newSSEStreamFromString(raw)
	var fragments []string
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		fragments = append(fragments, fragment)
	}
	if len(fragments) != 2 || fragments[0] != "a" || fragments[1] != "b" {
		t.Fatalf("fragments=%v", fragments)
	}
}

func TestSSEStreamErrorEvent(t *testing.T) {
	raw := `data: {"error":{"code":429,"message":"quota exceeded"}}` + "\n"
	stream := newSSEStreamFromString(raw)
	if _, err := stream.Recv(); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err=%v, want quota error", err)
	}
}
