package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lumachat/backend/internal/apierr"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/repos"
	"github.com/lumachat/backend/internal/requestdata"
	"github.com/lumachat/backend/internal/types"
)

func newTestChatService(t *testing.T) ChatService {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&types.Chat{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	log := logger.NewNop()
	return NewChatService(db, log, repos.NewChatRepo(db, log))
}

func callerCtx(userID string) context.Context {
	return requestdata.WithRequestData(context.Background(), &requestdata.RequestData{UserID: userID})
}

func seedMessage(text string) []types.Message {
	return []types.Message{{Role: types.RoleUser, Parts: []types.Part{{Text: text}}}}
}

func historyOf(t *testing.T, chat *types.Chat) []types.Message {
	t.Helper()
	items, err := chat.HistoryItems()
	if err != nil {
		t.Fatalf("HistoryItems: %v", err)
	}
	return items
}

func TestCreateChat(t *testing.T) {
	svc := newTestChatService(t)
	ctx := callerCtx("user_a")

	chat, err := svc.CreateChat(ctx, seedMessage("Hello"))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if chat.UserID != "user_a" {
		t.Fatalf("owner=%q, want user_a", chat.UserID)
	}
	items := historyOf(t, chat)
	if len(items) != 1 || items[0].Role != types.RoleUser {
		t.Fatalf("unexpected seeded history: %+v", items)
	}

	if _, err := svc.CreateChat(ctx, nil); apierr.From(err).Code != apierr.CodeInvalidInput {
		t.Fatalf("empty history err=%v, want invalid_input", err)
	}
	if _, err := svc.CreateChat(context.Background(), seedMessage("x")); apierr.From(err).Code != apierr.CodeUnauthorized {
		t.Fatalf("unauthenticated err=%v, want unauthorized", err)
	}
}

func TestAppendToChat(t *testing.T) {
	cases := []struct {
		name      string
		question  string
		answer    string
		img       string
		wantAdded int
		wantCode  string
	}{
		{name: "question_and_answer", question: "why?", answer: "because", wantAdded: 2},
		{name: "question_only", question: "why?", wantAdded: 1},
		{name: "answer_only", answer: "because", wantAdded: 1},
		{name: "whitespace_only_rejected", question: "   ", answer: "\n\t", wantCode: apierr.CodeInvalidInput},
		{name: "question_with_image", question: "what is this?", img: "uploads/pic.png", wantAdded: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestChatService(t)
			ctx := callerCtx("user_a")
			chat, err := svc.CreateChat(ctx, seedMessage("seed"))
			if err != nil {
				t.Fatalf("CreateChat: %v", err)
			}

			updated, err := svc.AppendToChat(ctx, chat.ID, tc.question, tc.answer, tc.img)
			if tc.wantCode != "" {
				if apierr.From(err).Code != tc.wantCode {
					t.Fatalf("err=%v, want code %q", err, tc.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("AppendToChat: %v", err)
			}

			items := historyOf(t, updated)
			if len(items) != 1+tc.wantAdded {
				t.Fatalf("history length=%d, want %d", len(items), 1+tc.wantAdded)
			}
			if tc.question != "" {
				q := items[1]
				if q.Role != types.RoleUser || q.FirstText() != strings.TrimSpace(tc.question) {
					t.Fatalf("user item=%+v", q)
				}
				if tc.img != "" && (q.Img == nil || *q.Img != tc.img) {
					t.Fatalf("img not carried on user item: %+v", q)
				}
			}
			last := items[len(items)-1]
			if tc.answer != "" && (last.Role != types.RoleModel || last.FirstText() != strings.TrimSpace(tc.answer)) {
				t.Fatalf("model item=%+v", last)
			}
		})
	}
}

// Appending question then answer in two calls lands the same final history as
// one call carrying both.
func TestAppendTwoCallsEquivalent(t *testing.T) {
	svc := newTestChatService(t)
	ctx := callerCtx("user_a")

	split, err := svc.CreateChat(ctx, seedMessage("seed"))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := svc.AppendToChat(ctx, split.ID, "q1", "", ""); err != nil {
		t.Fatalf("append q1: %v", err)
	}
	splitDone, err := svc.AppendToChat(ctx, split.ID, "", "a1", "")
	if err != nil {
		t.Fatalf("append a1: %v", err)
	}

	combined, err := svc.CreateChat(ctx, seedMessage("seed"))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	combinedDone, err := svc.AppendToChat(ctx, combined.ID, "q1", "a1", "")
	if err != nil {
		t.Fatalf("append both: %v", err)
	}

	if !bytes.Equal(splitDone.History, combinedDone.History) {
		t.Fatalf("histories differ:\n%s\n%s", splitDone.History, combinedDone.History)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	svc := newTestChatService(t)
	ctxA := callerCtx("user_a")
	ctxB := callerCtx("user_b")

	chat, err := svc.CreateChat(ctxA, seedMessage("private"))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	// Reads and writes by another user look like a missing chat, never a 403.
	if _, err := svc.GetChat(ctxB, chat.ID); apierr.From(err).Code != apierr.CodeNotFound {
		t.Fatalf("cross-user get err=%v, want not_found", err)
	}
	if _, err := svc.AppendToChat(ctxB, chat.ID, "sneaky", "", ""); apierr.From(err).Code != apierr.CodeNotFound {
		t.Fatalf("cross-user append err=%v, want not_found", err)
	}

	summaries, err := svc.ListUserChats(ctxB)
	if err != nil {
		t.Fatalf("ListUserChats: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("user_b sees %d chats, want 0", len(summaries))
	}
}

func TestGetChatIdempotentReread(t *testing.T) {
	svc := newTestChatService(t)
	ctx := callerCtx("user_a")

	chat, err := svc.CreateChat(ctx, seedMessage("seed"))
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	first, err := svc.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	second, err := svc.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if !bytes.Equal(first.History, second.History) {
		t.Fatalf("re-read changed history:\n%s\n%s", first.History, second.History)
	}

	if _, err := svc.GetChat(ctx, uuid.New()); apierr.From(err).Code != apierr.CodeNotFound {
		t.Fatalf("missing chat err=%v, want not_found", err)
	}
}

func TestListUserChatsTitles(t *testing.T) {
	svc := newTestChatService(t)
	ctx := callerCtx("user_a")

	longText := strings.Repeat("x", 40)
	if _, err := svc.CreateChat(ctx, seedMessage(longText)); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	summaries, err := svc.ListUserChats(ctx)
	if err != nil {
		t.Fatalf("ListUserChats: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	if summaries[0].Title != longText[:30] {
		t.Fatalf("title=%q (%d chars), want first 30 chars", summaries[0].Title, len(summaries[0].Title))
	}
}

func TestClassifyStoreErr(t *testing.T) {
	if got := classifyStoreErr(gorm.ErrRecordNotFound); got.Code != apierr.CodeNotFound {
		t.Fatalf("record-not-found mapped to %q", got.Code)
	}
	if got := classifyStoreErr(&pgconn.PgError{Code: pgUniqueViolation}); got.Code != apierr.CodeConflict {
		t.Fatalf("unique violation mapped to %q", got.Code)
	}
	if got := classifyStoreErr(&pgconn.PgError{Code: pgForeignKeyViolation}); got.Code != apierr.CodeInvalidReference {
		t.Fatalf("fk violation mapped to %q", got.Code)
	}
	if got := classifyStoreErr(errors.New("connection refused")); got.Code != apierr.CodeStorageError {
		t.Fatalf("generic error mapped to %q", got.Code)
	}
}
