package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/lumachat/backend/internal/apierr"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/repos"
	"github.com/lumachat/backend/internal/requestdata"
	"github.com/lumachat/backend/internal/types"
)

// maxAppendRetries bounds the compare-and-swap loop in AppendToChat. Conflicts
// only happen when two appends to the same chat race, so a couple of re-reads
// is plenty before giving up with a Conflict.
const maxAppendRetries = 3

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type ChatService interface {
	// CreateChat seeds a new chat owned by the authenticated caller.
	CreateChat(ctx context.Context, history []types.Message) (*types.Chat, error)

	// ListUserChats returns the caller's chats as title-bearing summaries.
	ListUserChats(ctx context.Context) ([]types.ChatSummary, error)

	// GetChat loads one chat. A chat that exists but belongs to someone else
	// reads as not found, so callers cannot probe for other users' chat ids.
	GetChat(ctx context.Context, chatID uuid.UUID) (*types.Chat, error)

	// AppendToChat appends up to two history items, the trimmed question as a
	// user turn (with the optional image reference) followed by the trimmed
	// answer as a model turn. At least one of the two must be non-empty.
	AppendToChat(ctx context.Context, chatID uuid.UUID, question, answer, imgRef string) (*types.Chat, error)
}

type chatService struct {
	db    *gorm.DB
	log   *logger.Logger
	chats repos.ChatRepo
}

func NewChatService(db *gorm.DB, baseLog *logger.Logger, chatRepo repos.ChatRepo) ChatService {
	return &chatService{
		db:    db,
		log:   baseLog.With("service", "ChatService"),
		chats: chatRepo,
	}
}

func (cs *chatService) CreateChat(ctx context.Context, history []types.Message) (*types.Chat, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID == "" {
		return nil, apierr.Unauthorized(fmt.Errorf("not authenticated"))
	}
	if len(history) == 0 {
		return nil, apierr.InvalidInput(fmt.Errorf("chat history is required and must be a non-empty array"))
	}
	for i := range history {
		history[i].Role = types.NormalizeRole(history[i].Role)
		if !types.ValidRole(history[i].Role) {
			return nil, apierr.InvalidInput(fmt.Errorf("history[%d] has unknown role %q", i, history[i].Role))
		}
		if strings.TrimSpace(history[i].FirstText()) == "" {
			return nil, apierr.InvalidInput(fmt.Errorf("history[%d] has no text", i))
		}
	}

	chat := &types.Chat{
		ID:     uuid.New(),
		UserID: rd.UserID,
	}
	if err := chat.SetHistory(history); err != nil {
		return nil, apierr.InvalidInput(err)
	}
	if _, err := cs.chats.Create(ctx, nil, []*types.Chat{chat}); err != nil {
		cs.log.Error("Failed to create chat", "userID", rd.UserID, "error", err)
		return nil, classifyStoreErr(err)
	}
	return chat, nil
}

func (cs *chatService) ListUserChats(ctx context.Context) ([]types.ChatSummary, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID == "" {
		return nil, apierr.Unauthorized(fmt.Errorf("not authenticated"))
	}
	chats, err := cs.chats.ListByUser(ctx, nil, rd.UserID)
	if err != nil {
		cs.log.Error("Failed to list chats", "userID", rd.UserID, "error", err)
		return nil, classifyStoreErr(err)
	}
	summaries := make([]types.ChatSummary, 0, len(chats))
	for _, chat := range chats {
		summaries = append(summaries, chat.Summary())
	}
	return summaries, nil
}

func (cs *chatService) GetChat(ctx context.Context, chatID uuid.UUID) (*types.Chat, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID == "" {
		return nil, apierr.Unauthorized(fmt.Errorf("not authenticated"))
	}
	chat, err := cs.chats.GetByID(ctx, nil, chatID)
	if err != nil {
		cs.log.Error("Failed to load chat", "chatID", chatID, "error", err)
		return nil, classifyStoreErr(err)
	}
	if chat == nil || chat.UserID != rd.UserID {
		return nil, apierr.NotFound(fmt.Errorf("chat not found"))
	}
	return chat, nil
}

func (cs *chatService) AppendToChat(ctx context.Context, chatID uuid.UUID, question, answer, imgRef string) (*types.Chat, error) {
	rd := requestdata.GetRequestData(ctx)
	if rd == nil || rd.UserID == "" {
		return nil, apierr.Unauthorized(fmt.Errorf("not authenticated"))
	}

	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" && answer == "" {
		return nil, apierr.InvalidInput(fmt.Errorf("question or answer required"))
	}

	newItems := buildAppendItems(question, answer, imgRef)

	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		chat, err := cs.chats.GetByID(ctx, nil, chatID)
		if err != nil {
			cs.log.Error("Failed to load chat for append", "chatID", chatID, "error", err)
			return nil, classifyStoreErr(err)
		}
		if chat == nil || chat.UserID != rd.UserID {
			return nil, apierr.NotFound(fmt.Errorf("chat not found"))
		}

		history, err := chat.HistoryItems()
		if err != nil {
			return nil, apierr.Storage(err)
		}
		if err := chat.SetHistory(append(history, newItems...)); err != nil {
			return nil, apierr.Storage(err)
		}

		err = cs.chats.ReplaceHistory(ctx, nil, chat.ID, chat.Version, chat.History)
		if errors.Is(err, repos.ErrVersionConflict) {
			cs.log.Debug("Append lost a version race, retrying", "chatID", chatID, "attempt", attempt)
			continue
		}
		if err != nil {
			cs.log.Error("Failed to append to chat", "chatID", chatID, "error", err)
			return nil, classifyStoreErr(err)
		}

		updated, err := cs.chats.GetByID(ctx, nil, chat.ID)
		if err != nil || updated == nil {
			return nil, classifyStoreErr(err)
		}
		return updated, nil
	}
	return nil, apierr.Conflict(fmt.Errorf("chat %s is being updated concurrently", chatID))
}

// buildAppendItems assembles the user-then-model item pair. The image
// reference only ever rides on the user turn.
func buildAppendItems(question, answer, imgRef string) []types.Message {
	var items []types.Message
	if question != "" {
		item := types.Message{
			Role:  types.RoleUser,
			Parts: []types.Part{{Text: question}},
		}
		if imgRef != "" {
			img := imgRef
			item.Img = &img
		}
		items = append(items, item)
	}
	if answer != "" {
		items = append(items, types.Message{
			Role:  types.RoleModel,
			Parts: []types.Part{{Text: answer}},
		})
	}
	return items
}

// classifyStoreErr maps persistence failures onto the API error taxonomy.
// SQLSTATE classes follow the postgres error codes; anything unclassified is a
// generic storage failure and is never retried automatically.
func classifyStoreErr(err error) *apierr.Error {
	if err == nil {
		return apierr.Storage(fmt.Errorf("storage error"))
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apierr.NotFound(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return apierr.Conflict(err)
		case pgForeignKeyViolation:
			return apierr.InvalidReference(err)
		}
	}
	return apierr.Storage(err)
}
