package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/types"
)

// ErrVersionConflict means the conditional history write matched no row at the
// expected version: either the chat is gone or a concurrent append won. Callers
// re-read and retry (or report not found).
var ErrVersionConflict = errors.New("chat version conflict")

type ChatRepo interface {
	Create(ctx context.Context, tx *gorm.DB, chats []*types.Chat) ([]*types.Chat, error)
	GetByID(ctx context.Context, tx *gorm.DB, chatID uuid.UUID) (*types.Chat, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Chat, error)

	// ReplaceHistory writes history only when the row still carries
	// expectedVersion, bumping the version in the same statement. The chat's
	// history column is mutated exclusively through this compare-and-swap; a
	// wholesale Save of a stale copy would silently drop concurrent appends.
	ReplaceHistory(ctx context.Context, tx *gorm.DB, chatID uuid.UUID, expectedVersion int64, history datatypes.JSON) error
}

type chatRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChatRepo(db *gorm.DB, baseLog *logger.Logger) ChatRepo {
	return &chatRepo{db: db, log: baseLog.With("repo", "ChatRepo")}
}

func (cr *chatRepo) Create(ctx context.Context, tx *gorm.DB, chats []*types.Chat) ([]*types.Chat, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	if len(chats) == 0 {
		return []*types.Chat{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

func (cr *chatRepo) GetByID(ctx context.Context, tx *gorm.DB, chatID uuid.UUID) (*types.Chat, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	var chat types.Chat
	err := transaction.WithContext(ctx).
		Where("id = ?", chatID).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (cr *chatRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID string) ([]*types.Chat, error) {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	var results []*types.Chat
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (cr *chatRepo) ReplaceHistory(ctx context.Context, tx *gorm.DB, chatID uuid.UUID, expectedVersion int64, history datatypes.JSON) error {
	transaction := tx
	if transaction == nil {
		transaction = cr.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.Chat{}).
		Where("id = ? AND version = ?", chatID, expectedVersion).
		Updates(map[string]interface{}{
			"history": history,
			"version": expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}
