package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	// RoleUser and RoleModel are the canonical history roles. Some clients send
	// "assistant" for the non-user role; NormalizeRole folds it into RoleModel at
	// the boundary so nothing downstream ever sees it.
	RoleUser  = "user"
	RoleModel = "model"

	roleAssistant = "assistant"

	// TitleMaxLen is how much of the first message text a chat summary exposes.
	TitleMaxLen = 30

	UntitledChat = "Untitled Chat"
)

type Part struct {
	Text string `json:"text"`
}

// Message is one turn of a chat history. Only Parts[0].Text is consulted
// downstream; extra parts are stored untouched.
type Message struct {
	Role  string  `json:"role"`
	Parts []Part  `json:"parts"`
	Img   *string `json:"img,omitempty"`
}

// FirstText returns the text of the leading part, or "".
func (m Message) FirstText() string {
	if len(m.Parts) == 0 {
		return ""
	}
	return m.Parts[0].Text
}

func NormalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == roleAssistant {
		return RoleModel
	}
	return role
}

// ValidRole reports whether role is part of the canonical set after normalization.
func ValidRole(role string) bool {
	role = NormalizeRole(role)
	return role == RoleUser || role == RoleModel
}

type Chat struct {
	ID      uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID  string         `gorm:"index;not null;column:user_id" json:"userId"`
	History datatypes.JSON `gorm:"not null;column:history" json:"history"`
	// Version guards the read-modify-write append; every history write bumps it.
	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null" json:"updatedAt"`
}

func (Chat) TableName() string {
	return "chat"
}

// HistoryItems decodes the stored history column.
func (c *Chat) HistoryItems() ([]Message, error) {
	if len(c.History) == 0 {
		return []Message{}, nil
	}
	var items []Message
	if err := json.Unmarshal(c.History, &items); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return items, nil
}

// SetHistory normalizes roles and encodes items into the history column.
func (c *Chat) SetHistory(items []Message) error {
	for i := range items {
		items[i].Role = NormalizeRole(items[i].Role)
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	c.History = datatypes.JSON(raw)
	return nil
}

// Title derives the list title from the first message text.
func (c *Chat) Title() string {
	items, err := c.HistoryItems()
	if err != nil || len(items) == 0 {
		return UntitledChat
	}
	text := items[0].FirstText()
	if text == "" {
		return UntitledChat
	}
	runes := []rune(text)
	if len(runes) > TitleMaxLen {
		return string(runes[:TitleMaxLen])
	}
	return text
}

// ChatSummary is the /api/userchats projection.
type ChatSummary struct {
	ID        uuid.UUID      `json:"id"`
	Title     string         `json:"title"`
	History   datatypes.JSON `json:"history"`
	UserID    string         `json:"userId"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func (c *Chat) Summary() ChatSummary {
	return ChatSummary{
		ID:        c.ID,
		Title:     c.Title(),
		History:   c.History,
		UserID:    c.UserID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
