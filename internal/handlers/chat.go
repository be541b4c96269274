package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lumachat/backend/internal/apierr"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/requestdata"
	"github.com/lumachat/backend/internal/services"
	"github.com/lumachat/backend/internal/sse"
	"github.com/lumachat/backend/internal/types"
)

type ChatHandler struct {
	log         *logger.Logger
	chatService services.ChatService
	hub         *sse.Hub
}

func NewChatHandler(log *logger.Logger, chatService services.ChatService, hub *sse.Hub) *ChatHandler {
	return &ChatHandler{
		log:         log.With("handler", "ChatHandler"),
		chatService: chatService,
		hub:         hub,
	}
}

// CreateChat seeds a new chat from the opening history.
// POST /api/chats
func (ch *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		History []types.Message `json:"history"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apierr.InvalidInput(fmt.Errorf("invalid request body")))
		return
	}
	chat, err := ch.chatService.CreateChat(c.Request.Context(), req.History)
	if err != nil {
		RespondError(c, err)
		return
	}
	ch.notify(c, sse.EventChatCreated, chat.ID)
	RespondCreated(c, chat)
}

// GetUserChats lists the caller's chats with derived titles.
// GET /api/userchats
func (ch *ChatHandler) GetUserChats(c *gin.Context) {
	summaries, err := ch.chatService.ListUserChats(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, summaries)
}

// GetChat returns one owned chat.
// GET /api/chats/:id
func (ch *ChatHandler) GetChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.NotFound(fmt.Errorf("chat not found")))
		return
	}
	chat, err := ch.chatService.GetChat(c.Request.Context(), chatID)
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, chat)
}

// UpdateChat runs the append protocol for one finished turn.
// PUT /api/chats/:id
func (ch *ChatHandler) UpdateChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, apierr.NotFound(fmt.Errorf("chat not found")))
		return
	}
	var req struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
		Img      string `json:"img"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, apierr.InvalidInput(fmt.Errorf("invalid request body")))
		return
	}
	chat, err := ch.chatService.AppendToChat(c.Request.Context(), chatID, req.Question, req.Answer, req.Img)
	if err != nil {
		RespondError(c, err)
		return
	}
	ch.notify(c, sse.EventChatUpdated, chat.ID)
	RespondOK(c, chat)
}

// notify tells the caller's other sessions to refetch.
func (ch *ChatHandler) notify(c *gin.Context, event sse.Event, chatID uuid.UUID) {
	if ch.hub == nil {
		return
	}
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		return
	}
	ch.hub.Broadcast(sse.Message{
		Channel: sse.UserChannel(rd.UserID),
		Event:   event,
		Data:    gin.H{"chatId": chatID},
	})
}
