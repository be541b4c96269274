package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/lumachat/backend/internal/apierr"
	"github.com/lumachat/backend/internal/logger"
	"github.com/lumachat/backend/internal/requestdata"
	"github.com/lumachat/backend/internal/sse"
)

type EventsHandler struct {
	log *logger.Logger
	hub *sse.Hub
}

func NewEventsHandler(log *logger.Logger, hub *sse.Hub) *EventsHandler {
	return &EventsHandler{log: log.With("handler", "EventsHandler"), hub: hub}
}

// Stream serves the caller's event channel over SSE.
// GET /api/events
func (eh *EventsHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == "" {
		RespondError(c, apierr.Unauthorized(fmt.Errorf("not authenticated")))
		return
	}
	client := eh.hub.Subscribe(sse.UserChannel(rd.UserID))
	eh.hub.ServeHTTP(c.Writer, c.Request, client)
}
