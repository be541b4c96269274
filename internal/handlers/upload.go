package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/lumachat/backend/internal/services"
)

type UploadHandler struct {
	credentials services.UploadCredentialService
}

func NewUploadHandler(credentials services.UploadCredentialService) *UploadHandler {
	return &UploadHandler{credentials: credentials}
}

// GetUploadCredentials issues short-lived CDN upload parameters.
// GET /api/upload
func (uh *UploadHandler) GetUploadCredentials(c *gin.Context) {
	RespondOK(c, uh.credentials.Credentials())
}
