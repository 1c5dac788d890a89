package controllers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/CUknot/collab_backend/apperrors"
)

// GetDocumentUsers godoc
// @Summary Get users in a document
// @Description Returns the display names currently connected to a document's edit room
// @Tags documents
// @Produce json
// @Security BearerAuth
// @Param documentId path string true "Document ID"
// @Success 200 {object} map[string]interface{} "List of display names"
// @Failure 400 {object} map[string]string "Invalid document ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Router /api/documents/{documentId}/users [get]
func (ctl *ChatController) GetDocumentUsers(c *gin.Context) {
	documentID := c.Param("documentId")
	if strings.TrimSpace(documentID) == "" {
		respondError(c, apperrors.Validation("documentId is required"))
		return
	}

	users := []string{}
	if ctl.publisher != nil {
		users = ctl.publisher.Presence(documentID)
	}
	c.JSON(http.StatusOK, gin.H{"documentId": documentID, "users": users})
}
