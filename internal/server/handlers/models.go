package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelane/antigravity-relay/internal/account"
	"github.com/codelane/antigravity-relay/internal/cloudcode"
	"github.com/codelane/antigravity-relay/internal/utils"
)

// ModelsHandler serves GET /v1/models.
type ModelsHandler struct {
	manager *account.Manager
	client  *cloudcode.Client
}

// NewModelsHandler builds the handler.
func NewModelsHandler(manager *account.Manager, client *cloudcode.Client) *ModelsHandler {
	return &ModelsHandler{manager: manager, client: client}
}

// ListModels returns the upstream model list in Messages API shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	ctx := c.Request.Context()

	result, err := h.manager.SelectAccount(ctx, "")
	if err != nil || result.Account == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "No accounts available",
			},
		})
		return
	}

	token, err := h.manager.GetToken(ctx, result.Account)
	if err != nil {
		utils.Error("[API] Error getting token for models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": err.Error(),
			},
		})
		return
	}

	models, err := h.client.ListModels(ctx, token)
	if err != nil {
		utils.Error("[API] Error listing models: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, models)
}
