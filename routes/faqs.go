package routes

import (
	"errors"
	"net/http"

	"campus-assistant/internal/logger"
	"campus-assistant/models"
	"campus-assistant/services"
	"campus-assistant/utils"

	"github.com/gin-gonic/gin"
)

func SetupFAQRoutes(api *gin.RouterGroup, faqs FAQStore, limit gin.HandlerFunc) {
	g := api.Group("/faqs", limit)
	g.GET("", func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		list, err := faqs.ListActive(ctx)
		if err != nil {
			respondFAQError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"faqs": list, "total": len(list)})
	})

	g.POST("", func(c *gin.Context) {
		var req models.CreateFAQRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		faq, err := faqs.Create(ctx, req)
		if err != nil {
			respondFAQError(c, err)
			return
		}
		c.JSON(http.StatusCreated, faq)
	})

	g.PATCH("/:id", func(c *gin.Context) {
		var req models.UpdateFAQRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		faq, err := faqs.Update(ctx, c.Param("id"), req)
		if err != nil {
			respondFAQError(c, err)
			return
		}
		c.JSON(http.StatusOK, faq)
	})

	g.DELETE("/:id", func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		if err := faqs.Delete(ctx, c.Param("id")); err != nil {
			respondFAQError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "FAQ deactivated"})
	})
}

func respondFAQError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrNotFound) {
		utils.RespondWithNotFound(c, "FAQ not found")
		return
	}
	logger.Error("FAQ request failed", "path", c.FullPath(), "error", err)
	utils.RespondWithInternalError(c, "FAQ operation failed", nil)
}
