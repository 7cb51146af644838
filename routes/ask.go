package routes

import (
	"net/http"
	"strings"

	"campus-assistant/internal/memory"
	"campus-assistant/internal/orchestrator"
	"campus-assistant/models"
	"campus-assistant/utils"

	"github.com/gin-gonic/gin"
)

// SetupAskRoutes registers POST /ask. Questions on the same thread are
// answered one at a time.
func SetupAskRoutes(api *gin.RouterGroup, asker Asker, limit gin.HandlerFunc) {
	locks := &memory.KeyedMutex{}
	api.POST("/ask", limit, handleAsk(asker, locks))
}

func handleAsk(asker Asker, locks *memory.KeyedMutex) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.AskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		req.Question = strings.TrimSpace(req.Question)
		req.ThreadID = strings.TrimSpace(req.ThreadID)
		if req.Question == "" || req.ThreadID == "" {
			utils.RespondWithBadRequest(c, "question and thread_id must not be blank", nil)
			return
		}

		unlock := locks.Lock(req.ThreadID)
		defer unlock()

		in, answer := asker.Ask(c.Request.Context(), orchestrator.AskRequest{
			Question:  req.Question,
			ThreadID:  req.ThreadID,
			FileKey:   strings.TrimSpace(req.Key),
			EntityKey: strings.TrimSpace(req.StudentID),
		})

		c.JSON(http.StatusOK, models.AskResponse{
			Answer: answer,
			Intent: in.Name(),
		})
	}
}
