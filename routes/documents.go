package routes

import (
	"errors"
	"net/http"

	"campus-assistant/internal/ingest"
	"campus-assistant/internal/logger"
	"campus-assistant/models"
	"campus-assistant/services"
	"campus-assistant/utils"

	"github.com/gin-gonic/gin"
)

// SetupDocumentRoutes registers the document endpoints. jobs may be nil
// when ingestion runs in a separate worker. reset rebuilds the answering
// pipeline after a document is removed.
func SetupDocumentRoutes(api *gin.RouterGroup, docs DocumentStore, jobs JobTracker, reset func() error, limit gin.HandlerFunc) {
	g := api.Group("/documents", limit)
	g.POST("", handleUpload(docs))
	g.GET("", handleListDocuments(docs))
	g.GET("/:id", handleGetDocument(docs, jobs))
	g.DELETE("/:id", handleDeleteDocument(docs, reset))
	g.POST("/:id/reingest", handleReingest(docs))
}

func handleUpload(docs DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		fh, err := c.FormFile("file")
		if err != nil {
			utils.RespondWithBadRequest(c, "A file is required", gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		doc, err := docs.Upload(ctx, fh, c.PostForm("key"), c.PostForm("author"))
		if err != nil {
			respondDocumentError(c, err)
			return
		}

		c.JSON(http.StatusCreated, models.UploadResponse{
			ID:       doc.ID.Hex(),
			FileName: doc.FileName,
			Status:   doc.Status,
			Message:  "File accepted for ingestion",
		})
	}
}

func handleListDocuments(docs DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		list, err := docs.List(ctx)
		if err != nil {
			respondDocumentError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"documents": list, "total": len(list)})
	}
}

func handleGetDocument(docs DocumentStore, jobs JobTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		doc, err := docs.Get(ctx, c.Param("id"))
		if err != nil {
			respondDocumentError(c, err)
			return
		}

		resp := models.DocumentStatusResponse{Document: *doc}
		if jobs != nil {
			if st, ok := jobs.Status(c.Param("id")); ok {
				resp.Job = string(st.State)
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleDeleteDocument(docs DocumentStore, reset func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		if err := docs.Delete(ctx, c.Param("id")); err != nil {
			respondDocumentError(c, err)
			return
		}
		if reset != nil {
			if err := reset(); err != nil {
				logger.Warn("Answering pipeline not reset after delete", "document_id", c.Param("id"), "error", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"message": "Document deleted"})
	}
}

func handleReingest(docs DocumentStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		doc, err := docs.Reingest(ctx, c.Param("id"))
		if err != nil {
			respondDocumentError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, models.UploadResponse{
			ID:       doc.ID.Hex(),
			FileName: doc.FileName,
			Status:   doc.Status,
			Message:  "File queued for ingestion again",
		})
	}
}

func respondDocumentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		utils.RespondWithNotFound(c, "Document not found")
	case errors.Is(err, services.ErrUnsupportedFile):
		utils.RespondWithBadRequest(c, "Unsupported file type", gin.H{"allowed": ingest.Extensions})
	case errors.Is(err, services.ErrFileTooLarge):
		utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large", err.Error(), nil)
	case errors.Is(err, services.ErrInvalidState):
		utils.RespondWithConflict(c, "Only failed documents can be ingested again")
	case errors.Is(err, ingest.ErrQueueFull):
		c.Header("Retry-After", "30")
		utils.RespondWithTooManyRequests(c, "ingestion_busy", "Ingestion queue is full, try again shortly", nil)
	case errors.Is(err, ingest.ErrPoolClosed):
		utils.RespondWithServiceUnavailable(c, "Ingestion is shutting down")
	default:
		logger.Error("Document request failed", "path", c.FullPath(), "error", err)
		utils.RespondWithInternalError(c, "Document operation failed", nil)
	}
}
