package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/models"
	"campus-assistant/utils"

	"github.com/gin-gonic/gin"
)

func SetupHistoryRoutes(api *gin.RouterGroup, history HistoryLister, exporter HistoryExporter, limit gin.HandlerFunc) {
	g := api.Group("/history", limit)
	g.GET("", handleListHistory(history))
	g.GET("/export", handleExportHistory(exporter))
}

func handleListHistory(history HistoryLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := parseHistoryFilter(c)
		if err != nil {
			utils.RespondWithBadRequest(c, "Invalid filter", gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := utils.WithTimeout(c.Request.Context())
		defer cancel()

		page, err := history.List(ctx, f)
		if err != nil {
			logger.Error("History query failed", "error", err)
			utils.RespondWithInternalError(c, "Failed to load history", nil)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

func handleExportHistory(exporter HistoryExporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := parseHistoryFilter(c)
		if err != nil {
			utils.RespondWithBadRequest(c, "Invalid filter", gin.H{"error": err.Error()})
			return
		}
		ctx, cancel := utils.WithLongTimeout(c.Request.Context())
		defer cancel()

		data, n, err := exporter.ExportHistory(ctx, f)
		if err != nil {
			logger.Error("History export failed", "error", err)
			utils.RespondWithInternalError(c, "Failed to export history", nil)
			return
		}

		name := fmt.Sprintf("qa_history_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
		c.Header("Content-Disposition", "attachment; filename="+name)
		c.Header("X-Record-Count", strconv.Itoa(n))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	}
}

func parseHistoryFilter(c *gin.Context) (models.HistoryFilter, error) {
	f := models.HistoryFilter{
		StudentID: c.Query("student_id"),
		ThreadID:  c.Query("thread_id"),
		Intent:    c.Query("intent"),
	}

	var err error
	if f.Page, err = queryInt(c, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return f, err
	}
	if f.From, err = queryTime(c, "from", false); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to", true); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, fmt.Errorf("to is before from")
	}
	return f, nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// queryTime accepts RFC 3339 or a plain date. A plain end date covers the
// whole day.
func queryTime(c *gin.Context, name string, endOfDay bool) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be RFC 3339 or YYYY-MM-DD", name)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
