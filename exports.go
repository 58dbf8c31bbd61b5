package main

import (
	"fmt"
	"net/http"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/models/reports"
	"github.com/cardiva/cardiva_backend/pipeline"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/gin-gonic/gin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func exportRFPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "exportRFPResult")
		content, fileName, _, err := reports.ExportRFPResultExcel(ctx, jobId)
		span.End()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", fileName))
		c.Data(http.StatusOK, xlsxContentType, content)
	}
}

type exportEmailRequest struct {
	RecipientEmail string `json:"recipient_email" binding:"required"`
}

// exportEmailHandler renders the spreadsheet and hands it to the pipeline for
// mailing. Delivery failure surfaces to the caller; the job itself is
// untouched either way.
func exportEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		var req exportEmailRequest
		if err := c.ShouldBindJSON(&req); err != nil || !utils.IsValidEmail(req.RecipientEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "a valid recipient_email is required"})
			return
		}

		ctx := c.Request.Context()
		job, err := models.GetRFPUploadJob(ctx, jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		exportCtx, span := tracer.Start(ctx, "exportRFPResultEmail")
		content, fileName, summary, err := reports.ExportRFPResultExcel(exportCtx, jobId)
		span.End()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		userId, _ := utils.GetUserIdFromContext(ctx)
		if err := pipeline.TriggerExportEmail(ctx, jobId, userId, req.RecipientEmail, fileName, job.FileName, summary, content); err != nil {
			logger := config.GetLogger()
			config.LogError(logger, "exports.go", "exportEmailHandler", "TriggerExportEmail",
				map[string]interface{}{"job_id": jobId, "recipient": req.RecipientEmail}, err)
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "email dispatch failed: " + err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"file_name": fileName, "summary": summary}})
	}
}
