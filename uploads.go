package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/pipeline"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/cardiva/cardiva_backend/workflow"
	"github.com/gin-gonic/gin"
)

const maxUploadSizeBytes int64 = 20 * 1024 * 1024

// sessionIdentity captures the request's tenant identity so queued upload
// tasks can rebuild a context after the HTTP request is gone.
type sessionIdentity struct {
	BusinessId    string
	UserId        int
	UserName      string
	CorrelationId string
}

func identityFromRequest(ctx context.Context) sessionIdentity {
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	return sessionIdentity{
		BusinessId:    businessId,
		UserId:        userId,
		UserName:      userName,
		CorrelationId: correlationId,
	}
}

func (id sessionIdentity) attach(ctx context.Context) context.Context {
	ctx = utils.SetBusinessIdInContext(ctx, id.BusinessId)
	ctx = utils.SetUserIdInContext(ctx, id.UserId)
	ctx = utils.SetUserNameInContext(ctx, id.UserName)
	return utils.SetCorrelationIdInContext(ctx, id.CorrelationId)
}

func readUploadedFile(c *gin.Context) (string, []byte, error) {
	header, err := c.FormFile("file")
	if err != nil {
		return "", nil, errors.New("file is required")
	}
	if header.Size > maxUploadSizeBytes {
		return "", nil, errors.New("file size exceeds 20MB limit")
	}
	f, err := header.Open()
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, maxUploadSizeBytes+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(content)) > maxUploadSizeBytes {
		return "", nil, errors.New("file size exceeds 20MB limit")
	}
	return filepath.Base(header.Filename), content, nil
}

// rfpUploadHandler creates the job row, then queues the storage write and
// pipeline trigger. Webhook failures are logged and leave the job row in
// pending for operator follow-up; they never roll the row back.
func rfpUploadHandler(queue *workflow.UploadQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		fileName, content, err := readUploadedFile(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if !strings.EqualFold(filepath.Ext(fileName), ".pdf") {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "only PDF files are accepted"})
			return
		}

		identity := identityFromRequest(c.Request.Context())
		storagePath := fmt.Sprintf("rfp/%s/%s%s", identity.BusinessId, utils.GenerateUniqueFilename(), filepath.Ext(fileName))

		job, err := models.CreateRFPUploadJob(c.Request.Context(), fileName, storagePath)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		jobId := job.ID
		task := func(ctx context.Context) error {
			taskCtx := identity.attach(ctx)
			if err := utils.UploadBytesToGCS(taskCtx, storagePath, content, "application/pdf"); err != nil {
				return err
			}
			return pipeline.TriggerRFPIngest(taskCtx, jobId, identity.UserId, storagePath, fileName, content)
		}
		err = queue.Enqueue(fileName, task, func(err error) {
			if err != nil {
				config.LogError(logger, "uploads.go", "rfpUploadHandler", "upload task", map[string]interface{}{"job_id": jobId}, err)
			}
		})
		if errors.Is(err, workflow.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many uploads in progress, try again shortly"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"success": true, "data": job})
	}
}

func countCSVRows(content []byte) int {
	rows := 0
	for _, line := range bytes.Split(content, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			rows++
		}
	}
	// exclude the header line
	if rows > 0 {
		rows--
	}
	return rows
}

func inventoryUploadHandler(queue *workflow.UploadQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		fileName, content, err := readUploadedFile(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		if !strings.EqualFold(filepath.Ext(fileName), ".csv") {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "only CSV files are accepted"})
			return
		}

		identity := identityFromRequest(c.Request.Context())
		rowCount := countCSVRows(content)

		job, err := models.CreateInventoryUploadJob(c.Request.Context(), fileName, rowCount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		jobId := job.ID
		task := func(ctx context.Context) error {
			taskCtx := identity.attach(ctx)
			return pipeline.TriggerInventoryIngest(taskCtx, jobId, identity.UserId, rowCount, fileName, content)
		}
		err = queue.Enqueue(fileName, task, func(err error) {
			if err != nil {
				config.LogError(logger, "uploads.go", "inventoryUploadHandler", "upload task", map[string]interface{}{"job_id": jobId}, err)
			}
		})
		if errors.Is(err, workflow.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"success": false, "error": "too many uploads in progress, try again shortly"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"success": true, "data": job})
	}
}

func listRFPJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := models.GetRFPUploadJobs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": jobs})
	}
}

func deleteRFPJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		job, err := models.DeleteRFPUploadJob(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": job})
	}
}

func listInventoryJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobs, err := models.GetInventoryUploadJobs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": jobs})
	}
}

func deleteInventoryJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobId, err := intParam(c, "jobId")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		job, err := models.DeleteInventoryUploadJob(c.Request.Context(), jobId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": job})
	}
}

// pipelineCallback is the row shape the external pipeline posts back while it
// processes a job and when extraction completes.
type pipelineCallback struct {
	JobType      string  `json:"job_type" binding:"required"`
	BusinessId   string  `json:"business_id" binding:"required"`
	JobId        int     `json:"job_id" binding:"required"`
	Status       string  `json:"status" binding:"required"`
	Progress     *int    `json:"progress"`
	ItemsTotal   *int    `json:"items_total"`
	RowCount     *int    `json:"row_count"`
	ErrorMessage *string `json:"error_message"`

	// Wholesale inserts on extraction completion.
	Items   []models.NewExtractedItem `json:"items"`
	Artigos []*models.Artigo          `json:"artigos"`
}

// pipelineCallbackHandler applies inbound status/progress updates and
// wholesale item + catalog inserts. The resulting change events reach the UI
// through the outbox like any other mutation.
func pipelineCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("PIPELINE_SHARED_SECRET")
		if secret == "" || c.Request.Header.Get("X-Webhook-Secret") != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
			return
		}

		var req pipelineCallback
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		status, err := models.ParseJobStatus(req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), req.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")

		switch req.JobType {
		case "rfp":
			if _, err := models.ApplyRFPJobPipelineUpdate(ctx, req.JobId, status, req.Progress, req.ItemsTotal, req.ErrorMessage); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
				return
			}
			if status == models.JobStatusCompleted && len(req.Items) > 0 {
				if _, err := models.InsertExtractionResults(ctx, req.JobId, req.Items); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
					return
				}
			}
		case "inventory":
			if _, err := models.ApplyInventoryJobPipelineUpdate(ctx, req.JobId, status, req.Progress, req.RowCount, req.ErrorMessage); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
				return
			}
			if (status == models.JobStatusCompleted || status == models.JobStatusPartial) && len(req.Artigos) > 0 {
				if _, err := models.ReplaceArtigos(ctx, req.JobId, req.Artigos); err != nil {
					c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
					return
				}
			}
		default:
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "unknown job_type"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func intParam(c *gin.Context, name string) (int, error) {
	value, err := strconv.Atoi(c.Param(name))
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}
