package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
)

type RFPUploadJob struct {
	ID                 int        `gorm:"primary_key" json:"id"`
	BusinessId         string     `gorm:"size:64;not null;index" json:"business_id"`
	UserId             int        `gorm:"not null;index" json:"user_id"`
	FileName           string     `gorm:"size:255;not null" json:"file_name"`
	StoragePath        string     `gorm:"size:512" json:"storage_path"`
	Status             JobStatus  `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	ProcessingProgress int        `gorm:"not null;default:0" json:"processing_progress"`
	ItemsTotal         int        `gorm:"not null;default:0" json:"items_total"`
	ErrorMessage       *string    `gorm:"type:text" json:"error_message"`
	ConfirmedAt        *time.Time `json:"confirmed_at"`
	LastEditedBy       string     `gorm:"size:100" json:"last_edited_by"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreateRFPUploadJob registers an uploaded document before the pipeline trigger
// fires. The pipeline owns all later status/progress transitions.
func CreateRFPUploadJob(ctx context.Context, fileName string, storagePath string) (*RFPUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	job := RFPUploadJob{
		BusinessId:  businessId,
		UserId:      userId,
		FileName:    fileName,
		StoragePath: storagePath,
		Status:      JobStatusPending,
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "rfp_upload_jobs", job.ID, ChangeEventActionInsert, &job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &job, tx.Commit().Error
}

func GetRFPUploadJob(ctx context.Context, id int) (*RFPUploadJob, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[RFPUploadJob](ctx, businessId, id)
}

// GetRFPUploadJobs lists the tenant's jobs newest first. RFP jobs are shared
// across the whole business, unlike inventory jobs which are per user.
func GetRFPUploadJobs(ctx context.Context) ([]*RFPUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*RFPUploadJob
	err := db.WithContext(ctx).Where("business_id = ?", businessId).
		Order("created_at DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteRFPUploadJob cascades items and suggestions and removes the stored PDF.
// Only the owning user (or an admin) may delete.
func DeleteRFPUploadJob(ctx context.Context, id int) (*RFPUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	job, err := utils.FetchModel[RFPUploadJob](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	userId, _ := utils.GetUserIdFromContext(ctx)
	isAdmin, _ := utils.GetIsAdminFromContext(ctx)
	if job.UserId != userId && !isAdmin {
		return nil, errors.New("not allowed to delete this job")
	}

	db := config.GetDB()
	tx := db.Begin()

	// child rows first: suggestions reference items
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND rfp_item_id IN (?)", businessId,
			tx.Model(&RFPItem{}).Select("id").Where("business_id = ? AND rfp_upload_job_id = ?", businessId, id)).
		Delete(&MatchSuggestion{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).
		Where("business_id = ? AND rfp_upload_job_id = ?", businessId, id).
		Delete(&RFPItem{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Delete(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "rfp_upload_jobs", job.ID, ChangeEventActionDelete, &job); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	// stored file removal is best-effort: the row is already gone
	if job.StoragePath != "" {
		if err := utils.DeleteObjectFromGCS(ctx, job.StoragePath); err != nil {
			logger := config.GetLogger()
			config.LogError(logger, "models", "DeleteRFPUploadJob", "delete stored file",
				map[string]interface{}{"job_id": job.ID, "storage_path": job.StoragePath}, err)
		}
	}

	return job, nil
}

// ApplyRFPJobPipelineUpdate applies an inbound status/progress update from the
// external pipeline. The pipeline is the only writer of these columns.
func ApplyRFPJobPipelineUpdate(ctx context.Context, jobId int, status JobStatus, progress *int, itemsTotal *int, errorMessage *string) (*RFPUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	job, err := utils.FetchModel[RFPUploadJob](ctx, businessId, jobId)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"Status":       status,
		"ErrorMessage": errorMessage,
	}
	if progress != nil {
		updates["ProcessingProgress"] = *progress
	}
	if itemsTotal != nil {
		updates["ItemsTotal"] = *itemsTotal
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "rfp_upload_jobs", job.ID, ChangeEventActionUpdate, job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return job, tx.Commit().Error
}

// ConfirmRFP finalizes a job. The por-rever/at-least-one-accepted gate is the
// caller's responsibility; the data layer only toggles confirmed_at.
func ConfirmRFP(ctx context.Context, jobId int) (*RFPUploadJob, error) {
	return setRFPConfirmation(ctx, jobId, true)
}

func RevertConfirmation(ctx context.Context, jobId int) (*RFPUploadJob, error) {
	return setRFPConfirmation(ctx, jobId, false)
}

func setRFPConfirmation(ctx context.Context, jobId int, confirmed bool) (*RFPUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok || userName == "" {
		return nil, errors.New("user name is required")
	}

	job, err := utils.FetchModel[RFPUploadJob](ctx, businessId, jobId)
	if err != nil {
		return nil, err
	}

	var confirmedAt *time.Time
	if confirmed {
		now := time.Now().UTC()
		confirmedAt = &now
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"ConfirmedAt":  confirmedAt,
		"LastEditedBy": userName,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "rfp_upload_jobs", job.ID, ChangeEventActionUpdate, job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return job, tx.Commit().Error
}
