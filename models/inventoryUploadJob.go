package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
)

type InventoryUploadJob struct {
	ID                 int       `gorm:"primary_key" json:"id"`
	BusinessId         string    `gorm:"size:64;not null;index" json:"business_id"`
	UserId             int       `gorm:"not null;index" json:"user_id"`
	FileName           string    `gorm:"size:255;not null" json:"file_name"`
	Status             JobStatus `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	ProcessingProgress int       `gorm:"not null;default:0" json:"processing_progress"`
	RowCount           int       `gorm:"not null;default:0" json:"row_count"`
	ErrorMessage       *string   `gorm:"type:text" json:"error_message"`
	LastEditedBy       string    `gorm:"size:100" json:"last_edited_by"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateInventoryUploadJob(ctx context.Context, fileName string, rowCount int) (*InventoryUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	job := InventoryUploadJob{
		BusinessId: businessId,
		UserId:     userId,
		FileName:   fileName,
		Status:     JobStatusPending,
		RowCount:   rowCount,
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Create(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "inventory_upload_jobs", job.ID, ChangeEventActionInsert, &job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &job, tx.Commit().Error
}

// GetInventoryUploadJobs lists the caller's own jobs. Inventory ingests are
// per-user, unlike RFP jobs which the whole business sees.
func GetInventoryUploadJobs(ctx context.Context) ([]*InventoryUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == 0 {
		return nil, errors.New("user id is required")
	}

	db := config.GetDB()
	var results []*InventoryUploadJob
	err := db.WithContext(ctx).Where("business_id = ? AND user_id = ?", businessId, userId).
		Order("created_at DESC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func DeleteInventoryUploadJob(ctx context.Context, id int) (*InventoryUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	job, err := utils.FetchModel[InventoryUploadJob](ctx, businessId, id)
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
	if err := tx.WithContext(ctx).Delete(&job).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "inventory_upload_jobs", job.ID, ChangeEventActionDelete, job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return job, tx.Commit().Error
}

// ApplyInventoryJobPipelineUpdate applies an inbound status/progress update
// from the external pipeline, including the inventory-only "partial" state.
func ApplyInventoryJobPipelineUpdate(ctx context.Context, jobId int, status JobStatus, progress *int, rowCount *int, errorMessage *string) (*InventoryUploadJob, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	job, err := utils.FetchModel[InventoryUploadJob](ctx, businessId, jobId)
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
	if rowCount != nil {
		updates["RowCount"] = *rowCount
	}

	db := config.GetDB()
	tx := db.Begin()
	if err := tx.WithContext(ctx).Model(job).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := PublishChangeEvent(ctx, tx, businessId, "inventory_upload_jobs", job.ID, ChangeEventActionUpdate, job); err != nil {
		tx.Rollback()
		return nil, err
	}
	return job, tx.Commit().Error
}
