package models

import (
	"context"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
)

// reviewStore is the narrow persistence surface the reconciliation operations
// run against. The GORM implementation is used in production; tests substitute
// an in-memory fake so protocol semantics stay checkable without a database.
type reviewStore interface {
	getItem(ctx context.Context, businessId string, jobId, itemId int) (*RFPItem, error)
	getSuggestion(ctx context.Context, businessId string, itemId, matchId int) (*MatchSuggestion, error)
	setSuggestionStatus(ctx context.Context, businessId string, matchId int, status SuggestionStatus) error
	rejectSiblings(ctx context.Context, businessId string, itemId, exceptMatchId int) error
	deleteSuggestion(ctx context.Context, businessId string, matchId int) error
	countNonRejected(ctx context.Context, businessId string, itemId int) (int, error)
	setItemReview(ctx context.Context, businessId string, itemId int, status ReviewStatus, selectedMatchId *int) error
	insertSuggestion(ctx context.Context, businessId string, suggestion *MatchSuggestion) error
	stampJob(ctx context.Context, businessId string, jobId int, userName string) error
	recordChange(ctx context.Context, businessId string, tableName string, entityId int, action ChangeEventAction, payload interface{}) error

	// batched auto-accept passes
	pendingExactTargets(ctx context.Context, businessId string, jobId int) ([]autoAcceptTarget, error)
	acceptSuggestionsBatch(ctx context.Context, businessId string, matchIds []int) error
	rejectNonAcceptedBatch(ctx context.Context, businessId string, itemIds []int, acceptedMatchIds []int) error
	acceptItemsBatch(ctx context.Context, businessId string, targets []autoAcceptTarget) error
}

// autoAcceptTarget pairs a pending item with its chosen exact suggestion.
type autoAcceptTarget struct {
	ItemId  int
	MatchId int
}

type gormReviewStore struct{}

func (gormReviewStore) getItem(ctx context.Context, businessId string, jobId, itemId int) (*RFPItem, error) {
	db := config.GetDB()
	var item RFPItem
	err := db.WithContext(ctx).
		Where("business_id = ? AND rfp_upload_job_id = ? AND id = ?", businessId, jobId, itemId).
		First(&item).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}

func (gormReviewStore) getSuggestion(ctx context.Context, businessId string, itemId, matchId int) (*MatchSuggestion, error) {
	db := config.GetDB()
	var suggestion MatchSuggestion
	err := db.WithContext(ctx).
		Where("business_id = ? AND rfp_item_id = ? AND id = ?", businessId, itemId, matchId).
		First(&suggestion).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &suggestion, nil
}

func (gormReviewStore) setSuggestionStatus(ctx context.Context, businessId string, matchId int, status SuggestionStatus) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchSuggestion{}).
		Where("business_id = ? AND id = ?", businessId, matchId).
		Update("status", status).Error
}

func (gormReviewStore) rejectSiblings(ctx context.Context, businessId string, itemId, exceptMatchId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchSuggestion{}).
		Where("business_id = ? AND rfp_item_id = ? AND id <> ?", businessId, itemId, exceptMatchId).
		Update("status", SuggestionStatusRejected).Error
}

func (gormReviewStore) deleteSuggestion(ctx context.Context, businessId string, matchId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Where("business_id = ? AND id = ?", businessId, matchId).
		Delete(&MatchSuggestion{}).Error
}

func (gormReviewStore) countNonRejected(ctx context.Context, businessId string, itemId int) (int, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).Model(&MatchSuggestion{}).
		Where("business_id = ? AND rfp_item_id = ? AND status <> ?", businessId, itemId, SuggestionStatusRejected).
		Count(&count).Error
	return int(count), err
}

func (gormReviewStore) setItemReview(ctx context.Context, businessId string, itemId int, status ReviewStatus, selectedMatchId *int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&RFPItem{}).
		Where("business_id = ? AND id = ?", businessId, itemId).
		Updates(map[string]interface{}{
			"review_status":     status,
			"selected_match_id": selectedMatchId,
		}).Error
}

func (gormReviewStore) insertSuggestion(ctx context.Context, businessId string, suggestion *MatchSuggestion) error {
	suggestion.BusinessId = businessId
	db := config.GetDB()
	return db.WithContext(ctx).Create(suggestion).Error
}

func (gormReviewStore) stampJob(ctx context.Context, businessId string, jobId int, userName string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&RFPUploadJob{}).
		Where("business_id = ? AND id = ?", businessId, jobId).
		Updates(map[string]interface{}{
			"last_edited_by": userName,
			"updated_at":     time.Now().UTC(),
		}).Error
}

func (gormReviewStore) recordChange(ctx context.Context, businessId string, tableName string, entityId int, action ChangeEventAction, payload interface{}) error {
	db := config.GetDB()
	return PublishChangeEvent(ctx, db.WithContext(ctx), businessId, tableName, entityId, action, payload)
}

// pendingExactTargets picks, per pending item of the job, the exact suggestion
// with the highest similarity (rank breaks ties).
func (gormReviewStore) pendingExactTargets(ctx context.Context, businessId string, jobId int) ([]autoAcceptTarget, error) {
	db := config.GetDB()
	var targets []autoAcceptTarget
	err := db.WithContext(ctx).Raw(`
		SELECT DISTINCT ON (i.id)
			i.id AS item_id,
			s.id AS match_id
		FROM rfp_items i
		JOIN rfp_match_suggestions s ON s.rfp_item_id = i.id
		WHERE i.business_id = ?
			AND i.rfp_upload_job_id = ?
			AND i.review_status = ?
			AND s.similarity_score >= ?
		ORDER BY i.id, s.similarity_score DESC, s.rank ASC
	`, businessId, jobId, ReviewStatusPending, ExactMatchThreshold).Scan(&targets).Error
	return targets, err
}

func (gormReviewStore) acceptSuggestionsBatch(ctx context.Context, businessId string, matchIds []int) error {
	if len(matchIds) == 0 {
		return nil
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchSuggestion{}).
		Where("business_id = ? AND id IN ?", businessId, matchIds).
		Update("status", SuggestionStatusAccepted).Error
}

func (gormReviewStore) rejectNonAcceptedBatch(ctx context.Context, businessId string, itemIds []int, acceptedMatchIds []int) error {
	if len(itemIds) == 0 {
		return nil
	}
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchSuggestion{}).
		Where("business_id = ? AND rfp_item_id IN ? AND id NOT IN ?", businessId, itemIds, acceptedMatchIds).
		Update("status", SuggestionStatusRejected).Error
}

func (gormReviewStore) acceptItemsBatch(ctx context.Context, businessId string, targets []autoAcceptTarget) error {
	if len(targets) == 0 {
		return nil
	}
	db := config.GetDB()
	// single statement per job, bounded regardless of item count
	values := make([]interface{}, 0, len(targets)*2)
	sql := "UPDATE rfp_items SET review_status = '" + string(ReviewStatusAccepted) + "', selected_match_id = CASE id"
	ids := make([]interface{}, 0, len(targets))
	for _, t := range targets {
		sql += " WHEN ? THEN ?"
		values = append(values, t.ItemId, t.MatchId)
		ids = append(ids, t.ItemId)
	}
	sql += " END WHERE business_id = ? AND id IN (?"
	values = append(values, businessId, ids[0])
	for range ids[1:] {
		sql += ",?"
	}
	values = append(values, ids[1:]...)
	sql += ")"
	return db.WithContext(ctx).Exec(sql, values...).Error
}
