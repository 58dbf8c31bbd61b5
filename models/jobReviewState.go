package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
)

// ItemReviewSummary is the per-item slice of state the job-level projection
// needs. It is deliberately tiny so the projection stays a pure function.
type ItemReviewSummary struct {
	ReviewStatus    ReviewStatus
	SuggestionCount int
	HasExact        bool
}

// DeriveJobReviewState projects item rows into the job-level review state.
// Rules:
//   - confirmado once confirmed_at is set,
//   - por_rever while any item is pending with at least one suggestion and no
//     exact match among them (a pending item with an exact match will be picked
//     up by auto-accept; a pending item with zero suggestions is a resolved
//     "no match", not outstanding review work),
//   - revisto otherwise.
func DeriveJobReviewState(confirmedAt *time.Time, items []ItemReviewSummary) JobReviewState {
	if confirmedAt != nil {
		return JobReviewStateConfirmado
	}
	for _, item := range items {
		if item.ReviewStatus == ReviewStatusPending && item.SuggestionCount > 0 && !item.HasExact {
			return JobReviewStatePorRever
		}
	}
	return JobReviewStateRevisto
}

// GetRFPJobReviewState loads the projection inputs and derives the state.
func GetRFPJobReviewState(ctx context.Context, jobId int) (JobReviewState, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", errors.New("business id is required")
	}

	job, err := utils.FetchModel[RFPUploadJob](ctx, businessId, jobId)
	if err != nil {
		return "", err
	}

	db := config.GetDB()
	var summaries []ItemReviewSummary
	err = db.WithContext(ctx).Raw(`
		SELECT
			i.review_status,
			COUNT(s.id) AS suggestion_count,
			COALESCE(BOOL_OR(s.similarity_score >= ?), false) AS has_exact
		FROM rfp_items i
		LEFT JOIN rfp_match_suggestions s ON s.rfp_item_id = i.id
		WHERE i.business_id = ? AND i.rfp_upload_job_id = ?
		GROUP BY i.id, i.review_status
	`, ExactMatchThreshold, businessId, jobId).Scan(&summaries).Error
	if err != nil {
		return "", err
	}

	return DeriveJobReviewState(job.ConfirmedAt, summaries), nil
}
