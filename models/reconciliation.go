package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/shopspring/decimal"
)

// The match reconciliation protocol. Each operation authenticates from
// context, runs its sub-steps sequentially (later steps observe earlier ones)
// and ends by stamping the parent job's last_edited_by. Partial failures after
// the primary mutation are logged and swallowed: the protocol favors forward
// progress over strict atomicity, so the "at most one accepted" invariant is
// eventually consistent under store errors.

var errNotAuthenticated = errors.New("not authenticated")

func reviewAuth(ctx context.Context) (businessId string, userName string, err error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return "", "", errNotAuthenticated
	}
	userName, ok = utils.GetUserNameFromContext(ctx)
	if !ok || userName == "" {
		return "", "", errNotAuthenticated
	}
	return businessId, userName, nil
}

// AcceptMatch marks one suggestion as the item's accepted match and rejects
// its siblings.
func AcceptMatch(ctx context.Context, jobId, itemId, matchId int) error {
	return acceptMatch(ctx, gormReviewStore{}, jobId, itemId, matchId)
}

func acceptMatch(ctx context.Context, store reviewStore, jobId, itemId, matchId int) error {

	businessId, userName, err := reviewAuth(ctx)
	if err != nil {
		return err
	}

	if _, err := store.getItem(ctx, businessId, jobId, itemId); err != nil {
		return err
	}
	// matchId must belong to itemId
	if _, err := store.getSuggestion(ctx, businessId, itemId, matchId); err != nil {
		return err
	}

	// primary accept, fatal
	if err := store.setSuggestionStatus(ctx, businessId, matchId, SuggestionStatusAccepted); err != nil {
		return err
	}

	// sibling reject, non-fatal
	if err := store.rejectSiblings(ctx, businessId, itemId, matchId); err != nil {
		logReviewSideEffect("acceptMatch", "reject siblings", businessId, jobId, itemId, err)
	}

	// item update, fatal
	if err := store.setItemReview(ctx, businessId, itemId, ReviewStatusAccepted, &matchId); err != nil {
		return err
	}

	return finishReviewOp(ctx, store, "acceptMatch", businessId, userName, jobId, itemId)
}

// UnselectMatch toggles off a previously decided suggestion, restoring the
// item to neutral. Manual suggestions are user-authored guesses and are
// deleted outright; algorithmic ones return to pending. Sibling statuses are
// intentionally left untouched: a rejected sibling stays rejected even after
// the original selection is walked back.
func UnselectMatch(ctx context.Context, jobId, itemId, matchId int) error {
	return unselectMatch(ctx, gormReviewStore{}, jobId, itemId, matchId)
}

func unselectMatch(ctx context.Context, store reviewStore, jobId, itemId, matchId int) error {

	businessId, userName, err := reviewAuth(ctx)
	if err != nil {
		return err
	}

	if _, err := store.getItem(ctx, businessId, jobId, itemId); err != nil {
		return err
	}
	suggestion, err := store.getSuggestion(ctx, businessId, itemId, matchId)
	if err != nil {
		return err
	}

	if suggestion.MatchType == MatchTypeManual {
		if err := store.deleteSuggestion(ctx, businessId, matchId); err != nil {
			return err
		}
	} else {
		if err := store.setSuggestionStatus(ctx, businessId, matchId, SuggestionStatusPending); err != nil {
			return err
		}
	}

	if err := store.setItemReview(ctx, businessId, itemId, ReviewStatusPending, nil); err != nil {
		return err
	}

	return finishReviewOp(ctx, store, "unselectMatch", businessId, userName, jobId, itemId)
}

// RejectMatch rejects one suggestion and resolves what that means for the item:
// no viable suggestions left ⇒ item rejected; the rejected one was the current
// selection ⇒ item back to pending; otherwise the item is untouched.
func RejectMatch(ctx context.Context, jobId, itemId, matchId int) error {
	return rejectMatch(ctx, gormReviewStore{}, jobId, itemId, matchId)
}

func rejectMatch(ctx context.Context, store reviewStore, jobId, itemId, matchId int) error {

	businessId, userName, err := reviewAuth(ctx)
	if err != nil {
		return err
	}

	item, err := store.getItem(ctx, businessId, jobId, itemId)
	if err != nil {
		return err
	}
	if _, err := store.getSuggestion(ctx, businessId, itemId, matchId); err != nil {
		return err
	}

	if err := store.setSuggestionStatus(ctx, businessId, matchId, SuggestionStatusRejected); err != nil {
		return err
	}

	remaining, err := store.countNonRejected(ctx, businessId, itemId)
	if err != nil {
		return err
	}

	wasSelected := item.SelectedMatchId != nil && *item.SelectedMatchId == matchId
	switch {
	case wasSelected:
		// the accepted choice was walked back; item returns to the review
		// queue even when its siblings were auto-rejected earlier
		if err := store.setItemReview(ctx, businessId, itemId, ReviewStatusPending, nil); err != nil {
			return err
		}
	case remaining == 0:
		// no viable match left
		if err := store.setItemReview(ctx, businessId, itemId, ReviewStatusRejected, nil); err != nil {
			return err
		}
	}

	return finishReviewOp(ctx, store, "rejectMatch", businessId, userName, jobId, itemId)
}

// NewManualMatch carries the inventory search result a reviewer picked.
type NewManualMatch struct {
	CodigoSpms   string          `json:"codigo_spms" binding:"required"`
	Artigo       string          `json:"artigo" binding:"required"`
	Descricao    string          `json:"descricao"`
	UnidadeVenda string          `json:"unidade_venda"`
	Preco        decimal.Decimal `json:"preco"`
}

// SetManualMatch inserts a reviewer-authored suggestion and selects it,
// rejecting all pre-existing suggestions.
func SetManualMatch(ctx context.Context, jobId, itemId int, input NewManualMatch) (*MatchSuggestion, error) {
	return setManualMatch(ctx, gormReviewStore{}, jobId, itemId, input)
}

func setManualMatch(ctx context.Context, store reviewStore, jobId, itemId int, input NewManualMatch) (*MatchSuggestion, error) {

	businessId, userName, err := reviewAuth(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := store.getItem(ctx, businessId, jobId, itemId); err != nil {
		return nil, err
	}

	suggestion := MatchSuggestion{
		RFPItemId:       itemId,
		CodigoSpms:      input.CodigoSpms,
		Artigo:          input.Artigo,
		Descricao:       input.Descricao,
		UnidadeVenda:    input.UnidadeVenda,
		Preco:           input.Preco,
		SimilarityScore: 1.0,
		MatchType:       MatchTypeManual,
		Rank:            0,
		Status:          SuggestionStatusAccepted,
	}
	if err := store.insertSuggestion(ctx, businessId, &suggestion); err != nil {
		return nil, err
	}

	// sibling reject, non-fatal
	if err := store.rejectSiblings(ctx, businessId, itemId, suggestion.ID); err != nil {
		logReviewSideEffect("setManualMatch", "reject siblings", businessId, jobId, itemId, err)
	}

	if err := store.setItemReview(ctx, businessId, itemId, ReviewStatusManual, &suggestion.ID); err != nil {
		return nil, err
	}

	if err := finishReviewOp(ctx, store, "setManualMatch", businessId, userName, jobId, itemId); err != nil {
		return nil, err
	}
	return &suggestion, nil
}

// AutoAcceptExactMatches accepts, for every still-pending item of the job, the
// suggestion carrying an exact similarity score. Runs as three batched passes
// so the query count stays bounded regardless of item count, and is idempotent
// because targets are filtered to review_status = pending. A best-effort redis
// lock keeps two sessions landing on the same page from double-running the
// batch; if the lock service is unavailable the operation proceeds anyway.
func AutoAcceptExactMatches(ctx context.Context, jobId int) (int, error) {
	return autoAcceptExactMatches(ctx, gormReviewStore{}, jobId)
}

func autoAcceptExactMatches(ctx context.Context, store reviewStore, jobId int) (int, error) {

	businessId, userName, err := reviewAuth(ctx)
	if err != nil {
		return 0, err
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, fmt.Sprintf("AutoAccept:%s:%d", businessId, jobId), 30*time.Second, nil)
		if err == redislock.ErrNotObtained {
			// another session is already running the batch; idempotence makes
			// skipping safe
			return 0, nil
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	targets, err := store.pendingExactTargets(ctx, businessId, jobId)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	itemIds := make([]int, 0, len(targets))
	matchIds := make([]int, 0, len(targets))
	for _, t := range targets {
		itemIds = append(itemIds, t.ItemId)
		matchIds = append(matchIds, t.MatchId)
	}

	// pass 1: accept the exact suggestions, fatal
	if err := store.acceptSuggestionsBatch(ctx, businessId, matchIds); err != nil {
		return 0, err
	}
	// pass 2: reject every other suggestion of the touched items, non-fatal
	if err := store.rejectNonAcceptedBatch(ctx, businessId, itemIds, matchIds); err != nil {
		logReviewSideEffect("autoAcceptExactMatches", "reject non-exact", businessId, jobId, 0, err)
	}
	// pass 3: flip the items, fatal
	if err := store.acceptItemsBatch(ctx, businessId, targets); err != nil {
		return 0, err
	}

	if err := finishReviewOp(ctx, store, "autoAcceptExactMatches", businessId, userName, jobId, 0); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// finishReviewOp stamps the job and feeds the change stream. Stamping is part
// of the operation contract and fatal; the change events are fan-out only and
// logged on failure.
func finishReviewOp(ctx context.Context, store reviewStore, op string, businessId string, userName string, jobId int, itemId int) error {

	if err := store.stampJob(ctx, businessId, jobId, userName); err != nil {
		return err
	}

	if itemId != 0 {
		if err := store.recordChange(ctx, businessId, "rfp_items", itemId, ChangeEventActionUpdate,
			map[string]interface{}{"rfp_upload_job_id": jobId, "operation": op}); err != nil {
			logReviewSideEffect(op, "record item change", businessId, jobId, itemId, err)
		}
	}
	if err := store.recordChange(ctx, businessId, "rfp_upload_jobs", jobId, ChangeEventActionUpdate,
		map[string]interface{}{"operation": op, "last_edited_by": userName}); err != nil {
		logReviewSideEffect(op, "record job change", businessId, jobId, itemId, err)
	}
	return nil
}

func logReviewSideEffect(op string, step string, businessId string, jobId int, itemId int, err error) {
	logger := config.GetLogger()
	config.LogError(logger, "models", op, step, map[string]interface{}{
		"business_id": businessId,
		"job_id":      jobId,
		"item_id":     itemId,
	}, err)
}
