package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type RFPItem struct {
	ID              int          `gorm:"primary_key" json:"id"`
	BusinessId      string       `gorm:"size:64;not null;index" json:"business_id"`
	RFPUploadJobId  int          `gorm:"not null;index" json:"rfp_upload_job_id"`
	LotePedido      string       `gorm:"size:50" json:"lote_pedido"`
	PosicaoPedido   string       `gorm:"size:50" json:"posicao_pedido"`
	ArtigoPedido    string       `gorm:"size:255" json:"artigo_pedido"`
	DescricaoPedido string       `gorm:"type:text" json:"descricao_pedido"`
	ReviewStatus    ReviewStatus `gorm:"size:20;index;not null;default:'pending'" json:"review_status"`
	// non-null iff review_status is accepted or manual
	SelectedMatchId *int      `gorm:"index" json:"selected_match_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Suggestions []MatchSuggestion `gorm:"foreignKey:RFPItemId" json:"suggestions,omitempty"`
}

type RFPItemFilter struct {
	ReviewStatus *ReviewStatus `json:"review_status"`
	Search       string        `json:"search"`
	SortBy       string        `json:"sort_by"`
	SortDesc     bool          `json:"sort_desc"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
}

type RFPItemPage struct {
	Items []*RFPItem `json:"items"`
	Total int64      `json:"total"`
}

// columns a caller may sort by; anything else falls back to position order
var rfpItemSortColumns = map[string]string{
	"lote_pedido":    "lote_pedido",
	"posicao_pedido": "posicao_pedido",
	"artigo_pedido":  "artigo_pedido",
	"review_status":  "review_status",
	"created_at":     "created_at",
}

// GetRFPItems returns a filtered, sorted, paginated slice of a job's items with
// their suggestions preloaded in rank order.
func GetRFPItems(ctx context.Context, jobId int, filter RFPItemFilter) (*RFPItemPage, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[RFPUploadJob](ctx, businessId, jobId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&RFPItem{}).
		Where("business_id = ? AND rfp_upload_job_id = ?", businessId, jobId)

	if filter.ReviewStatus != nil {
		dbCtx = dbCtx.Where("review_status = ?", *filter.ReviewStatus)
	}
	if filter.Search != "" {
		like := "%" + filter.Search + "%"
		dbCtx = dbCtx.Where("artigo_pedido ILIKE ? OR descricao_pedido ILIKE ? OR lote_pedido ILIKE ?", like, like, like)
	}

	var total int64
	if err := dbCtx.Count(&total).Error; err != nil {
		return nil, err
	}

	order := "lote_pedido, posicao_pedido"
	if col, ok := rfpItemSortColumns[filter.SortBy]; ok {
		order = col
		if filter.SortDesc {
			order += " DESC"
		}
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = config.SearchLimit
	}

	var items []*RFPItem
	err := dbCtx.Preload("Suggestions", func(db *gorm.DB) *gorm.DB { return db.Order("rank") }).
		Order(order).Limit(limit).Offset(filter.Offset).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return &RFPItemPage{Items: items, Total: total}, nil
}

// RFPJobKPIs are the count-only aggregates the review dashboard shows.
type RFPJobKPIs struct {
	TotalItems    int64 `json:"total_items"`
	PendingCount  int64 `json:"pending_count"`
	AcceptedCount int64 `json:"accepted_count"`
	RejectedCount int64 `json:"rejected_count"`
	ManualCount   int64 `json:"manual_count"`
	NoMatchCount  int64 `json:"no_match_count"`
}

func GetRFPJobKPIs(ctx context.Context, jobId int) (*RFPJobKPIs, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := utils.ValidateResourceId[RFPUploadJob](ctx, businessId, jobId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	var rows []struct {
		ReviewStatus ReviewStatus
		Count        int64
	}
	if err := db.WithContext(ctx).Model(&RFPItem{}).
		Select("review_status, count(*) as count").
		Where("business_id = ? AND rfp_upload_job_id = ?", businessId, jobId).
		Group("review_status").Scan(&rows).Error; err != nil {
		return nil, err
	}

	kpis := RFPJobKPIs{}
	for _, r := range rows {
		kpis.TotalItems += r.Count
		switch r.ReviewStatus {
		case ReviewStatusPending:
			kpis.PendingCount += r.Count
		case ReviewStatusAccepted:
			kpis.AcceptedCount += r.Count
		case ReviewStatusRejected:
			kpis.RejectedCount += r.Count
		case ReviewStatusManual:
			kpis.ManualCount += r.Count
		}
	}

	// pending items with zero suggestions count as "no match", not as review work
	var noMatch int64
	if err := db.WithContext(ctx).Model(&RFPItem{}).
		Where("business_id = ? AND rfp_upload_job_id = ? AND review_status = ?", businessId, jobId, ReviewStatusPending).
		Where("NOT EXISTS (SELECT 1 FROM rfp_match_suggestions s WHERE s.rfp_item_id = rfp_items.id)").
		Count(&noMatch).Error; err != nil {
		return nil, err
	}
	kpis.NoMatchCount = noMatch

	return &kpis, nil
}

// NewExtractedItem is the wholesale row shape the pipeline callback inserts
// when extraction completes.
type NewExtractedItem struct {
	LotePedido      string                   `json:"lote_pedido"`
	PosicaoPedido   string                   `json:"posicao_pedido"`
	ArtigoPedido    string                   `json:"artigo_pedido"`
	DescricaoPedido string                   `json:"descricao_pedido"`
	Suggestions     []NewExtractedSuggestion `json:"suggestions"`
}

type NewExtractedSuggestion struct {
	CodigoSpms      string          `json:"codigo_spms"`
	Artigo          string          `json:"artigo"`
	Descricao       string          `json:"descricao"`
	UnidadeVenda    string          `json:"unidade_venda"`
	Preco           decimal.Decimal `json:"preco"`
	SimilarityScore float64         `json:"similarity_score"`
	Rank            int             `json:"rank"`
}

// InsertExtractionResults writes the pipeline's extracted items and their
// algorithmic suggestions in one transaction and emits a single job-level
// change event (the UI refetches the item list rather than patching per row).
func InsertExtractionResults(ctx context.Context, jobId int, newItems []NewExtractedItem) (int, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}

	job, err := utils.FetchModel[RFPUploadJob](ctx, businessId, jobId)
	if err != nil {
		return 0, err
	}

	db := config.GetDB()
	tx := db.Begin()

	inserted := 0
	for _, ni := range newItems {
		item := RFPItem{
			BusinessId:      businessId,
			RFPUploadJobId:  job.ID,
			LotePedido:      ni.LotePedido,
			PosicaoPedido:   ni.PosicaoPedido,
			ArtigoPedido:    ni.ArtigoPedido,
			DescricaoPedido: ni.DescricaoPedido,
			ReviewStatus:    ReviewStatusPending,
		}
		if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
			tx.Rollback()
			return 0, err
		}
		for _, ns := range ni.Suggestions {
			suggestion := MatchSuggestion{
				BusinessId:      businessId,
				RFPItemId:       item.ID,
				CodigoSpms:      ns.CodigoSpms,
				Artigo:          ns.Artigo,
				Descricao:       ns.Descricao,
				UnidadeVenda:    ns.UnidadeVenda,
				Preco:           ns.Preco,
				SimilarityScore: ns.SimilarityScore,
				MatchType:       MatchTypeAlgorithmic,
				Rank:            ns.Rank,
				Status:          SuggestionStatusPending,
			}
			if err := tx.WithContext(ctx).Create(&suggestion).Error; err != nil {
				tx.Rollback()
				return 0, err
			}
		}
		inserted++
	}

	if err := PublishChangeEvent(ctx, tx, businessId, "rfp_items", job.ID, ChangeEventActionInsert,
		map[string]interface{}{"rfp_upload_job_id": job.ID, "items_inserted": inserted}); err != nil {
		tx.Rollback()
		return 0, err
	}
	return inserted, tx.Commit().Error
}
