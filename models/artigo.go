package models

import (
	"context"
	"errors"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/shopspring/decimal"
)

// Artigo is the inventory reference catalog. The review UI only searches it;
// rows are written exclusively by the inventory ingest path.
type Artigo struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BusinessId   string          `gorm:"size:64;not null;index" json:"business_id"`
	CodigoSpms   string          `gorm:"size:50;index" json:"codigo_spms"`
	Artigo       string          `gorm:"size:255;index" json:"artigo"`
	Descricao    string          `gorm:"type:text" json:"descricao"`
	UnidadeVenda string          `gorm:"size:50" json:"unidade_venda"`
	Preco        decimal.Decimal `gorm:"type:decimal(14,4)" json:"preco"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Artigo) TableName() string {
	return "artigos"
}

// SearchArtigos matches code, name or description, capped at the search limit.
func SearchArtigos(ctx context.Context, query string) ([]*Artigo, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if query == "" {
		return nil, errors.New("search query is required")
	}

	db := config.GetDB()
	var results []*Artigo
	like := "%" + query + "%"
	err := db.WithContext(ctx).Where("business_id = ?", businessId).
		Where("codigo_spms ILIKE ? OR artigo ILIKE ? OR descricao ILIKE ?", like, like, like).
		Order("artigo").Limit(config.SearchLimit).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetArtigo(ctx context.Context, id int) (*Artigo, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Artigo](ctx, businessId, id)
}

// ReplaceArtigos swaps the tenant's catalog for the rows the pipeline parsed
// out of an inventory CSV. Batched insert keeps the statement count bounded.
func ReplaceArtigos(ctx context.Context, jobId int, rows []*Artigo) (int, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return 0, errors.New("business id is required")
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := tx.WithContext(ctx).Where("business_id = ?", businessId).Delete(&Artigo{}).Error; err != nil {
		tx.Rollback()
		return 0, err
	}

	for _, row := range rows {
		row.ID = 0
		row.BusinessId = businessId
	}
	if len(rows) > 0 {
		if err := tx.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
			tx.Rollback()
			return 0, err
		}
	}

	if err := PublishChangeEvent(ctx, tx, businessId, "artigos", jobId, ChangeEventActionInsert,
		map[string]interface{}{"inventory_upload_job_id": jobId, "rows": len(rows)}); err != nil {
		tx.Rollback()
		return 0, err
	}
	return len(rows), tx.Commit().Error
}
