package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MatchSuggestion struct {
	ID         int    `gorm:"primary_key" json:"id"`
	BusinessId string `gorm:"size:64;not null;index" json:"business_id"`
	RFPItemId  int    `gorm:"not null;index" json:"rfp_item_id"`

	// inventory descriptor copied from the matched article
	CodigoSpms   string          `gorm:"size:50" json:"codigo_spms"`
	Artigo       string          `gorm:"size:255" json:"artigo"`
	Descricao    string          `gorm:"type:text" json:"descricao"`
	UnidadeVenda string          `gorm:"size:50" json:"unidade_venda"`
	Preco        decimal.Decimal `gorm:"type:decimal(14,4)" json:"preco"`

	SimilarityScore float64          `gorm:"not null;default:0" json:"similarity_score"`
	MatchType       string           `gorm:"size:20;not null;default:'Algorithmic'" json:"match_type"`
	Rank            int              `gorm:"not null;default:0" json:"rank"`
	Status          SuggestionStatus `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	CreatedAt       time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExact reports whether the suggestion qualifies for auto-acceptance.
func (s MatchSuggestion) IsExact() bool {
	return s.SimilarityScore >= ExactMatchThreshold
}

func (s MatchSuggestion) TableName() string {
	return "rfp_match_suggestions"
}
