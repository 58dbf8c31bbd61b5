package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/pipeline"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// RFPResultRow is one exported line: a decided item joined to its selected
// suggestion.
type RFPResultRow struct {
	LotePedido      string          `json:"lotePedido"`
	PosicaoPedido   string          `json:"posicaoPedido"`
	ArtigoPedido    string          `json:"artigoPedido"`
	DescricaoPedido string          `json:"descricaoPedido"`
	ReviewStatus    string          `json:"reviewStatus"`
	CodigoSpms      *string         `json:"codigoSpms,omitempty"`
	Artigo          *string         `json:"artigo,omitempty"`
	Descricao       *string         `json:"descricao,omitempty"`
	UnidadeVenda    *string         `json:"unidadeVenda,omitempty"`
	Preco           decimal.Decimal `json:"preco"`
	MatchType       *string         `json:"matchType,omitempty"`
}

// GetRFPResultRows returns the accepted and manual items of a job with their
// selected suggestions, in request order.
func GetRFPResultRows(ctx context.Context, jobId int) ([]*RFPResultRow, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok {
		return nil, errors.New("business id is required")
	}

	sql := `
SELECT
    i.lote_pedido,
    i.posicao_pedido,
    i.artigo_pedido,
    i.descricao_pedido,
    i.review_status,
    s.codigo_spms,
    s.artigo,
    s.descricao,
    s.unidade_venda,
    s.preco,
    s.match_type
FROM
    rfp_items AS i
    LEFT JOIN rfp_match_suggestions AS s ON s.id = i.selected_match_id
WHERE
    i.business_id = @businessId
        AND i.rfp_upload_job_id = @jobId
        AND i.review_status IN ('accepted', 'manual')
ORDER BY i.lote_pedido, i.posicao_pedido;
`

	var rows []*RFPResultRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"jobId":      jobId,
	}).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetRFPExportSummary aggregates the review counts attached to the
// export-email payload.
func GetRFPExportSummary(ctx context.Context, jobId int) (pipeline.ExportSummary, error) {
	var summary pipeline.ExportSummary

	kpis, err := models.GetRFPJobKPIs(ctx, jobId)
	if err != nil {
		return summary, err
	}
	summary.TotalItems = int(kpis.TotalItems)
	summary.ConfirmedCount = int(kpis.AcceptedCount + kpis.ManualCount)
	summary.RejectedCount = int(kpis.RejectedCount)
	summary.ManualCount = int(kpis.ManualCount)
	summary.NoMatchCount = int(kpis.NoMatchCount)
	return summary, nil
}

// BuildRFPResultWorkbook renders the export spreadsheet: one sheet with the
// decided lines and a summary sheet.
func BuildRFPResultWorkbook(rows []*RFPResultRow, summary pipeline.ExportSummary) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Resultados"
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	// Add headers
	headings := []string{
		"Lote", "Posição", "Artigo Pedido", "Descrição Pedido",
		"Código SPMS", "Artigo", "Descrição", "Unidade Venda", "Preço", "Tipo",
	}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	// Add data
	for i, d := range rows {
		rowNo := fmt.Sprint(i + 2)
		f.SetCellValue(sheetName, "A"+rowNo, d.LotePedido)
		f.SetCellValue(sheetName, "B"+rowNo, d.PosicaoPedido)
		f.SetCellValue(sheetName, "C"+rowNo, d.ArtigoPedido)
		f.SetCellValue(sheetName, "D"+rowNo, d.DescricaoPedido)
		f.SetCellValue(sheetName, "E"+rowNo, utils.DereferencePtr(d.CodigoSpms, ""))
		f.SetCellValue(sheetName, "F"+rowNo, utils.DereferencePtr(d.Artigo, ""))
		f.SetCellValue(sheetName, "G"+rowNo, utils.DereferencePtr(d.Descricao, ""))
		f.SetCellValue(sheetName, "H"+rowNo, utils.DereferencePtr(d.UnidadeVenda, ""))
		f.SetCellValue(sheetName, "I"+rowNo, d.Preco.InexactFloat64())
		f.SetCellValue(sheetName, "J"+rowNo, utils.DereferencePtr(d.MatchType, ""))
	}

	summarySheet := "Resumo"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, err
	}
	summaryRows := []struct {
		Label string
		Value int
	}{
		{"Total de itens", summary.TotalItems},
		{"Confirmados", summary.ConfirmedCount},
		{"Rejeitados", summary.RejectedCount},
		{"Manuais", summary.ManualCount},
		{"Sem correspondência", summary.NoMatchCount},
	}
	for i, r := range summaryRows {
		rowNo := fmt.Sprint(i + 1)
		f.SetCellValue(summarySheet, "A"+rowNo, r.Label)
		f.SetCellValue(summarySheet, "B"+rowNo, r.Value)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExportRFPResultExcel renders the full export for a job and returns the
// workbook bytes with the download file name.
func ExportRFPResultExcel(ctx context.Context, jobId int) ([]byte, string, pipeline.ExportSummary, error) {
	job, err := models.GetRFPUploadJob(ctx, jobId)
	if err != nil {
		return nil, "", pipeline.ExportSummary{}, err
	}

	rows, err := GetRFPResultRows(ctx, jobId)
	if err != nil {
		return nil, "", pipeline.ExportSummary{}, err
	}
	summary, err := GetRFPExportSummary(ctx, jobId)
	if err != nil {
		return nil, "", pipeline.ExportSummary{}, err
	}

	content, err := BuildRFPResultWorkbook(rows, summary)
	if err != nil {
		return nil, "", pipeline.ExportSummary{}, err
	}

	fileName := fmt.Sprintf("resultados_%d_%s.xlsx", job.ID, time.Now().UTC().Format("20060102"))
	return content, fileName, summary, nil
}
