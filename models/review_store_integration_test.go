package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cardiva/cardiva_backend/config"
	"github.com/cardiva/cardiva_backend/models"
	"github.com/cardiva/cardiva_backend/utils"
	"github.com/shopspring/decimal"
)

// End-to-end review flow against real Postgres + Redis: extraction insert,
// auto-accept, accept/reject walk-back, KPI aggregation, confirmation.
func TestReviewFlowAgainstPostgres(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	pgName, pgPort := startPostgresContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(pgName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", pgPort)
	t.Setenv("DB_NAME", "cardiva_test")
	t.Setenv("DB_SSL_MODE", "disable")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Reviewer One")
	ctx = utils.SetUsernameInContext(ctx, "reviewer@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Review Flow Lda",
		Email: "owner@reviewflow.test",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())

	job, err := models.CreateRFPUploadJob(ctx, "tender.pdf", "rfp/test/tender.pdf")
	if err != nil {
		t.Fatalf("CreateRFPUploadJob: %v", err)
	}

	inserted, err := models.InsertExtractionResults(ctx, job.ID, []models.NewExtractedItem{
		{
			LotePedido: "1", PosicaoPedido: "1", ArtigoPedido: "CATETER-20G",
			DescricaoPedido: "Cateter venoso periferico 20G",
			Suggestions: []models.NewExtractedSuggestion{
				{CodigoSpms: "SPMS-1", Artigo: "CAT20", Descricao: "Cateter 20G", UnidadeVenda: "UN", Preco: decimal.NewFromFloat(0.42), SimilarityScore: 0.95, Rank: 1},
				{CodigoSpms: "SPMS-2", Artigo: "CAT22", Descricao: "Cateter 22G", UnidadeVenda: "UN", Preco: decimal.NewFromFloat(0.40), SimilarityScore: 0.80, Rank: 2},
			},
		},
		{
			LotePedido: "1", PosicaoPedido: "2", ArtigoPedido: "COMPRESSA-10",
			DescricaoPedido: "Compressa esteril 10x10",
			Suggestions: []models.NewExtractedSuggestion{
				{CodigoSpms: "SPMS-3", Artigo: "COMP10", Descricao: "Compressa 10x10", UnidadeVenda: "CX", Preco: decimal.NewFromFloat(1.10), SimilarityScore: 1.0, Rank: 1},
			},
		},
		{
			LotePedido: "2", PosicaoPedido: "1", ArtigoPedido: "SEM-MATCH",
			DescricaoPedido: "Artigo sem correspondencia",
		},
	})
	if err != nil {
		t.Fatalf("InsertExtractionResults: %v", err)
	}
	if inserted != 3 {
		t.Fatalf("inserted = %d, want 3", inserted)
	}

	accepted, err := models.AutoAcceptExactMatches(ctx, job.ID)
	if err != nil {
		t.Fatalf("AutoAcceptExactMatches: %v", err)
	}
	if accepted != 1 {
		t.Fatalf("auto-accepted = %d, want 1", accepted)
	}

	page, err := models.GetRFPItems(ctx, job.ID, models.RFPItemFilter{Limit: 50})
	if err != nil {
		t.Fatalf("GetRFPItems: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total items = %d, want 3", page.Total)
	}

	var catheter, compress *models.RFPItem
	for _, item := range page.Items {
		switch item.ArtigoPedido {
		case "CATETER-20G":
			catheter = item
		case "COMPRESSA-10":
			compress = item
		}
	}
	if catheter == nil || compress == nil {
		t.Fatal("expected both extracted items in the page")
	}
	if compress.ReviewStatus != models.ReviewStatusAccepted || compress.SelectedMatchId == nil {
		t.Fatalf("exact item = %s/%v, want accepted with selection", compress.ReviewStatus, compress.SelectedMatchId)
	}
	if catheter.ReviewStatus != models.ReviewStatusPending {
		t.Fatalf("non-exact item = %s, want pending", catheter.ReviewStatus)
	}
	if len(catheter.Suggestions) != 2 {
		t.Fatalf("catheter suggestions = %d, want 2", len(catheter.Suggestions))
	}
	primary := catheter.Suggestions[0]
	sibling := catheter.Suggestions[1]

	if err := models.AcceptMatch(ctx, job.ID, catheter.ID, primary.ID); err != nil {
		t.Fatalf("AcceptMatch: %v", err)
	}
	page, err = models.GetRFPItems(ctx, job.ID, models.RFPItemFilter{Search: "CATETER", Limit: 10})
	if err != nil {
		t.Fatalf("GetRFPItems after accept: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("search hits = %d, want 1", len(page.Items))
	}
	catheter = page.Items[0]
	if catheter.ReviewStatus != models.ReviewStatusAccepted ||
		catheter.SelectedMatchId == nil || *catheter.SelectedMatchId != primary.ID {
		t.Fatalf("after accept: status=%s selected=%v", catheter.ReviewStatus, catheter.SelectedMatchId)
	}
	for _, s := range catheter.Suggestions {
		if s.ID == sibling.ID && s.Status != models.SuggestionStatusRejected {
			t.Fatalf("sibling status = %s, want rejected", s.Status)
		}
	}

	// Walking back the selected match returns the item to the queue; the
	// rejected sibling stays rejected.
	if err := models.RejectMatch(ctx, job.ID, catheter.ID, primary.ID); err != nil {
		t.Fatalf("RejectMatch: %v", err)
	}
	page, err = models.GetRFPItems(ctx, job.ID, models.RFPItemFilter{Search: "CATETER", Limit: 10})
	if err != nil {
		t.Fatalf("GetRFPItems after reject: %v", err)
	}
	catheter = page.Items[0]
	if catheter.ReviewStatus != models.ReviewStatusPending || catheter.SelectedMatchId != nil {
		t.Fatalf("after rejecting the selected match: status=%s selected=%v, want pending/nil",
			catheter.ReviewStatus, catheter.SelectedMatchId)
	}
	for _, s := range catheter.Suggestions {
		if s.Status != models.SuggestionStatusRejected {
			t.Fatalf("suggestion %d status = %s, want rejected (not resurrected)", s.ID, s.Status)
		}
	}

	// The reviewer resolves the walked-back item via inventory search.
	manual, err := models.SetManualMatch(ctx, job.ID, catheter.ID, models.NewManualMatch{
		CodigoSpms:   "SPMS-9",
		Artigo:       "CAT20-ALT",
		Descricao:    "Cateter 20G alternativo",
		UnidadeVenda: "UN",
		Preco:        decimal.NewFromFloat(0.45),
	})
	if err != nil {
		t.Fatalf("SetManualMatch: %v", err)
	}
	if manual.MatchType != models.MatchTypeManual || manual.Status != models.SuggestionStatusAccepted {
		t.Fatalf("manual suggestion = %s/%s", manual.MatchType, manual.Status)
	}

	kpis, err := models.GetRFPJobKPIs(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetRFPJobKPIs: %v", err)
	}
	if kpis.TotalItems != 3 || kpis.AcceptedCount != 1 || kpis.ManualCount != 1 || kpis.NoMatchCount != 1 {
		t.Fatalf("kpis = %+v", kpis)
	}

	state, err := models.GetRFPJobReviewState(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetRFPJobReviewState: %v", err)
	}
	if state != models.JobReviewStateRevisto {
		t.Fatalf("review state = %s, want %s", state, models.JobReviewStateRevisto)
	}

	confirmed, err := models.ConfirmRFP(ctx, job.ID)
	if err != nil {
		t.Fatalf("ConfirmRFP: %v", err)
	}
	if confirmed.ConfirmedAt == nil {
		t.Fatal("confirmed_at not set")
	}
	state, err = models.GetRFPJobReviewState(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetRFPJobReviewState after confirm: %v", err)
	}
	if state != models.JobReviewStateConfirmado {
		t.Fatalf("review state = %s, want %s", state, models.JobReviewStateConfirmado)
	}
}

// Account management and catalog reads against real Postgres + Redis:
// disabled accounts cannot sign in, password rotation kills live sessions,
// and the catalog ingest/read path round-trips.
func TestUserAndCatalogLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	pgName, pgPort := startPostgresContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(pgName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "postgres")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", pgPort)
	t.Setenv("DB_NAME", "cardiva_test")
	t.Setenv("DB_SSL_MODE", "disable")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Seed")
	ctx = utils.SetUsernameInContext(ctx, "seed@local")

	biz, err := models.CreateBusiness(ctx, &models.NewBusiness{
		Name:  "Lifecycle Lda",
		Email: "owner@lifecycle.test",
	})
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID.String())

	// A disabled account is created but cannot sign in.
	if _, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: biz.ID.String(),
		Username:   "inactive.reviewer",
		Name:       "Inactive Reviewer",
		Password:   "initial-pw-1",
		IsActive:   utils.NewFalse(),
		Role:       models.UserRoleReviewer,
	}); err != nil {
		t.Fatalf("CreateUser (disabled): %v", err)
	}
	if _, err := models.Login(ctx, "inactive.reviewer", "initial-pw-1"); err == nil {
		t.Fatal("Login succeeded for a disabled account")
	}

	reviewer, err := models.CreateUser(ctx, &models.NewUser{
		BusinessId: biz.ID.String(),
		Username:   "ana.reviewer",
		Name:       "Ana Reviewer",
		Password:   "initial-pw-2",
		IsActive:   utils.NewTrue(),
		Role:       models.UserRoleReviewer,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := models.Login(ctx, "ana.reviewer", "initial-pw-2"); err != nil {
		t.Fatalf("Login before rotation: %v", err)
	}

	reviewerCtx := utils.SetUserIdInContext(ctx, reviewer.ID)
	reviewerCtx = utils.SetUsernameInContext(reviewerCtx, reviewer.Username)
	if _, err := models.ChangePassword(reviewerCtx, "initial-pw-2", "rotated-pw-3"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := models.Login(ctx, "ana.reviewer", "initial-pw-2"); err == nil {
		t.Fatal("Login succeeded with the old password after rotation")
	}
	if _, err := models.Login(ctx, "ana.reviewer", "rotated-pw-3"); err != nil {
		t.Fatalf("Login after rotation: %v", err)
	}

	// Catalog ingest and point read.
	invJob, err := models.CreateInventoryUploadJob(ctx, "catalogo.csv", 2)
	if err != nil {
		t.Fatalf("CreateInventoryUploadJob: %v", err)
	}
	rows := []*models.Artigo{
		{CodigoSpms: "SPMS-1", Artigo: "CAT20", Descricao: "Cateter 20G", UnidadeVenda: "UN", Preco: decimal.NewFromFloat(0.42)},
		{CodigoSpms: "SPMS-2", Artigo: "COMP10", Descricao: "Compressa 10x10", UnidadeVenda: "CX", Preco: decimal.NewFromFloat(1.10)},
	}
	if n, err := models.ReplaceArtigos(ctx, invJob.ID, rows); err != nil || n != 2 {
		t.Fatalf("ReplaceArtigos = %d, %v", n, err)
	}
	artigo, err := models.GetArtigo(ctx, rows[0].ID)
	if err != nil {
		t.Fatalf("GetArtigo: %v", err)
	}
	if artigo.CodigoSpms != "SPMS-1" || artigo.Artigo != "CAT20" {
		t.Fatalf("artigo = %+v, want SPMS-1/CAT20", artigo)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cardiva-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startPostgresContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cardiva-test-postgres-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "POSTGRES_PASSWORD=testpw",
		"-e", "POSTGRES_DB=cardiva_test",
		"-p", "127.0.0.1:0:5432",
		"postgres:16-alpine",
	)
	if err != nil {
		t.Fatalf("start postgres container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "pg_isready", "-U", "postgres", "-d", "cardiva_test")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("postgres did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
