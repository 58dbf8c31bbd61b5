package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/cardiva/cardiva_backend/utils"
)

// memoryReviewStore is a deterministic in-memory reviewStore so protocol
// semantics are checkable without a database.
type memoryReviewStore struct {
	items       map[int]*RFPItem
	suggestions map[int]*MatchSuggestion
	jobStamp    map[int]string
	nextId      int

	failRejectSiblings bool
}

func newMemoryStore() *memoryReviewStore {
	return &memoryReviewStore{
		items:       map[int]*RFPItem{},
		suggestions: map[int]*MatchSuggestion{},
		jobStamp:    map[int]string{},
		nextId:      1,
	}
}

func (m *memoryReviewStore) addItem(jobId int) *RFPItem {
	item := &RFPItem{ID: m.nextId, BusinessId: testBusinessId, RFPUploadJobId: jobId, ReviewStatus: ReviewStatusPending}
	m.nextId++
	m.items[item.ID] = item
	return item
}

func (m *memoryReviewStore) addSuggestion(itemId int, score float64, rank int) *MatchSuggestion {
	s := &MatchSuggestion{
		ID: m.nextId, BusinessId: testBusinessId, RFPItemId: itemId,
		SimilarityScore: score, MatchType: MatchTypeAlgorithmic, Rank: rank,
		Status: SuggestionStatusPending,
	}
	m.nextId++
	m.suggestions[s.ID] = s
	return s
}

func (m *memoryReviewStore) getItem(_ context.Context, businessId string, jobId, itemId int) (*RFPItem, error) {
	item, ok := m.items[itemId]
	if !ok || item.BusinessId != businessId || item.RFPUploadJobId != jobId {
		return nil, utils.ErrorRecordNotFound
	}
	copy := *item
	return &copy, nil
}

func (m *memoryReviewStore) getSuggestion(_ context.Context, businessId string, itemId, matchId int) (*MatchSuggestion, error) {
	s, ok := m.suggestions[matchId]
	if !ok || s.BusinessId != businessId || s.RFPItemId != itemId {
		return nil, utils.ErrorRecordNotFound
	}
	copy := *s
	return &copy, nil
}

func (m *memoryReviewStore) setSuggestionStatus(_ context.Context, _ string, matchId int, status SuggestionStatus) error {
	s, ok := m.suggestions[matchId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	s.Status = status
	return nil
}

func (m *memoryReviewStore) rejectSiblings(_ context.Context, _ string, itemId, exceptMatchId int) error {
	if m.failRejectSiblings {
		return errors.New("simulated sibling reject failure")
	}
	for _, s := range m.suggestions {
		if s.RFPItemId == itemId && s.ID != exceptMatchId {
			s.Status = SuggestionStatusRejected
		}
	}
	return nil
}

func (m *memoryReviewStore) deleteSuggestion(_ context.Context, _ string, matchId int) error {
	if _, ok := m.suggestions[matchId]; !ok {
		return utils.ErrorRecordNotFound
	}
	delete(m.suggestions, matchId)
	return nil
}

func (m *memoryReviewStore) countNonRejected(_ context.Context, _ string, itemId int) (int, error) {
	count := 0
	for _, s := range m.suggestions {
		if s.RFPItemId == itemId && s.Status != SuggestionStatusRejected {
			count++
		}
	}
	return count, nil
}

func (m *memoryReviewStore) setItemReview(_ context.Context, _ string, itemId int, status ReviewStatus, selectedMatchId *int) error {
	item, ok := m.items[itemId]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	item.ReviewStatus = status
	item.SelectedMatchId = selectedMatchId
	return nil
}

func (m *memoryReviewStore) insertSuggestion(_ context.Context, businessId string, suggestion *MatchSuggestion) error {
	suggestion.ID = m.nextId
	m.nextId++
	suggestion.BusinessId = businessId
	copy := *suggestion
	m.suggestions[suggestion.ID] = &copy
	return nil
}

func (m *memoryReviewStore) stampJob(_ context.Context, _ string, jobId int, userName string) error {
	m.jobStamp[jobId] = userName
	return nil
}

func (m *memoryReviewStore) recordChange(_ context.Context, _ string, _ string, _ int, _ ChangeEventAction, _ interface{}) error {
	return nil
}

func (m *memoryReviewStore) pendingExactTargets(_ context.Context, _ string, jobId int) ([]autoAcceptTarget, error) {
	var targets []autoAcceptTarget
	var itemIds []int
	for id, item := range m.items {
		if item.RFPUploadJobId == jobId && item.ReviewStatus == ReviewStatusPending {
			itemIds = append(itemIds, id)
		}
	}
	sort.Ints(itemIds)
	for _, itemId := range itemIds {
		best := 0
		for _, s := range m.suggestions {
			if s.RFPItemId != itemId || !s.IsExact() {
				continue
			}
			if best == 0 {
				best = s.ID
				continue
			}
			b := m.suggestions[best]
			if s.SimilarityScore > b.SimilarityScore ||
				(s.SimilarityScore == b.SimilarityScore && s.Rank < b.Rank) {
				best = s.ID
			}
		}
		if best != 0 {
			targets = append(targets, autoAcceptTarget{ItemId: itemId, MatchId: best})
		}
	}
	return targets, nil
}

func (m *memoryReviewStore) acceptSuggestionsBatch(_ context.Context, _ string, matchIds []int) error {
	for _, id := range matchIds {
		if s, ok := m.suggestions[id]; ok {
			s.Status = SuggestionStatusAccepted
		}
	}
	return nil
}

func (m *memoryReviewStore) rejectNonAcceptedBatch(_ context.Context, _ string, itemIds []int, acceptedMatchIds []int) error {
	accepted := map[int]bool{}
	for _, id := range acceptedMatchIds {
		accepted[id] = true
	}
	for _, itemId := range itemIds {
		for _, s := range m.suggestions {
			if s.RFPItemId == itemId && !accepted[s.ID] {
				s.Status = SuggestionStatusRejected
			}
		}
	}
	return nil
}

func (m *memoryReviewStore) acceptItemsBatch(_ context.Context, _ string, targets []autoAcceptTarget) error {
	for _, t := range targets {
		item, ok := m.items[t.ItemId]
		if !ok {
			return utils.ErrorRecordNotFound
		}
		matchId := t.MatchId
		item.ReviewStatus = ReviewStatusAccepted
		item.SelectedMatchId = &matchId
	}
	return nil
}

const testBusinessId = "b-1"

func reviewCtx() context.Context {
	ctx := utils.SetBusinessIdInContext(context.Background(), testBusinessId)
	return utils.SetUserNameInContext(ctx, "Reviewer One")
}

func assertInvariants(t *testing.T, m *memoryReviewStore) {
	t.Helper()
	acceptedPerItem := map[int]int{}
	for _, s := range m.suggestions {
		if s.Status == SuggestionStatusAccepted {
			acceptedPerItem[s.RFPItemId]++
		}
	}
	for itemId, n := range acceptedPerItem {
		if n > 1 {
			t.Fatalf("item %d has %d accepted suggestions", itemId, n)
		}
	}
	for _, item := range m.items {
		selected := item.SelectedMatchId != nil
		decided := item.ReviewStatus == ReviewStatusAccepted || item.ReviewStatus == ReviewStatusManual
		if selected != decided {
			t.Fatalf("item %d violates selected/status invariant: status=%s selected=%v",
				item.ID, item.ReviewStatus, selected)
		}
	}
}

func TestAcceptMatchRejectsSiblingsAndSelects(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)

	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}

	if m.suggestions[a.ID].Status != SuggestionStatusAccepted {
		t.Errorf("primary suggestion status = %s, want accepted", m.suggestions[a.ID].Status)
	}
	if m.suggestions[b.ID].Status != SuggestionStatusRejected {
		t.Errorf("sibling status = %s, want rejected", m.suggestions[b.ID].Status)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusAccepted || got.SelectedMatchId == nil || *got.SelectedMatchId != a.ID {
		t.Errorf("item = %s/%v, want accepted/%d", got.ReviewStatus, got.SelectedMatchId, a.ID)
	}
	if m.jobStamp[10] != "Reviewer One" {
		t.Errorf("job stamp = %q, want Reviewer One", m.jobStamp[10])
	}
	assertInvariants(t, m)
}

func TestRejectSelectedMatchWalksItemBack(t *testing.T) {
	// accept A (B auto-rejected), then reject A; B stays rejected
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)

	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}
	if err := rejectMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("rejectMatch: %v", err)
	}

	if m.suggestions[a.ID].Status != SuggestionStatusRejected {
		t.Errorf("A status = %s, want rejected", m.suggestions[a.ID].Status)
	}
	if m.suggestions[b.ID].Status != SuggestionStatusRejected {
		t.Errorf("B status = %s, want rejected (not resurrected)", m.suggestions[b.ID].Status)
	}
	got := m.items[item.ID]
	// walking back the selected choice returns the item to the review queue,
	// even though the auto-rejected sibling leaves no viable match standing
	if got.ReviewStatus != ReviewStatusPending || got.SelectedMatchId != nil {
		t.Errorf("item = %s/%v, want pending/nil", got.ReviewStatus, got.SelectedMatchId)
	}
	assertInvariants(t, m)
}

func TestRejectLastViableUnselectedMarksNoMatch(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.70, 1)

	// the only suggestion is rejected without ever having been selected
	if err := rejectMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("rejectMatch: %v", err)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusRejected || got.SelectedMatchId != nil {
		t.Errorf("item = %s/%v, want rejected/nil", got.ReviewStatus, got.SelectedMatchId)
	}
	assertInvariants(t, m)
}

func TestRejectSelectedWithViableSiblingReturnsToPending(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)

	// select A without touching B (simulates a store where sibling reject is
	// skipped because B was re-pended later)
	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}
	m.suggestions[b.ID].Status = SuggestionStatusPending

	if err := rejectMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("rejectMatch: %v", err)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusPending || got.SelectedMatchId != nil {
		t.Errorf("item = %s/%v, want pending/nil", got.ReviewStatus, got.SelectedMatchId)
	}
	assertInvariants(t, m)
}

func TestRejectNonSelectedSiblingLeavesItemUntouched(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)

	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}
	// B is already rejected by the sibling pass; put it back to pending so the
	// reject below exercises the "non-selected sibling" branch
	m.suggestions[b.ID].Status = SuggestionStatusPending

	if err := rejectMatch(reviewCtx(), m, 10, item.ID, b.ID); err != nil {
		t.Fatalf("rejectMatch: %v", err)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusAccepted || got.SelectedMatchId == nil || *got.SelectedMatchId != a.ID {
		t.Errorf("item = %s/%v, want accepted/%d untouched", got.ReviewStatus, got.SelectedMatchId, a.ID)
	}
	assertInvariants(t, m)
}

func TestUnselectAlgorithmicRoundTrip(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)

	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}
	if err := unselectMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("unselectMatch: %v", err)
	}

	// the algorithmic suggestion survives, back at pending
	if s, ok := m.suggestions[a.ID]; !ok || s.Status != SuggestionStatusPending {
		t.Errorf("A should exist with status pending, got %v", s)
	}
	// the rejected sibling stays rejected, intentionally
	if m.suggestions[b.ID].Status != SuggestionStatusRejected {
		t.Errorf("B status = %s, want rejected", m.suggestions[b.ID].Status)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusPending || got.SelectedMatchId != nil {
		t.Errorf("item = %s/%v, want pending/nil", got.ReviewStatus, got.SelectedMatchId)
	}
	assertInvariants(t, m)
}

func TestManualMatchRoundTrip(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)

	manual, err := setManualMatch(reviewCtx(), m, 10, item.ID, NewManualMatch{
		CodigoSpms: "SPMS-1", Artigo: "Artigo X",
	})
	if err != nil {
		t.Fatalf("setManualMatch: %v", err)
	}

	got := m.suggestions[manual.ID]
	if got == nil || got.MatchType != MatchTypeManual || got.SimilarityScore != 1.0 ||
		got.Rank != 0 || got.Status != SuggestionStatusAccepted {
		t.Fatalf("manual suggestion = %+v", got)
	}
	if m.suggestions[a.ID].Status != SuggestionStatusRejected {
		t.Errorf("A status = %s, want rejected", m.suggestions[a.ID].Status)
	}
	gotItem := m.items[item.ID]
	if gotItem.ReviewStatus != ReviewStatusManual || gotItem.SelectedMatchId == nil || *gotItem.SelectedMatchId != manual.ID {
		t.Errorf("item = %s/%v, want manual/%d", gotItem.ReviewStatus, gotItem.SelectedMatchId, manual.ID)
	}
	assertInvariants(t, m)

	if err := unselectMatch(reviewCtx(), m, 10, item.ID, manual.ID); err != nil {
		t.Fatalf("unselectMatch: %v", err)
	}
	if _, ok := m.suggestions[manual.ID]; ok {
		t.Error("manual suggestion should be hard-deleted on unselect")
	}
	if m.suggestions[a.ID].Status != SuggestionStatusRejected {
		t.Errorf("A status = %s, want rejected after manual unselect", m.suggestions[a.ID].Status)
	}
	gotItem = m.items[item.ID]
	if gotItem.ReviewStatus != ReviewStatusPending || gotItem.SelectedMatchId != nil {
		t.Errorf("item = %s/%v, want pending/nil", gotItem.ReviewStatus, gotItem.SelectedMatchId)
	}
	assertInvariants(t, m)
}

func TestAutoAcceptExactMatches(t *testing.T) {
	m := newMemoryStore()
	// single suggestion at 1.0
	itemB := m.addItem(10)
	exact := m.addSuggestion(itemB.ID, 1.0, 1)
	// boundary: 0.9999 qualifies, 0.9998 does not
	itemBoundary := m.addItem(10)
	atBoundary := m.addSuggestion(itemBoundary.ID, 0.9999, 1)
	itemBelow := m.addItem(10)
	below := m.addSuggestion(itemBelow.ID, 0.9998, 1)
	// already decided items are untouched
	itemDone := m.addItem(10)
	doneMatch := m.addSuggestion(itemDone.ID, 1.0, 1)
	if err := acceptMatch(reviewCtx(), m, 10, itemDone.ID, doneMatch.ID); err != nil {
		t.Fatalf("acceptMatch: %v", err)
	}

	accepted, err := autoAcceptExactMatches(reviewCtx(), m, 10)
	if err != nil {
		t.Fatalf("autoAcceptExactMatches: %v", err)
	}
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}

	for _, tc := range []struct {
		item  *RFPItem
		match *MatchSuggestion
	}{{itemB, exact}, {itemBoundary, atBoundary}} {
		got := m.items[tc.item.ID]
		if got.ReviewStatus != ReviewStatusAccepted || got.SelectedMatchId == nil || *got.SelectedMatchId != tc.match.ID {
			t.Errorf("item %d = %s/%v, want accepted/%d", tc.item.ID, got.ReviewStatus, got.SelectedMatchId, tc.match.ID)
		}
		if m.suggestions[tc.match.ID].Status != SuggestionStatusAccepted {
			t.Errorf("suggestion %d status = %s, want accepted", tc.match.ID, m.suggestions[tc.match.ID].Status)
		}
	}

	gotBelow := m.items[itemBelow.ID]
	if gotBelow.ReviewStatus != ReviewStatusPending || gotBelow.SelectedMatchId != nil {
		t.Errorf("below-threshold item = %s/%v, want pending/nil", gotBelow.ReviewStatus, gotBelow.SelectedMatchId)
	}
	if m.suggestions[below.ID].Status != SuggestionStatusPending {
		t.Errorf("below-threshold suggestion status = %s, want pending", m.suggestions[below.ID].Status)
	}
	assertInvariants(t, m)
}

func TestAutoAcceptIsIdempotent(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	m.addSuggestion(item.ID, 1.0, 1)
	m.addSuggestion(item.ID, 0.7, 2)

	if _, err := autoAcceptExactMatches(reviewCtx(), m, 10); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := snapshot(m)

	accepted, err := autoAcceptExactMatches(reviewCtx(), m, 10)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if accepted != 0 {
		t.Errorf("second run accepted = %d, want 0", accepted)
	}
	if second := snapshot(m); first != second {
		t.Errorf("state changed on rerun:\nfirst:  %s\nsecond: %s", first, second)
	}
	assertInvariants(t, m)
}

func TestAutoAcceptPrefersHighestScoreThenLowestRank(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	lower := m.addSuggestion(item.ID, 0.9999, 1)
	higher := m.addSuggestion(item.ID, 1.0, 3)

	if _, err := autoAcceptExactMatches(reviewCtx(), m, 10); err != nil {
		t.Fatalf("autoAcceptExactMatches: %v", err)
	}
	got := m.items[item.ID]
	if got.SelectedMatchId == nil || *got.SelectedMatchId != higher.ID {
		t.Errorf("selected = %v, want %d (highest score)", got.SelectedMatchId, higher.ID)
	}
	if m.suggestions[lower.ID].Status != SuggestionStatusRejected {
		t.Errorf("lower exact status = %s, want rejected", m.suggestions[lower.ID].Status)
	}
	assertInvariants(t, m)
}

func TestSiblingRejectFailureIsNonFatal(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)
	b := m.addSuggestion(item.ID, 0.80, 2)
	m.failRejectSiblings = true

	if err := acceptMatch(reviewCtx(), m, 10, item.ID, a.ID); err != nil {
		t.Fatalf("acceptMatch should swallow sibling failures, got %v", err)
	}
	got := m.items[item.ID]
	if got.ReviewStatus != ReviewStatusAccepted || got.SelectedMatchId == nil || *got.SelectedMatchId != a.ID {
		t.Errorf("item = %s/%v, want accepted/%d", got.ReviewStatus, got.SelectedMatchId, a.ID)
	}
	// the sibling keeps its old status; eventual consistency is accepted here
	if m.suggestions[b.ID].Status != SuggestionStatusPending {
		t.Errorf("sibling status = %s, want pending (reject failed)", m.suggestions[b.ID].Status)
	}
}

func TestOperationsRequireAuthentication(t *testing.T) {
	m := newMemoryStore()
	item := m.addItem(10)
	a := m.addSuggestion(item.ID, 0.95, 1)

	ctx := context.Background() // no session
	if err := acceptMatch(ctx, m, 10, item.ID, a.ID); err == nil {
		t.Fatal("acceptMatch without session should fail")
	}
	if m.suggestions[a.ID].Status != SuggestionStatusPending {
		t.Errorf("store mutated before authentication: %s", m.suggestions[a.ID].Status)
	}
	if _, err := autoAcceptExactMatches(ctx, m, 10); err == nil {
		t.Fatal("autoAcceptExactMatches without session should fail")
	}
}

func TestAcceptMatchValidatesOwnership(t *testing.T) {
	m := newMemoryStore()
	itemA := m.addItem(10)
	itemB := m.addItem(10)
	sB := m.addSuggestion(itemB.ID, 0.9, 1)

	// suggestion belongs to a different item
	if err := acceptMatch(reviewCtx(), m, 10, itemA.ID, sB.ID); err == nil {
		t.Fatal("accepting a foreign suggestion should fail")
	}
	// item belongs to a different job
	if err := acceptMatch(reviewCtx(), m, 99, itemB.ID, sB.ID); err == nil {
		t.Fatal("accepting through the wrong job should fail")
	}
	if m.suggestions[sB.ID].Status != SuggestionStatusPending {
		t.Errorf("suggestion mutated by failed validation: %s", m.suggestions[sB.ID].Status)
	}
}

func snapshot(m *memoryReviewStore) string {
	ids := make([]int, 0, len(m.suggestions))
	for id := range m.suggestions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := ""
	for _, id := range ids {
		s := m.suggestions[id]
		out += fmt.Sprintf("s%d:%s;", id, s.Status)
	}
	itemIds := make([]int, 0, len(m.items))
	for id := range m.items {
		itemIds = append(itemIds, id)
	}
	sort.Ints(itemIds)
	for _, id := range itemIds {
		it := m.items[id]
		sel := 0
		if it.SelectedMatchId != nil {
			sel = *it.SelectedMatchId
		}
		out += fmt.Sprintf("i%d:%s/%d;", id, it.ReviewStatus, sel)
	}
	return out
}
