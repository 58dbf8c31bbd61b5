package models

import (
	"testing"
	"time"
)

func TestDeriveJobReviewState(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		confirmedAt *time.Time
		items       []ItemReviewSummary
		want        JobReviewState
	}{
		{
			name:        "confirmed wins over everything",
			confirmedAt: &now,
			items: []ItemReviewSummary{
				{ReviewStatus: ReviewStatusPending, SuggestionCount: 2},
			},
			want: JobReviewStateConfirmado,
		},
		{
			name: "pending item with suggestions needs review",
			items: []ItemReviewSummary{
				{ReviewStatus: ReviewStatusAccepted, SuggestionCount: 3},
				{ReviewStatus: ReviewStatusPending, SuggestionCount: 2},
			},
			want: JobReviewStatePorRever,
		},
		{
			// pending with zero suggestions is a resolved "no match",
			// not outstanding review work
			name: "pending item without suggestions does not block",
			items: []ItemReviewSummary{
				{ReviewStatus: ReviewStatusPending, SuggestionCount: 0},
				{ReviewStatus: ReviewStatusAccepted, SuggestionCount: 1},
			},
			want: JobReviewStateRevisto,
		},
		{
			name: "pending item with an exact match will be auto-accepted",
			items: []ItemReviewSummary{
				{ReviewStatus: ReviewStatusPending, SuggestionCount: 1, HasExact: true},
			},
			want: JobReviewStateRevisto,
		},
		{
			name: "all decided",
			items: []ItemReviewSummary{
				{ReviewStatus: ReviewStatusAccepted, SuggestionCount: 2},
				{ReviewStatus: ReviewStatusRejected, SuggestionCount: 1},
				{ReviewStatus: ReviewStatusManual, SuggestionCount: 3},
			},
			want: JobReviewStateRevisto,
		},
		{
			name: "empty job is reviewed",
			want: JobReviewStateRevisto,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveJobReviewState(tt.confirmedAt, tt.items); got != tt.want {
				t.Errorf("DeriveJobReviewState() = %s, want %s", got, tt.want)
			}
		})
	}
}
