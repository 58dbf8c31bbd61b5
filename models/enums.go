package models

import "errors"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	// inventory ingests only: some rows imported, some skipped
	JobStatusPartial JobStatus = "partial"
)

func ParseJobStatus(str string) (JobStatus, error) {
	jobStatus := map[string]JobStatus{
		"pending":    JobStatusPending,
		"processing": JobStatusProcessing,
		"completed":  JobStatusCompleted,
		"failed":     JobStatusFailed,
		"partial":    JobStatusPartial,
	}
	s, ok := jobStatus[str]
	if !ok {
		return "", errors.New("invalid job status")
	}
	return s, nil
}

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusAccepted ReviewStatus = "accepted"
	ReviewStatusRejected ReviewStatus = "rejected"
	ReviewStatusManual   ReviewStatus = "manual"
)

func ParseReviewStatus(str string) (ReviewStatus, error) {
	reviewStatus := map[string]ReviewStatus{
		"pending":  ReviewStatusPending,
		"accepted": ReviewStatusAccepted,
		"rejected": ReviewStatusRejected,
		"manual":   ReviewStatusManual,
	}
	s, ok := reviewStatus[str]
	if !ok {
		return "", errors.New("invalid review status")
	}
	return s, nil
}

type SuggestionStatus string

const (
	SuggestionStatusPending  SuggestionStatus = "pending"
	SuggestionStatusAccepted SuggestionStatus = "accepted"
	SuggestionStatusRejected SuggestionStatus = "rejected"
)

func ParseSuggestionStatus(str string) (SuggestionStatus, error) {
	suggestionStatus := map[string]SuggestionStatus{
		"pending":  SuggestionStatusPending,
		"accepted": SuggestionStatusAccepted,
		"rejected": SuggestionStatusRejected,
	}
	s, ok := suggestionStatus[str]
	if !ok {
		return "", errors.New("invalid suggestion status")
	}
	return s, nil
}

const (
	MatchTypeAlgorithmic = "Algorithmic"
	MatchTypeManual      = "Manual"
)

// ExactMatchThreshold marks a suggestion as auto-acceptable without review.
const ExactMatchThreshold = 0.9999

// JobReviewState is derived from item/suggestion rows, never stored.
type JobReviewState string

const (
	JobReviewStateConfirmado JobReviewState = "confirmado"
	JobReviewStatePorRever   JobReviewState = "por_rever"
	JobReviewStateRevisto    JobReviewState = "revisto"
)

type ChangeEventAction string

const (
	ChangeEventActionInsert ChangeEventAction = "INSERT"
	ChangeEventActionUpdate ChangeEventAction = "UPDATE"
	ChangeEventActionDelete ChangeEventAction = "DELETE"
)

func ParseChangeEventAction(str string) (ChangeEventAction, error) {
	switch str {
	case "INSERT":
		return ChangeEventActionInsert, nil
	case "UPDATE":
		return ChangeEventActionUpdate, nil
	case "DELETE":
		return ChangeEventActionDelete, nil
	default:
		return "", errors.New("invalid change event action")
	}
}

type UserRole string

const (
	UserRoleAdmin    UserRole = "Admin"
	UserRoleReviewer UserRole = "Reviewer"
)

func ParseUserRole(str string) (UserRole, error) {
	switch str {
	case "Admin":
		return UserRoleAdmin, nil
	case "Reviewer":
		return UserRoleReviewer, nil
	default:
		return "", errors.New("invalid user role")
	}
}
