// Package repo defines the narrow per-entity persistence interfaces the
// pipeline depends on: no cross-row transactions, each method is its
// own unit of work.
package repo

import (
	"context"

	"github.com/aireview/engine/internal/domain"
)

// ReviewRepo reads and advances a ReviewRequest's lifecycle state.
type ReviewRepo interface {
	GetByID(ctx context.Context, reviewID string) (domain.ReviewRequest, error)
	UpdateState(ctx context.Context, reviewID string, state domain.ReviewState) error
}

// CommentRepo persists AI- or human-authored review comments.
type CommentRepo interface {
	Insert(ctx context.Context, comment domain.ReviewComment) error
	DeleteByReview(ctx context.Context, reviewID string) error
	ListByReview(ctx context.Context, reviewID string) ([]domain.ReviewComment, error)
}

// AnalysisRepo persists the at-most-one-per-review risk/summary rows and
// the replaceable improvement-suggestion set.
type AnalysisRepo interface {
	UpsertRisk(ctx context.Context, risk domain.RiskAssessment) error
	ReplaceSuggestions(ctx context.Context, reviewID string, suggestions []domain.ImprovementSuggestion) error
	UpsertSummary(ctx context.Context, summary domain.PullRequestSummary) error
}

// UsageRepo is the append-only token-accounting ledger.
type UsageRepo interface {
	Insert(ctx context.Context, record domain.TokenUsageRecord) error
	AggregateByProject(ctx context.Context, projectID string) (promptTokens, completionTokens int, totalCost float64, err error)
}

// PromptRepo resolves the active PromptTemplate override for
// (projectID, type), implementing promptbuilder.Resolver.
type PromptRepo interface {
	Resolve(ctx context.Context, projectID string, kind domain.PromptType) (domain.PromptTemplate, bool, error)
}
