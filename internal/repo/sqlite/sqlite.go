// Package sqlite implements the repo interfaces on top of SQLite,
// adapted from the teacher's internal/adapter/store/sqlite package:
// one package-level schema, narrow per-entity methods, each write its
// own transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aireview/engine/internal/domain"
)

// Store opens the shared SQLite database and exposes one sub-store per
// repo interface, each a thin wrapper around the same *sql.DB. Methods
// are split across types (rather than one type implementing all five
// interfaces) because Go has no method overloading and CommentRepo and
// UsageRepo both define an Insert method.
type Store struct {
	db *sql.DB

	Reviews  *ReviewStore
	Comments *CommentStore
	Analysis *AnalysisStore
	Usage    *UsageStore
	Prompts  *PromptStore
}

// ReviewStore implements repo.ReviewRepo.
type ReviewStore struct{ db *sql.DB }

// CommentStore implements repo.CommentRepo.
type CommentStore struct{ db *sql.DB }

// AnalysisStore implements repo.AnalysisRepo.
type AnalysisStore struct{ db *sql.DB }

// UsageStore implements repo.UsageRepo.
type UsageStore struct{ db *sql.DB }

// PromptStore implements repo.PromptRepo. Its Resolve method matches
// promptbuilder.Resolver's signature, so store.Prompts.Resolve can be
// passed directly to promptbuilder.NewBuilder.
type PromptStore struct{ db *sql.DB }

// Open creates or attaches to the SQLite database at path and ensures
// the schema exists. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	s := &Store{
		db:       db,
		Reviews:  &ReviewStore{db: db},
		Comments: &CommentStore{db: db},
		Analysis: &AnalysisStore{db: db},
		Usage:    &UsageStore{db: db},
		Prompts:  &PromptStore{db: db},
	}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS review_requests (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		title TEXT NOT NULL,
		target_branch TEXT NOT NULL,
		base_branch TEXT NOT NULL,
		pull_request_number INTEGER,
		author_id TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS review_comments (
		id TEXT PRIMARY KEY,
		review_id TEXT NOT NULL,
		file_path TEXT,
		line_number INTEGER,
		severity TEXT NOT NULL,
		category TEXT NOT NULL,
		content TEXT NOT NULL,
		suggestion TEXT,
		is_ai_generated INTEGER NOT NULL,
		author_name TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (review_id) REFERENCES review_requests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_review_comments_review ON review_comments(review_id);

	CREATE TABLE IF NOT EXISTS risk_assessments (
		review_id TEXT PRIMARY KEY,
		overall_risk_score INTEGER NOT NULL,
		complexity_risk TEXT NOT NULL,
		security_risk TEXT NOT NULL,
		performance_risk TEXT NOT NULL,
		maintainability_risk TEXT NOT NULL,
		risk_description TEXT NOT NULL,
		mitigation_suggestions TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		ai_model_version TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (review_id) REFERENCES review_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS improvement_suggestions (
		id TEXT PRIMARY KEY,
		review_id TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		file_path TEXT,
		start_line INTEGER,
		end_line INTEGER,
		original_code TEXT,
		suggested_code TEXT,
		reasoning TEXT,
		expected_benefits TEXT,
		implementation_complexity INTEGER NOT NULL,
		confidence_score REAL NOT NULL,
		FOREIGN KEY (review_id) REFERENCES review_requests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_improvement_suggestions_review ON improvement_suggestions(review_id);

	CREATE TABLE IF NOT EXISTS pull_request_summaries (
		review_id TEXT PRIMARY KEY,
		change_type TEXT NOT NULL,
		business_impact TEXT NOT NULL,
		technical_impact TEXT NOT NULL,
		breaking_change_risk TEXT NOT NULL,
		summary TEXT NOT NULL,
		detailed_description TEXT NOT NULL,
		key_changes TEXT NOT NULL,
		impact_analysis TEXT NOT NULL,
		change_statistics_json TEXT NOT NULL,
		backward_compatibility TEXT,
		performance_impact TEXT,
		security_impact TEXT,
		testing_recommendations TEXT,
		deployment_considerations TEXT,
		documentation_requirements TEXT,
		dependency_changes TEXT,
		FOREIGN KEY (review_id) REFERENCES review_requests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS token_usage_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT,
		review_request_id TEXT,
		llm_configuration_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		operation_type TEXT NOT NULL,
		prompt_tokens INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		prompt_cost REAL NOT NULL,
		completion_cost REAL NOT NULL,
		total_cost REAL NOT NULL,
		is_successful INTEGER NOT NULL,
		error_message TEXT,
		response_time_ms INTEGER NOT NULL,
		was_cache_hit INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_usage_project ON token_usage_records(project_id);

	CREATE TABLE IF NOT EXISTS prompt_templates (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		type TEXT NOT NULL,
		version INTEGER NOT NULL,
		body TEXT NOT NULL,
		variables_json TEXT NOT NULL,
		UNIQUE(project_id, type, version)
	);
	CREATE INDEX IF NOT EXISTS idx_prompt_templates_lookup ON prompt_templates(project_id, type, version DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// GetByID implements repo.ReviewRepo.
func (s *ReviewStore) GetByID(ctx context.Context, reviewID string) (domain.ReviewRequest, error) {
	const q = `
		SELECT id, project_id, title, target_branch, base_branch, pull_request_number, author_id, state, created_at, updated_at
		FROM review_requests WHERE id = ?`
	var r domain.ReviewRequest
	var prNumber sql.NullInt64
	err := s.db.QueryRowContext(ctx, q, reviewID).Scan(
		&r.ID, &r.ProjectID, &r.Title, &r.TargetBranch, &r.BaseBranch, &prNumber, &r.AuthorID, &r.State, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.ReviewRequest{}, fmt.Errorf("repo: review %s not found", reviewID)
	}
	if err != nil {
		return domain.ReviewRequest{}, fmt.Errorf("repo: get review %s: %w", reviewID, err)
	}
	if prNumber.Valid {
		n := int(prNumber.Int64)
		r.PullRequestNumber = &n
	}
	return r, nil
}

// UpdateState implements repo.ReviewRepo.
func (s *ReviewStore) UpdateState(ctx context.Context, reviewID string, state domain.ReviewState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE review_requests SET state = ? WHERE id = ?`, state, reviewID)
	if err != nil {
		return fmt.Errorf("repo: update state for %s: %w", reviewID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repo: review %s not found", reviewID)
	}
	return nil
}

// Insert implements repo.CommentRepo.
func (s *CommentStore) Insert(ctx context.Context, c domain.ReviewComment) error {
	const q = `
		INSERT INTO review_comments (id, review_id, file_path, line_number, severity, category, content, suggestion, is_ai_generated, author_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, c.ID, c.ReviewID, c.FilePath, c.LineNumber, c.Severity, c.Category, c.Content, c.Suggestion, boolToInt(c.IsAIGenerated), c.AuthorName, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo: insert comment %s: %w", c.ID, err)
	}
	return nil
}

// DeleteByReview implements repo.CommentRepo.
func (s *CommentStore) DeleteByReview(ctx context.Context, reviewID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM review_comments WHERE review_id = ?`, reviewID)
	if err != nil {
		return fmt.Errorf("repo: delete comments for %s: %w", reviewID, err)
	}
	return nil
}

// ListByReview implements repo.CommentRepo.
func (s *CommentStore) ListByReview(ctx context.Context, reviewID string) ([]domain.ReviewComment, error) {
	const q = `
		SELECT id, review_id, file_path, line_number, severity, category, content, suggestion, is_ai_generated, author_name, created_at
		FROM review_comments WHERE review_id = ? ORDER BY file_path, line_number`
	rows, err := s.db.QueryContext(ctx, q, reviewID)
	if err != nil {
		return nil, fmt.Errorf("repo: list comments for %s: %w", reviewID, err)
	}
	defer rows.Close()

	var out []domain.ReviewComment
	for rows.Next() {
		var c domain.ReviewComment
		var aiGenerated int
		if err := rows.Scan(&c.ID, &c.ReviewID, &c.FilePath, &c.LineNumber, &c.Severity, &c.Category, &c.Content, &c.Suggestion, &aiGenerated, &c.AuthorName, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repo: scan comment: %w", err)
		}
		c.IsAIGenerated = aiGenerated != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertRisk implements repo.AnalysisRepo.
func (s *AnalysisStore) UpsertRisk(ctx context.Context, r domain.RiskAssessment) error {
	const q = `
		INSERT INTO risk_assessments (review_id, overall_risk_score, complexity_risk, security_risk, performance_risk, maintainability_risk, risk_description, mitigation_suggestions, confidence_score, ai_model_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			overall_risk_score = excluded.overall_risk_score,
			complexity_risk = excluded.complexity_risk,
			security_risk = excluded.security_risk,
			performance_risk = excluded.performance_risk,
			maintainability_risk = excluded.maintainability_risk,
			risk_description = excluded.risk_description,
			mitigation_suggestions = excluded.mitigation_suggestions,
			confidence_score = excluded.confidence_score,
			ai_model_version = excluded.ai_model_version,
			created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, q, r.ReviewID, r.OverallRiskScore, r.ComplexityRisk, r.SecurityRisk, r.PerformanceRisk, r.MaintainabilityRisk, r.RiskDescription, r.MitigationSuggestions, r.ConfidenceScore, r.AIModelVersion, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("repo: upsert risk for %s: %w", r.ReviewID, err)
	}
	return nil
}

// ReplaceSuggestions implements repo.AnalysisRepo: the whole suggestion
// set for reviewID is replaced atomically.
func (s *AnalysisStore) ReplaceSuggestions(ctx context.Context, reviewID string, suggestions []domain.ImprovementSuggestion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repo: begin replace suggestions for %s: %w", reviewID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM improvement_suggestions WHERE review_id = ?`, reviewID); err != nil {
		return fmt.Errorf("repo: clear suggestions for %s: %w", reviewID, err)
	}

	const q = `
		INSERT INTO improvement_suggestions (id, review_id, type, priority, title, description, file_path, start_line, end_line, original_code, suggested_code, reasoning, expected_benefits, implementation_complexity, confidence_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("repo: prepare insert suggestion: %w", err)
	}
	defer stmt.Close()

	for _, sugg := range suggestions {
		if _, err := stmt.ExecContext(ctx, sugg.ID, reviewID, sugg.Type, sugg.Priority, sugg.Title, sugg.Description, sugg.FilePath, sugg.StartLine, sugg.EndLine, sugg.OriginalCode, sugg.SuggestedCode, sugg.Reasoning, sugg.ExpectedBenefits, sugg.ImplementationComplexity, sugg.ConfidenceScore); err != nil {
			return fmt.Errorf("repo: insert suggestion %s: %w", sugg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repo: commit replace suggestions for %s: %w", reviewID, err)
	}
	return nil
}

// UpsertSummary implements repo.AnalysisRepo.
func (s *AnalysisStore) UpsertSummary(ctx context.Context, sum domain.PullRequestSummary) error {
	const q = `
		INSERT INTO pull_request_summaries (review_id, change_type, business_impact, technical_impact, breaking_change_risk, summary, detailed_description, key_changes, impact_analysis, change_statistics_json, backward_compatibility, performance_impact, security_impact, testing_recommendations, deployment_considerations, documentation_requirements, dependency_changes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			change_type = excluded.change_type,
			business_impact = excluded.business_impact,
			technical_impact = excluded.technical_impact,
			breaking_change_risk = excluded.breaking_change_risk,
			summary = excluded.summary,
			detailed_description = excluded.detailed_description,
			key_changes = excluded.key_changes,
			impact_analysis = excluded.impact_analysis,
			change_statistics_json = excluded.change_statistics_json,
			backward_compatibility = excluded.backward_compatibility,
			performance_impact = excluded.performance_impact,
			security_impact = excluded.security_impact,
			testing_recommendations = excluded.testing_recommendations,
			deployment_considerations = excluded.deployment_considerations,
			documentation_requirements = excluded.documentation_requirements,
			dependency_changes = excluded.dependency_changes`
	_, err := s.db.ExecContext(ctx, q,
		sum.ReviewID, sum.ChangeType, sum.BusinessImpact, sum.TechnicalImpact, sum.BreakingChangeRisk, sum.Summary, sum.DetailedDescription, sum.KeyChanges, sum.ImpactAnalysis, sum.ChangeStatisticsJSON,
		sum.BackwardCompatibility, sum.PerformanceImpact, sum.SecurityImpact, sum.TestingRecommendations, sum.DeploymentConsiderations, sum.DocumentationRequirements, sum.DependencyChanges,
	)
	if err != nil {
		return fmt.Errorf("repo: upsert pr summary for %s: %w", sum.ReviewID, err)
	}
	return nil
}

// Insert implements repo.UsageRepo.
func (s *UsageStore) Insert(ctx context.Context, r domain.TokenUsageRecord) error {
	const q = `
		INSERT INTO token_usage_records (id, user_id, project_id, review_request_id, llm_configuration_id, provider, model, operation_type, prompt_tokens, completion_tokens, total_tokens, prompt_cost, completion_cost, total_cost, is_successful, error_message, response_time_ms, was_cache_hit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.UserID, r.ProjectID, r.ReviewRequestID, r.LLMConfigurationID, r.Provider, r.Model, string(r.OperationType),
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.PromptCost, r.CompletionCost, r.TotalCost,
		boolToInt(r.IsSuccessful), r.ErrorMessage, r.ResponseTimeMs, boolToInt(r.WasCacheHit), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("repo: insert usage record %s: %w", r.ID, err)
	}
	return nil
}

// AggregateByProject implements repo.UsageRepo.
func (s *UsageStore) AggregateByProject(ctx context.Context, projectID string) (promptTokens, completionTokens int, totalCost float64, err error) {
	const q = `
		SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_cost),0)
		FROM token_usage_records WHERE project_id = ?`
	err = s.db.QueryRowContext(ctx, q, projectID).Scan(&promptTokens, &completionTokens, &totalCost)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("repo: aggregate usage for project %s: %w", projectID, err)
	}
	return promptTokens, completionTokens, totalCost, nil
}

// Resolve implements repo.PromptRepo, and matches promptbuilder.Resolver's
// signature so store.Prompts.Resolve can be passed directly to
// promptbuilder.NewBuilder.
func (s *PromptStore) Resolve(ctx context.Context, projectID string, kind domain.PromptType) (domain.PromptTemplate, bool, error) {
	const q = `
		SELECT id, project_id, type, version, body, variables_json
		FROM prompt_templates WHERE project_id = ? AND type = ? ORDER BY version DESC LIMIT 1`
	var t domain.PromptTemplate
	var projectIDCol sql.NullString
	var variablesJSON string
	err := s.db.QueryRowContext(ctx, q, projectID, string(kind)).Scan(&t.ID, &projectIDCol, &t.Type, &t.Version, &t.Body, &variablesJSON)
	if err == sql.ErrNoRows {
		return domain.PromptTemplate{}, false, nil
	}
	if err != nil {
		return domain.PromptTemplate{}, false, fmt.Errorf("repo: resolve prompt template %s/%s: %w", projectID, kind, err)
	}
	if projectIDCol.Valid {
		t.ProjectID = &projectIDCol.String
	}
	if variablesJSON != "" {
		if err := json.Unmarshal([]byte(variablesJSON), &t.Variables); err != nil {
			return domain.PromptTemplate{}, false, fmt.Errorf("repo: decode prompt template variables: %w", err)
		}
	}
	return t, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
