// Package analysisjob implements the three sibling analysis jobs
// (RiskAnalysis, ImprovementSuggestions, PRSummary) and the composite
// Comprehensive job that sequences them with nested claims, siblings of
// reviewjob.Orchestrator reusing the same chunker/promptbuilder/parser/
// llmrouter collaborators.
package analysisjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aireview/engine/internal/adapter/llm"
	"github.com/aireview/engine/internal/adapter/observability"
	"github.com/aireview/engine/internal/cache"
	"github.com/aireview/engine/internal/chunker"
	"github.com/aireview/engine/internal/domain"
	"github.com/aireview/engine/internal/idempotency"
	"github.com/aireview/engine/internal/llmrouter"
	"github.com/aireview/engine/internal/parser"
	"github.com/aireview/engine/internal/promptbuilder"
	"github.com/aireview/engine/internal/repo"
)

const (
	kindRisk        = "RiskAnalysis"
	kindImprovements = "ImprovementSuggestions"
	kindPRSummary   = "PRSummary"
	kindComprehensive = "Comprehensive"

	// DefaultSingleCallBudgetTokens is the payload size below which a
	// task is sent as one LLM call instead of being chunked.
	DefaultSingleCallBudgetTokens = 6000

	diffCacheTTL = 10 * time.Minute
)

// DiffProvider is the same external collaborator contract reviewjob
// depends on.
type DiffProvider interface {
	GetDiff(ctx context.Context, review domain.ReviewRequest) ([]domain.DiffFile, string, error)
}

// Dependencies wires the orchestrator to its collaborators.
type Dependencies struct {
	Idempotency *idempotency.Service
	Cache       *cache.Cache
	Reviews     repo.ReviewRepo
	Analysis    repo.AnalysisRepo
	Usage       repo.UsageRepo
	Diff        DiffProvider
	Prompts     *promptbuilder.Builder
	Router      *llmrouter.Router
	Repairer    parser.Repairer
	Logger      observability.Logger

	Provider string
	Model    string

	SingleCallBudgetTokens int
	JobTimeout             time.Duration
	NestedClaimWait        time.Duration // bound on WaitForCompletion inside Comprehensive
}

func (d Dependencies) withDefaults() Dependencies {
	if d.SingleCallBudgetTokens <= 0 {
		d.SingleCallBudgetTokens = DefaultSingleCallBudgetTokens
	}
	if d.JobTimeout <= 0 {
		d.JobTimeout = 30 * time.Minute
	}
	if d.NestedClaimWait <= 0 {
		d.NestedClaimWait = 25 * time.Minute
	}
	if d.Logger == nil {
		d.Logger = observability.NewStdLogger(observability.LogFormatHuman)
	}
	return d
}

// Orchestrator runs the analysis jobs.
type Orchestrator struct {
	deps Dependencies
}

// New builds an Orchestrator from deps, applying documented defaults.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps.withDefaults()}
}

// diffPayload fetches (with cache.GetOrCreate) the rendered diff text for
// reviewID, chunking only when it exceeds the single-call budget, and
// returns the payload(s) to send plus the commit sha the cache key was
// built from.
func (o *Orchestrator) diffPayload(ctx context.Context, review domain.ReviewRequest) ([]string, string, error) {
	diffFiles, commitSha, err := o.deps.Diff.GetDiff(ctx, review)
	if err != nil {
		return nil, "", err
	}

	cacheKey := fmt.Sprintf("diff:%s:%s", review.ID, commitSha)
	rendered, err := o.deps.Cache.GetOrCreate(ctx, cacheKey, diffCacheTTL, func(ctx context.Context) (string, error) {
		return renderFullDiff(diffFiles), nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("analysisjob: cache diff for %s: %w", review.ID, err)
	}

	if llm.EstimateTokens(rendered) <= o.deps.SingleCallBudgetTokens {
		return []string{rendered}, commitSha, nil
	}

	chunks := chunker.Chunk(review.ID, diffFiles, o.deps.SingleCallBudgetTokens)
	payloads := make([]string, len(chunks))
	for i, c := range chunks {
		payloads[i] = c.Payload
	}
	return payloads, commitSha, nil
}

func renderFullDiff(files []domain.DiffFile) string {
	// Reuse the chunker's own packing with an effectively unbounded
	// budget to get one deterministically-ordered payload string,
	// instead of duplicating its file-header/hunk rendering here.
	chunks := chunker.Chunk("diff-cache", files, 1<<30)
	if len(chunks) == 0 {
		return ""
	}
	return chunks[0].Payload
}

func (o *Orchestrator) complete(ctx context.Context, review domain.ReviewRequest, op domain.OperationType, prompt string) (string, error) {
	start := time.Now()
	resp, err := o.deps.Router.Complete(ctx, llmrouter.Request{
		Provider:  o.deps.Provider,
		Model:     o.deps.Model,
		System:    "Respond with JSON matching the schema in the prompt, nothing else.",
		Messages:  []llmrouter.Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
	})
	o.recordUsage(ctx, review, op, resp, time.Since(start), err)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// recordUsage persists one accounting row per LLM call, success or
// failure, attributed to op so per-project aggregation can separate
// risk/summary/improvement spend from Review spend.
func (o *Orchestrator) recordUsage(ctx context.Context, review domain.ReviewRequest, op domain.OperationType, resp llmrouter.Response, latency time.Duration, callErr error) {
	promptCost, completionCost := splitCost(resp.Cost, resp.PromptTokens, resp.CompletionTokens)
	record := domain.TokenUsageRecord{
		ID:                 uuid.NewString(),
		UserID:             review.AuthorID,
		ProjectID:          &review.ProjectID,
		ReviewRequestID:    &review.ID,
		LLMConfigurationID: o.deps.Provider + ":" + o.deps.Model,
		Provider:           o.deps.Provider,
		Model:              o.deps.Model,
		OperationType:      op,
		PromptTokens:       resp.PromptTokens,
		CompletionTokens:   resp.CompletionTokens,
		TotalTokens:        resp.PromptTokens + resp.CompletionTokens,
		PromptCost:         promptCost,
		CompletionCost:     completionCost,
		TotalCost:          resp.Cost,
		IsSuccessful:       callErr == nil,
		ResponseTimeMs:     latency.Milliseconds(),
		CreatedAt:          time.Now().Unix(),
	}
	if callErr != nil {
		msg := callErr.Error()
		record.ErrorMessage = &msg
	}
	if err := o.deps.Usage.Insert(ctx, record); err != nil {
		o.deps.Logger.Warn(ctx, "usage record insert failed", map[string]interface{}{"reviewId": review.ID, "kind": string(op), "error": err.Error()})
	}
}

// splitCost allocates a call's total cost across prompt and completion
// tokens proportionally, since providers bill the two at different
// per-token rates but the router only surfaces the combined total.
func splitCost(total float64, promptTokens, completionTokens int) (promptCost, completionCost float64) {
	totalTokens := promptTokens + completionTokens
	if totalTokens == 0 {
		return 0, 0
	}
	promptCost = total * float64(promptTokens) / float64(totalTokens)
	return promptCost, total - promptCost
}

// claim wraps idempotency.Service.Claim, translating a skip into a nil
// handle the caller should treat as "nothing to do".
func (o *Orchestrator) claim(ctx context.Context, jobKind, reviewID string) (*idempotency.ExecutionHandle, error) {
	handle, err := o.deps.Idempotency.Claim(ctx, jobKind, reviewID, idempotency.Config{})
	if err != nil {
		var skip *idempotency.ErrSkip
		if errors.As(err, &skip) {
			o.deps.Logger.Info(ctx, "analysis job skipped", map[string]interface{}{"reviewId": reviewID, "kind": jobKind, "reason": skip.Reason})
			return nil, nil
		}
		return nil, err
	}
	o.deps.Logger.Info(ctx, "analysis job claimed", map[string]interface{}{"reviewId": reviewID, "kind": jobKind})
	return handle, nil
}

// --- RiskAnalysis -----------------------------------------------------

// RunRiskAnalysis claims and runs the RiskAnalysis job for reviewID.
func (o *Orchestrator) RunRiskAnalysis(ctx context.Context, reviewID string) error {
	handle, err := o.claim(ctx, kindRisk, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: claim risk %s: %w", reviewID, err)
	}
	if handle == nil {
		return nil
	}
	defer handle.Dispose(ctx)

	jobCtx, cancel := context.WithTimeout(ctx, o.deps.JobTimeout)
	defer cancel()

	if err := o.runRiskAnalysis(jobCtx, reviewID); err != nil {
		_ = handle.Fail(ctx, domain.Kind(err), err.Error())
		return err
	}
	return handle.Complete(ctx)
}

func (o *Orchestrator) runRiskAnalysis(ctx context.Context, reviewID string) error {
	review, err := o.deps.Reviews.GetByID(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: load review %s: %w", reviewID, err)
	}
	payloads, _, err := o.diffPayload(ctx, review)
	if err != nil {
		return err
	}

	results := make([]domain.RiskAssessment, 0, len(payloads))
	for _, payload := range payloads {
		prompt, err := o.deps.Prompts.BuildRiskAssessment(ctx, review.ProjectID, promptbuilder.RiskPromptData{
			ReviewID:     review.ID,
			Title:        review.Title,
			TargetBranch: review.TargetBranch,
			BaseBranch:   review.BaseBranch,
			Payload:      payload,
		})
		if err != nil {
			return fmt.Errorf("analysisjob: build risk prompt: %w", err)
		}
		text, err := o.complete(ctx, review, domain.OperationRiskAnalysis, prompt)
		if err != nil {
			return fmt.Errorf("analysisjob: risk llm call: %w", err)
		}
		risk, err := parser.ParseRiskAssessment(ctx, review.ID, o.deps.Model, text, o.deps.Repairer)
		if err != nil {
			return fmt.Errorf("analysisjob: parse risk: %w", err)
		}
		results = append(results, risk)
	}

	merged := mergeRiskAssessments(review.ID, o.deps.Model, results)
	if err := o.deps.Analysis.UpsertRisk(ctx, merged); err != nil {
		return fmt.Errorf("analysisjob: upsert risk for %s: %w", reviewID, err)
	}
	return nil
}

// mergeRiskAssessments combines per-chunk risk assessments into the
// single row the schema allows: the worst-case score and risk levels
// win, descriptions/mitigations are concatenated, confidence is
// averaged. A single-element slice passes through unchanged.
func mergeRiskAssessments(reviewID, modelVersion string, parts []domain.RiskAssessment) domain.RiskAssessment {
	if len(parts) == 1 {
		return parts[0]
	}
	out := domain.RiskAssessment{ReviewID: reviewID, AIModelVersion: modelVersion}
	var confidenceSum float64
	for _, p := range parts {
		if p.OverallRiskScore > out.OverallRiskScore {
			out.OverallRiskScore = p.OverallRiskScore
		}
		out.ComplexityRisk = worseRiskLabel(out.ComplexityRisk, p.ComplexityRisk)
		out.SecurityRisk = worseRiskLabel(out.SecurityRisk, p.SecurityRisk)
		out.PerformanceRisk = worseRiskLabel(out.PerformanceRisk, p.PerformanceRisk)
		out.MaintainabilityRisk = worseRiskLabel(out.MaintainabilityRisk, p.MaintainabilityRisk)
		if p.RiskDescription != "" {
			out.RiskDescription += p.RiskDescription + "\n"
		}
		if p.MitigationSuggestions != "" {
			out.MitigationSuggestions += p.MitigationSuggestions + "\n"
		}
		confidenceSum += p.ConfidenceScore
	}
	out.ConfidenceScore = confidenceSum / float64(len(parts))
	return out
}

var riskLabelRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

func worseRiskLabel(a, b string) string {
	if riskLabelRank[lower(b)] > riskLabelRank[lower(a)] {
		return b
	}
	if a == "" {
		return b
	}
	return a
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// --- ImprovementSuggestions --------------------------------------------

// RunImprovementSuggestions claims and runs the ImprovementSuggestions
// job for reviewID.
func (o *Orchestrator) RunImprovementSuggestions(ctx context.Context, reviewID string) error {
	handle, err := o.claim(ctx, kindImprovements, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: claim improvements %s: %w", reviewID, err)
	}
	if handle == nil {
		return nil
	}
	defer handle.Dispose(ctx)

	jobCtx, cancel := context.WithTimeout(ctx, o.deps.JobTimeout)
	defer cancel()

	if err := o.runImprovementSuggestions(jobCtx, reviewID); err != nil {
		_ = handle.Fail(ctx, domain.Kind(err), err.Error())
		return err
	}
	return handle.Complete(ctx)
}

func (o *Orchestrator) runImprovementSuggestions(ctx context.Context, reviewID string) error {
	review, err := o.deps.Reviews.GetByID(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: load review %s: %w", reviewID, err)
	}
	payloads, _, err := o.diffPayload(ctx, review)
	if err != nil {
		return err
	}

	var all []domain.ImprovementSuggestion
	for _, payload := range payloads {
		prompt, err := o.deps.Prompts.BuildImprovements(ctx, review.ProjectID, promptbuilder.ImprovementsPromptData{
			ReviewID: review.ID,
			Title:    review.Title,
			Payload:  payload,
		})
		if err != nil {
			return fmt.Errorf("analysisjob: build improvements prompt: %w", err)
		}
		text, err := o.complete(ctx, review, domain.OperationImprovementSuggestions, prompt)
		if err != nil {
			return fmt.Errorf("analysisjob: improvements llm call: %w", err)
		}
		suggestions, err := parser.ParseImprovements(ctx, review.ID, text, o.deps.Repairer)
		if err != nil {
			return fmt.Errorf("analysisjob: parse improvements: %w", err)
		}
		for i := range suggestions {
			suggestions[i].ID = uuid.NewString()
		}
		all = append(all, suggestions...)
	}

	if err := o.deps.Analysis.ReplaceSuggestions(ctx, reviewID, all); err != nil {
		return fmt.Errorf("analysisjob: replace suggestions for %s: %w", reviewID, err)
	}
	return nil
}

// --- PRSummary ----------------------------------------------------------

// RunPRSummary claims and runs the PRSummary job for reviewID.
func (o *Orchestrator) RunPRSummary(ctx context.Context, reviewID string) error {
	handle, err := o.claim(ctx, kindPRSummary, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: claim pr summary %s: %w", reviewID, err)
	}
	if handle == nil {
		return nil
	}
	defer handle.Dispose(ctx)

	jobCtx, cancel := context.WithTimeout(ctx, o.deps.JobTimeout)
	defer cancel()

	if err := o.runPRSummary(jobCtx, reviewID); err != nil {
		_ = handle.Fail(ctx, domain.Kind(err), err.Error())
		return err
	}
	return handle.Complete(ctx)
}

func (o *Orchestrator) runPRSummary(ctx context.Context, reviewID string) error {
	review, err := o.deps.Reviews.GetByID(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("analysisjob: load review %s: %w", reviewID, err)
	}
	payloads, _, err := o.diffPayload(ctx, review)
	if err != nil {
		return err
	}

	// PRSummary is a single narrative row: when the diff had to be
	// chunked, only the first payload (the highest-priority files) is
	// summarised rather than issuing one call per chunk and trying to
	// merge prose — a second-pass "summarise the summaries" call would
	// be the faithful approach but is out of scope here.
	prompt, err := o.deps.Prompts.BuildPRSummary(ctx, review.ProjectID, promptbuilder.PRSummaryPromptData{
		ReviewID:     review.ID,
		Title:        review.Title,
		TargetBranch: review.TargetBranch,
		BaseBranch:   review.BaseBranch,
		Payload:      payloads[0],
	})
	if err != nil {
		return fmt.Errorf("analysisjob: build pr summary prompt: %w", err)
	}
	text, err := o.complete(ctx, review, domain.OperationPullRequestSummary, prompt)
	if err != nil {
		return fmt.Errorf("analysisjob: pr summary llm call: %w", err)
	}
	summary, err := parser.ParsePRSummary(ctx, review.ID, text, o.deps.Repairer)
	if err != nil {
		return fmt.Errorf("analysisjob: parse pr summary: %w", err)
	}
	if err := o.deps.Analysis.UpsertSummary(ctx, summary); err != nil {
		return fmt.Errorf("analysisjob: upsert pr summary for %s: %w", reviewID, err)
	}
	return nil
}

// --- Comprehensive (composite) ------------------------------------------

// ComprehensiveResult reports which of the three child jobs completed.
type ComprehensiveResult struct {
	RiskAnalysisOK          bool
	ImprovementSuggestionsOK bool
	PRSummaryOK             bool
}

// PartialSuccess reports whether at least one but not all children
// completed.
func (r ComprehensiveResult) PartialSuccess() bool {
	n := 0
	if r.RiskAnalysisOK {
		n++
	}
	if r.ImprovementSuggestionsOK {
		n++
	}
	if r.PRSummaryOK {
		n++
	}
	return n > 0 && n < 3
}

// RunComprehensive claims (Comprehensive, reviewID) and sequences the
// three sibling jobs as nested claims: a child Skip(AlreadyRunning)
// means a separate message is already running that child, so this
// waits for it via WaitForCompletion instead of aborting. Already
// completed children stay persisted on a later child's failure; the
// composite result reports PartialSuccess in that case.
func (o *Orchestrator) RunComprehensive(ctx context.Context, reviewID string) (ComprehensiveResult, error) {
	handle, err := o.claim(ctx, kindComprehensive, reviewID)
	if err != nil {
		return ComprehensiveResult{}, fmt.Errorf("analysisjob: claim comprehensive %s: %w", reviewID, err)
	}
	if handle == nil {
		return ComprehensiveResult{}, nil
	}
	defer handle.Dispose(ctx)

	jobCtx, cancel := context.WithTimeout(ctx, o.deps.JobTimeout)
	defer cancel()

	var result ComprehensiveResult
	steps := []struct {
		kind string
		run  func(context.Context, string) error
		ok   *bool
	}{
		{kindRisk, o.runRiskAnalysis, &result.RiskAnalysisOK},
		{kindImprovements, o.runImprovementSuggestions, &result.ImprovementSuggestionsOK},
		{kindPRSummary, o.runPRSummary, &result.PRSummaryOK},
	}

	var firstErr error
	for _, step := range steps {
		if err := o.runNestedChild(jobCtx, step.kind, reviewID, step.run); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		*step.ok = true
	}

	switch {
	case firstErr == nil:
		return result, handle.Complete(ctx)
	case result.PartialSuccess():
		// At least one sibling completed: the composite is not a total
		// failure, so its already-persisted children stay and the
		// execution is reported as PartialSuccess rather than Failed.
		o.deps.Logger.Warn(ctx, "comprehensive analysis partial success", map[string]interface{}{
			"reviewId": reviewID, "error": firstErr.Error(),
		})
		return result, handle.CompletePartial(ctx)
	default:
		o.deps.Logger.Error(ctx, "comprehensive analysis failed", map[string]interface{}{"reviewId": reviewID, "error": firstErr.Error()})
		_ = handle.Fail(ctx, domain.Kind(firstErr), firstErr.Error())
		return result, firstErr
	}
}

// runNestedChild claims childKind directly (not through o.claim, since
// the composite must distinguish "already completed" from "another
// worker is running it right now") and waits out a live sibling rather
// than treating it as a skip.
func (o *Orchestrator) runNestedChild(ctx context.Context, childKind, reviewID string, run func(context.Context, string) error) error {
	handle, err := o.deps.Idempotency.Claim(ctx, childKind, reviewID, idempotency.Config{})
	if err != nil {
		var skip *idempotency.ErrSkip
		if errors.As(err, &skip) {
			switch skip.Reason {
			case idempotency.SkipRecentlyCompleted:
				return nil
			case idempotency.SkipAlreadyRunning:
				return o.deps.Idempotency.WaitForCompletion(ctx, childKind, reviewID, o.deps.NestedClaimWait)
			default:
				return fmt.Errorf("analysisjob: nested claim %s for %s: %w", childKind, reviewID, err)
			}
		}
		return fmt.Errorf("analysisjob: nested claim %s for %s: %w", childKind, reviewID, err)
	}
	defer handle.Dispose(ctx)

	if err := run(ctx, reviewID); err != nil {
		_ = handle.Fail(ctx, domain.Kind(err), err.Error())
		return err
	}
	return handle.Complete(ctx)
}
