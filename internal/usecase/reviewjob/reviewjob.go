// Package reviewjob implements the Review job: claim, fetch diff, chunk,
// dispatch one LLM call per chunk, parse, persist comments, and
// transition the review's lifecycle state. It generalizes the teacher's
// internal/usecase/review.Orchestrator.ReviewBranch fan-out (goroutines
// plus a buffered result channel with panic recovery) from "one
// goroutine per configured provider" to "one goroutine per chunk".
package reviewjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aireview/engine/internal/adapter/observability"
	"github.com/aireview/engine/internal/cache"
	"github.com/aireview/engine/internal/chunker"
	"github.com/aireview/engine/internal/diffprovider"
	"github.com/aireview/engine/internal/domain"
	"github.com/aireview/engine/internal/idempotency"
	"github.com/aireview/engine/internal/llmrouter"
	"github.com/aireview/engine/internal/parser"
	"github.com/aireview/engine/internal/promptbuilder"
	"github.com/aireview/engine/internal/repo"
)

const jobKind = "Review"

// DiffProvider is the external collaborator contract: given a review,
// return its changed files in new-tree line order, plus the resolved
// target commit sha.
type DiffProvider interface {
	GetDiff(ctx context.Context, review domain.ReviewRequest) ([]domain.DiffFile, string, error)
}

// Dependencies wires the orchestrator to its collaborators. Provider and
// Model select which llmrouter.Router adapter serves the Review task.
type Dependencies struct {
	Idempotency *idempotency.Service
	Cache       *cache.Cache
	Reviews     repo.ReviewRepo
	Comments    repo.CommentRepo
	Usage       repo.UsageRepo
	Diff        DiffProvider
	Prompts     *promptbuilder.Builder
	Router      *llmrouter.Router
	Repairer    parser.Repairer
	Logger      observability.Logger

	Provider string
	Model    string

	TargetChunkTokens int // chunker.targetTokens, default chunker.DefaultTargetTokens
	ChunkParallelism  int // review.chunkParallelism, default 4
	JobTimeout        time.Duration // jobs.executionTimeoutMinutes, default 30m
}

func (d Dependencies) withDefaults() Dependencies {
	if d.TargetChunkTokens <= 0 {
		d.TargetChunkTokens = chunker.DefaultTargetTokens
	}
	if d.ChunkParallelism <= 0 {
		d.ChunkParallelism = 4
	}
	if d.JobTimeout <= 0 {
		d.JobTimeout = 30 * time.Minute
	}
	if d.Logger == nil {
		d.Logger = observability.NewStdLogger(observability.LogFormatHuman)
	}
	return d
}

// Orchestrator runs the Review job end to end.
type Orchestrator struct {
	deps Dependencies
}

// New builds an Orchestrator from deps, applying documented defaults to
// any zero-valued tunables.
func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps.withDefaults()}
}

// chunkOutcome is one chunk's LLM-call-through-persist result, carried
// over a buffered channel the way the teacher's ReviewBranch carries
// one result struct per provider goroutine.
type chunkOutcome struct {
	chunk    domain.Chunk
	comments []domain.ReviewComment
	err      error
}

// Run claims the Review job for reviewID and drives it through
// PREPARING -> CHUNKING -> DISPATCHING -> AGGREGATING -> FINALISING. A
// skip (already running, recently completed, or lock contested) is not
// an error: the caller should ack the queue message and move on.
func (o *Orchestrator) Run(ctx context.Context, reviewID string) error {
	handle, err := o.deps.Idempotency.Claim(ctx, jobKind, reviewID, idempotency.Config{})
	if err != nil {
		var skip *idempotency.ErrSkip
		if errors.As(err, &skip) {
			o.deps.Logger.Info(ctx, "review job skipped", map[string]interface{}{"reviewId": reviewID, "reason": skip.Reason})
			return nil
		}
		return fmt.Errorf("reviewjob: claim %s: %w", reviewID, err)
	}
	defer handle.Dispose(ctx)
	o.deps.Logger.Info(ctx, "review job claimed", map[string]interface{}{"reviewId": reviewID})

	jobCtx, cancel := context.WithTimeout(ctx, o.deps.JobTimeout)
	defer cancel()

	if err := o.run(jobCtx, handle, reviewID); err != nil {
		o.deps.Logger.Error(ctx, "review job failed", map[string]interface{}{"reviewId": reviewID, "error": err.Error()})
		_ = handle.Fail(ctx, domain.Kind(err), err.Error())
		return err
	}
	return handle.Complete(ctx)
}

func (o *Orchestrator) run(ctx context.Context, handle *idempotency.ExecutionHandle, reviewID string) error {
	o.report(ctx, handle, reviewID, 0, "Preparing")

	review, err := o.deps.Reviews.GetByID(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("reviewjob: load review %s: %w", reviewID, err)
	}

	diffFiles, commitSha, err := o.deps.Diff.GetDiff(ctx, review)
	if err != nil {
		return classifyDiffError(err)
	}

	o.report(ctx, handle, reviewID, 10, "Chunking")
	chunks := chunker.Chunk(reviewID, diffFiles, o.deps.TargetChunkTokens)

	if len(chunks) == 0 {
		return o.finalize(ctx, handle, review, nil, 0, commitSha)
	}

	outcomes := o.dispatch(ctx, handle, review, chunks)

	o.report(ctx, handle, reviewID, 85, "Aggregating")
	var allComments []domain.ReviewComment
	var failed int
	for _, out := range outcomes {
		if out.err != nil {
			failed++
			o.deps.Logger.Warn(ctx, "chunk processing failed", map[string]interface{}{
				"reviewId": reviewID, "chunk": out.chunk.Ordinal, "error": out.err.Error(),
			})
			placeholder := parseFailureComment(reviewID, out.chunk)
			if err := o.persistComments(ctx, []domain.ReviewComment{placeholder}); err != nil {
				return err
			}
			allComments = append(allComments, placeholder)
			continue
		}
		allComments = append(allComments, out.comments...)
	}

	return o.finalize(ctx, handle, review, allComments, failed, commitSha)
}

// dispatch fans out one goroutine per chunk, bounded by
// ChunkParallelism (further bounded by the router's own per-provider
// semaphore), and collects every outcome before returning — chunk
// persistence order need not match ordinal order.
func (o *Orchestrator) dispatch(ctx context.Context, handle *idempotency.ExecutionHandle, review domain.ReviewRequest, chunks []domain.Chunk) []chunkOutcome {
	results := make(chan chunkOutcome, len(chunks))
	sem := make(chan struct{}, o.deps.ChunkParallelism)
	var wg sync.WaitGroup
	var completed int32

	for _, ch := range chunks {
		wg.Add(1)
		go func(ch domain.Chunk) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- chunkOutcome{chunk: ch, err: ctx.Err()}
				return
			}

			defer func() {
				if r := recover(); r != nil {
					results <- chunkOutcome{chunk: ch, err: fmt.Errorf("reviewjob: chunk %d panicked: %v", ch.Ordinal, r)}
				}
			}()

			comments, err := o.processChunk(ctx, review, ch)

			n := atomic.AddInt32(&completed, 1)
			o.report(ctx, handle, review.ID, dispatchProgress(int(n), len(chunks)), fmt.Sprintf("Dispatching(%d/%d)", n, len(chunks)))

			if err != nil {
				results <- chunkOutcome{chunk: ch, err: err}
				return
			}
			if persistErr := o.persistComments(ctx, comments); persistErr != nil {
				results <- chunkOutcome{chunk: ch, err: persistErr}
				return
			}
			results <- chunkOutcome{chunk: ch, comments: comments}
		}(ch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]chunkOutcome, 0, len(chunks))
	for out := range results {
		outcomes = append(outcomes, out)
	}
	return outcomes
}

// processChunk builds the prompt, calls the LLM, and parses the
// response for one chunk. A failure here is recoverable at the
// orchestrator level: the chunk is recorded as parse-failed and its
// siblings still complete.
func (o *Orchestrator) processChunk(ctx context.Context, review domain.ReviewRequest, ch domain.Chunk) ([]domain.ReviewComment, error) {
	prompt, err := o.deps.Prompts.BuildReview(ctx, review.ProjectID, promptbuilder.ReviewPromptData{
		ReviewID:     review.ID,
		ChunkOrdinal: ch.Ordinal,
		Files:        ch.Files,
		TargetBranch: review.TargetBranch,
		BaseBranch:   review.BaseBranch,
		Payload:      ch.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("reviewjob: build prompt for chunk %d: %w", ch.Ordinal, err)
	}

	start := time.Now()
	resp, err := o.deps.Router.Complete(ctx, llmrouter.Request{
		Provider:  o.deps.Provider,
		Model:     o.deps.Model,
		System:    "Respond with JSON matching the schema in the prompt, nothing else.",
		Messages:  []llmrouter.Message{{Role: "user", Content: prompt}},
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
	})
	o.recordUsage(ctx, review, resp, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("reviewjob: llm call for chunk %d: %w", ch.Ordinal, err)
	}

	comments, err := parser.ParseReview(ctx, review.ID, resp.Text, nil, o.deps.Repairer)
	if err != nil {
		return nil, fmt.Errorf("reviewjob: parse chunk %d: %w", ch.Ordinal, err)
	}
	for i := range comments {
		comments[i].ID = uuid.NewString()
	}
	return comments, nil
}

// recordUsage persists one accounting row per LLM call, success or
// failure, so cost and token totals stay reconcilable with the
// provider's own billing regardless of how the call turned out.
func (o *Orchestrator) recordUsage(ctx context.Context, review domain.ReviewRequest, resp llmrouter.Response, latency time.Duration, callErr error) {
	promptCost, completionCost := splitCost(resp.Cost, resp.PromptTokens, resp.CompletionTokens)
	record := domain.TokenUsageRecord{
		ID:                 uuid.NewString(),
		UserID:             review.AuthorID,
		ProjectID:          &review.ProjectID,
		ReviewRequestID:    &review.ID,
		LLMConfigurationID: o.deps.Provider + ":" + o.deps.Model,
		Provider:           o.deps.Provider,
		Model:              o.deps.Model,
		OperationType:      domain.OperationReview,
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
		o.deps.Logger.Warn(ctx, "usage record insert failed", map[string]interface{}{"reviewId": review.ID, "error": err.Error()})
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

func (o *Orchestrator) persistComments(ctx context.Context, comments []domain.ReviewComment) error {
	for _, c := range comments {
		if err := o.deps.Comments.Insert(ctx, c); err != nil {
			return fmt.Errorf("reviewjob: persist comment: %w", err)
		}
	}
	return nil
}

// finalize transitions the review's lifecycle state and reports the
// Finalising phase. An empty diff or an all-parse-failed chunk set both
// still advance the review to HumanReview: a review with >=1 success is
// a partial success, not a failure, and an empty diff has nothing to
// flag at all.
func (o *Orchestrator) finalize(ctx context.Context, handle *idempotency.ExecutionHandle, review domain.ReviewRequest, comments []domain.ReviewComment, failedChunks int, commitSha string) error {
	o.report(ctx, handle, review.ID, 95, "Finalising")

	if domain.CanTransition(review.State, domain.ReviewStateHumanReview) {
		if err := o.deps.Reviews.UpdateState(ctx, review.ID, domain.ReviewStateHumanReview); err != nil {
			return fmt.Errorf("reviewjob: transition review %s: %w", review.ID, err)
		}
	}

	if commitSha != "" {
		_ = o.deps.Cache.Publish(ctx, fmt.Sprintf("review:%s", review.ID), fmt.Sprintf("completed commentCount=%d failedChunks=%d", len(comments), failedChunks))
	}
	return nil
}

func (o *Orchestrator) report(ctx context.Context, handle *idempotency.ExecutionHandle, reviewID string, percent int, phase string) {
	_ = handle.ReportProgress(ctx, percent, phase)
	_ = o.deps.Cache.Publish(ctx, fmt.Sprintf("review:%s", reviewID), fmt.Sprintf("%s %d%%", phase, percent))
	o.deps.Logger.Info(ctx, "review phase transition", map[string]interface{}{"reviewId": reviewID, "phase": phase, "percent": percent})
}

// dispatchProgress maps n/total completed chunks onto the 20-85 percent
// band reserved for the Dispatching phase.
func dispatchProgress(n, total int) int {
	if total == 0 {
		return 85
	}
	return 20 + (n*65)/total
}

func parseFailureComment(reviewID string, ch domain.Chunk) domain.ReviewComment {
	return domain.ReviewComment{
		ID:            uuid.NewString(),
		ReviewID:      reviewID,
		Severity:      domain.ClampSeverity(""),
		Category:      domain.ClampCategory(""),
		Content:       fmt.Sprintf("AI could not process this section (chunk %d).", ch.Ordinal),
		IsAIGenerated: true,
	}
}

func classifyDiffError(err error) error {
	switch {
	case errors.Is(err, diffprovider.ErrBranchMissing):
		return domain.NewPipelineError(domain.ErrKindBranchMissing, err.Error(), err)
	case errors.Is(err, diffprovider.ErrAuthRequired):
		return domain.NewPipelineError(domain.ErrKindAuthRequired, err.Error(), err)
	default:
		return domain.NewPipelineError(domain.ErrKindTransient, err.Error(), err)
	}
}
