package analysisjob

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aireview/engine/internal/cache"
	"github.com/aireview/engine/internal/domain"
	"github.com/aireview/engine/internal/idempotency"
	"github.com/aireview/engine/internal/llmrouter"
	"github.com/aireview/engine/internal/promptbuilder"
	"github.com/aireview/engine/internal/repo/sqlite"
)

const (
	riskJSON         = `{"overallRiskScore":30,"complexityRisk":"low","securityRisk":"low","performanceRisk":"low","maintainabilityRisk":"low","description":"fine","mitigation":"none","confidence":0.9}`
	improvementsJSON = `{"suggestions":[{"type":"Refactor","priority":"Medium","title":"extract func","description":"d","implementationComplexity":3,"confidence":0.7}]}`
	prSummaryJSON    = `{"changeType":"Feature","businessImpact":"low","technicalImpact":"low","breakingChangeRisk":"low","summary":"adds widget","detailedDescription":"d","keyChanges":"[]","impactAnalysis":"{}","changeStatistics":{}}`
)

type fakeDiffProvider struct {
	files     []domain.DiffFile
	commitSha string
}

func (f *fakeDiffProvider) GetDiff(ctx context.Context, review domain.ReviewRequest) ([]domain.DiffFile, string, error) {
	return f.files, f.commitSha, nil
}

func oneFileDiff(sha string) *fakeDiffProvider {
	return &fakeDiffProvider{
		files: []domain.DiffFile{{
			Path: "main.go", Status: "Modified",
			Hunks: []domain.DiffHunk{{
				OldStart: 1, OldCount: 1, NewStart: 1, NewCount: 1,
				Lines: []domain.DiffLine{{Kind: domain.DiffLineAdd, Text: "fmt.Println(1)"}},
			}},
			AddedLines: 1,
		}},
		commitSha: sha,
	}
}

// routedAdapter dispatches by which schema fragment appears in the
// rendered prompt, so one fake adapter can serve all three analysis
// tasks (and the Comprehensive job, which runs all three) without
// needing per-call wiring.
type routedAdapter struct {
	calls        int64
	riskText     string
	improveText  string
	summaryText  string
	failContains string
	failErr      error
}

func (a *routedAdapter) Complete(ctx context.Context, req llmrouter.Request) (llmrouter.Response, error) {
	atomic.AddInt64(&a.calls, 1)
	content := req.Messages[0].Content
	if a.failContains != "" && strings.Contains(content, a.failContains) {
		return llmrouter.Response{}, a.failErr
	}
	switch {
	case strings.Contains(content, "overallRiskScore"):
		return llmrouter.Response{Text: a.riskText, FinishReason: llmrouter.FinishStop}, nil
	case strings.Contains(content, `"suggestions"`):
		return llmrouter.Response{Text: a.improveText, FinishReason: llmrouter.FinishStop}, nil
	case strings.Contains(content, "changeType"):
		return llmrouter.Response{Text: a.summaryText, FinishReason: llmrouter.FinishStop}, nil
	default:
		return llmrouter.Response{}, fmt.Errorf("routedAdapter: unrecognized prompt")
	}
}

type fakeRepairer struct{}

func (fakeRepairer) Repair(ctx context.Context, rawOutput, schemaHint string) (string, error) {
	return "", fmt.Errorf("analysisjob test: repair should not be called")
}

type testFixture struct {
	orch    *Orchestrator
	store   *sqlite.Store
	raw     *sql.DB
	adapter *routedAdapter
}

func newFixture(t *testing.T, diff DiffProvider, adapter *routedAdapter, singleCallBudget int) *testFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, "test:")

	dbPath := filepath.Join(t.TempDir(), "analysisjob.db")
	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	idemp := idempotency.NewService(c, "worker-a", idempotency.Config{
		LockTTL: time.Second, HeartbeatInterval: 50 * time.Millisecond,
		LivenessWindow: 200 * time.Millisecond, DedupWindow: time.Minute,
	})

	router := llmrouter.New()
	router.RegisterAdapter("openai", adapter)

	orch := New(Dependencies{
		Idempotency:            idemp,
		Cache:                  c,
		Reviews:                store.Reviews,
		Analysis:               store.Analysis,
		Usage:                  store.Usage,
		Diff:                   diff,
		Prompts:                promptbuilder.NewBuilder(nil),
		Router:                 router,
		Repairer:               fakeRepairer{},
		Provider:               "openai",
		Model:                  "gpt-4o",
		SingleCallBudgetTokens: singleCallBudget,
		JobTimeout:             5 * time.Second,
		NestedClaimWait:        time.Second,
	})
	return &testFixture{orch: orch, store: store, raw: raw, adapter: adapter}
}

func (f *testFixture) insertReview(t *testing.T, id string) {
	t.Helper()
	_, err := f.raw.Exec(
		`INSERT INTO review_requests (id, project_id, title, target_branch, base_branch, pull_request_number, author_id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "proj-1", "Add feature", "main", "feature/x", nil, "author-1", string(domain.ReviewStatePending), 1000, 1000,
	)
	require.NoError(t, err)
}

func TestRunRiskAnalysisPersistsResult(t *testing.T) {
	adapter := &routedAdapter{riskText: riskJSON}
	f := newFixture(t, oneFileDiff("sha1"), adapter, DefaultSingleCallBudgetTokens)
	f.insertReview(t, "r1")

	err := f.orch.RunRiskAnalysis(context.Background(), "r1")
	require.NoError(t, err)

	var score int
	require.NoError(t, f.raw.QueryRow(`SELECT overall_risk_score FROM risk_assessments WHERE review_id = ?`, "r1").Scan(&score))
	assert.Equal(t, 30, score)
}

func TestRunRiskAnalysisChunkedMergesWorstCase(t *testing.T) {
	two := &fakeDiffProvider{
		files: []domain.DiffFile{
			{Path: "a.go", Status: "Modified", Hunks: []domain.DiffHunk{{NewStart: 1, NewCount: 1, Lines: []domain.DiffLine{{Kind: domain.DiffLineAdd, Text: "a"}}}}, AddedLines: 1},
			{Path: "b.go", Status: "Modified", Hunks: []domain.DiffHunk{{NewStart: 1, NewCount: 1, Lines: []domain.DiffLine{{Kind: domain.DiffLineAdd, Text: "b"}}}}, AddedLines: 1},
		},
		commitSha: "sha2",
	}

	var callCount int64
	highRisk := `{"overallRiskScore":90,"complexityRisk":"high","securityRisk":"critical","performanceRisk":"low","maintainabilityRisk":"low","description":"danger","mitigation":"review carefully","confidence":0.6}`
	lowRisk := `{"overallRiskScore":10,"complexityRisk":"low","securityRisk":"low","performanceRisk":"low","maintainabilityRisk":"low","description":"fine","mitigation":"none","confidence":1.0}`

	// A tiny single-call budget forces diffPayload to chunk the two-file
	// diff into more than one LLM call; alternating risk responses gives
	// the merge step something worse-case to pick between.
	f := newFixture(t, two, &routedAdapter{}, 1)
	f.orch.deps.Router.RegisterAdapter("openai", dynamicRiskAdapter(&callCount, highRisk, lowRisk))
	f.insertReview(t, "r2")

	err := f.orch.RunRiskAnalysis(context.Background(), "r2")
	require.NoError(t, err)

	var score int
	var security string
	require.NoError(t, f.raw.QueryRow(`SELECT overall_risk_score, security_risk FROM risk_assessments WHERE review_id = ?`, "r2").Scan(&score, &security))
	assert.Equal(t, 90, score, "merge must keep the worst-case numeric score across chunks")
	assert.Equal(t, "critical", security, "merge must keep the worst-case risk label across chunks")
	assert.GreaterOrEqual(t, atomic.LoadInt64(&callCount), int64(2), "a tiny single-call budget must chunk into more than one LLM call")
}

type funcAdapter struct {
	fn func(ctx context.Context, req llmrouter.Request) (llmrouter.Response, error)
}

func (a *funcAdapter) Complete(ctx context.Context, req llmrouter.Request) (llmrouter.Response, error) {
	return a.fn(ctx, req)
}

func dynamicRiskAdapter(calls *int64, first, rest string) *funcAdapter {
	return &funcAdapter{fn: func(ctx context.Context, req llmrouter.Request) (llmrouter.Response, error) {
		n := atomic.AddInt64(calls, 1)
		text := rest
		if n == 1 {
			text = first
		}
		return llmrouter.Response{Text: text, FinishReason: llmrouter.FinishStop}, nil
	}}
}

func TestRunImprovementSuggestionsReplacesWholeSet(t *testing.T) {
	adapter := &routedAdapter{improveText: improvementsJSON}
	f := newFixture(t, oneFileDiff("sha3"), adapter, DefaultSingleCallBudgetTokens)
	f.insertReview(t, "r3")

	require.NoError(t, f.store.Analysis.ReplaceSuggestions(context.Background(), "r3", []domain.ImprovementSuggestion{
		{ID: "stale", ReviewID: "r3", Type: "Old", Priority: "Low", Title: "stale", Description: "d", ImplementationComplexity: 1, ConfidenceScore: 0.1},
	}))

	err := f.orch.RunImprovementSuggestions(context.Background(), "r3")
	require.NoError(t, err)

	var count int
	require.NoError(t, f.raw.QueryRow(`SELECT COUNT(*) FROM improvement_suggestions WHERE review_id = ?`, "r3").Scan(&count))
	assert.Equal(t, 1, count)
	var title string
	require.NoError(t, f.raw.QueryRow(`SELECT title FROM improvement_suggestions WHERE review_id = ?`, "r3").Scan(&title))
	assert.Equal(t, "extract func", title)
}

func TestRunPRSummaryPersistsResult(t *testing.T) {
	adapter := &routedAdapter{summaryText: prSummaryJSON}
	f := newFixture(t, oneFileDiff("sha4"), adapter, DefaultSingleCallBudgetTokens)
	f.insertReview(t, "r4")

	err := f.orch.RunPRSummary(context.Background(), "r4")
	require.NoError(t, err)

	var summary string
	require.NoError(t, f.raw.QueryRow(`SELECT summary FROM pull_request_summaries WHERE review_id = ?`, "r4").Scan(&summary))
	assert.Equal(t, "adds widget", summary)
}

func TestRunComprehensiveAllSucceed(t *testing.T) {
	adapter := &routedAdapter{riskText: riskJSON, improveText: improvementsJSON, summaryText: prSummaryJSON}
	f := newFixture(t, oneFileDiff("sha5"), adapter, DefaultSingleCallBudgetTokens)
	f.insertReview(t, "r5")

	result, err := f.orch.RunComprehensive(context.Background(), "r5")
	require.NoError(t, err)
	assert.True(t, result.RiskAnalysisOK)
	assert.True(t, result.ImprovementSuggestionsOK)
	assert.True(t, result.PRSummaryOK)
	assert.False(t, result.PartialSuccess())
}

func TestRunComprehensivePartialSuccessWhenOneChildFails(t *testing.T) {
	adapter := &routedAdapter{
		riskText: riskJSON, improveText: improvementsJSON, summaryText: prSummaryJSON,
		failContains: `"suggestions"`, failErr: fmt.Errorf("provider exploded"),
	}
	f := newFixture(t, oneFileDiff("sha6"), adapter, DefaultSingleCallBudgetTokens)
	f.insertReview(t, "r6")

	result, err := f.orch.RunComprehensive(context.Background(), "r6")
	require.NoError(t, err, "a partial success must not surface as an error to the caller")
	assert.True(t, result.RiskAnalysisOK)
	assert.False(t, result.ImprovementSuggestionsOK)
	assert.True(t, result.PRSummaryOK)
	assert.True(t, result.PartialSuccess())
}
