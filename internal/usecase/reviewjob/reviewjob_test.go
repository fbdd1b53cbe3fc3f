package reviewjob

import (
	"context"
	"database/sql"
	"path/filepath"
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

type fakeDiffProvider struct {
	files     []domain.DiffFile
	commitSha string
	err       error
}

func (f *fakeDiffProvider) GetDiff(ctx context.Context, review domain.ReviewRequest) ([]domain.DiffFile, string, error) {
	return f.files, f.commitSha, f.err
}

type fakeAdapter struct {
	text string
	err  error
}

func (f *fakeAdapter) Complete(ctx context.Context, req llmrouter.Request) (llmrouter.Response, error) {
	if f.err != nil {
		return llmrouter.Response{}, f.err
	}
	return llmrouter.Response{Text: f.text, FinishReason: llmrouter.FinishStop}, nil
}

type fakeRepairer struct{}

func (fakeRepairer) Repair(ctx context.Context, rawOutput, schemaHint string) (string, error) {
	return "", errNeverCalled
}

type repairErr string

func (e repairErr) Error() string { return string(e) }

const errNeverCalled = repairErr("reviewjob test: repair should not be called")

// testFixture wires an Orchestrator against a file-backed SQLite store
// (so the test can seed rows through a second raw connection: the repo
// layer exposes no Insert method for reviews, only the GetByID/UpdateState
// pair the orchestrator itself needs).
type testFixture struct {
	orch  *Orchestrator
	store *sqlite.Store
	raw   *sql.DB
}

func newFixture(t *testing.T, diff DiffProvider, adapterText string) *testFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.New(client, "test:")

	dbPath := filepath.Join(t.TempDir(), "reviewjob.db")
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
	router.RegisterAdapter("openai", &fakeAdapter{text: adapterText})

	orch := New(Dependencies{
		Idempotency: idemp,
		Cache:       c,
		Reviews:     store.Reviews,
		Comments:    store.Comments,
		Usage:       store.Usage,
		Diff:        diff,
		Prompts:     promptbuilder.NewBuilder(nil),
		Router:      router,
		Repairer:    fakeRepairer{},
		Provider:    "openai",
		Model:       "gpt-4o",
		JobTimeout:  5 * time.Second,
	})
	return &testFixture{orch: orch, store: store, raw: raw}
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

func TestRunHappyPathTransitionsToHumanReview(t *testing.T) {
	diff := &fakeDiffProvider{
		files: []domain.DiffFile{{
			Path:   "main.go",
			Status: "Modified",
			Hunks: []domain.DiffHunk{{
				OldStart: 1, OldCount: 1, NewStart: 1, NewCount: 1,
				Lines: []domain.DiffLine{{Kind: domain.DiffLineAdd, Text: "fmt.Println(1)"}},
			}},
			AddedLines: 1,
		}},
		commitSha: "abc123",
	}
	f := newFixture(t, diff, `{"comments":[]}`)
	f.insertReview(t, "r1")

	err := f.orch.Run(context.Background(), "r1")
	require.NoError(t, err)

	got, err := f.store.Reviews.GetByID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStateHumanReview, got.State)
}

func TestRunEmptyDiffStillFinalizes(t *testing.T) {
	diff := &fakeDiffProvider{}
	f := newFixture(t, diff, `{"comments":[]}`)
	f.insertReview(t, "r2")

	err := f.orch.Run(context.Background(), "r2")
	require.NoError(t, err)

	got, err := f.store.Reviews.GetByID(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, domain.ReviewStateHumanReview, got.State)
}

func TestRunSkipsWhenAlreadyClaimed(t *testing.T) {
	f := newFixture(t, &fakeDiffProvider{}, `{"comments":[]}`)
	f.insertReview(t, "r3")

	h, err := f.orch.deps.Idempotency.Claim(context.Background(), jobKind, "r3", idempotency.Config{})
	require.NoError(t, err)
	defer h.Dispose(context.Background())

	err = f.orch.Run(context.Background(), "r3")
	assert.NoError(t, err, "a contended claim is a skip, not an error")
}

func TestRunPersistsParseFailureCommentOnMalformedResponse(t *testing.T) {
	diff := &fakeDiffProvider{
		files: []domain.DiffFile{{
			Path: "main.go", Status: "Modified",
			Hunks: []domain.DiffHunk{{
				OldStart: 1, OldCount: 1, NewStart: 1, NewCount: 1,
				Lines: []domain.DiffLine{{Kind: domain.DiffLineAdd, Text: "x"}},
			}},
			AddedLines: 1,
		}},
		commitSha: "sha1",
	}
	f := newFixture(t, diff, `not json at all`)
	f.insertReview(t, "r4")

	err := f.orch.Run(context.Background(), "r4")
	require.NoError(t, err, "a parse failure on one chunk degrades to a placeholder comment, not a job failure")

	comments, err := f.store.Comments.ListByReview(context.Background(), "r4")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Content, "could not process")
}
