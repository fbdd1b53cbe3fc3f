package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	FileStatusAdded    = "added"
	FileStatusModified = "modified"
	FileStatusDeleted  = "deleted"
	FileStatusRenamed  = "renamed"
)

// Diff represents a cumulative diff between two refs.
type Diff struct {
	FromCommitHash string
	ToCommitHash   string
	Files          []FileDiff
}

// FileDiff captures the change for a single file.
type FileDiff struct {
	Path     string
	OldPath  string // Set when Status == FileStatusRenamed
	Status   string
	Patch    string
	IsBinary bool // True for binary files (patch contains "Binary files differ")
}

// Review is the output from an LLM provider.
type Review struct {
	ProviderName string    `json:"providerName"`
	ModelName    string    `json:"modelName"`
	Summary      string    `json:"summary"`
	Findings     []Finding `json:"findings"`
	Cost         float64   `json:"cost"` // Cost in USD

	DiscoveryFindings  []CandidateFinding `json:"discoveryFindings,omitempty"`
	VerifiedFindings   []VerifiedFinding  `json:"verifiedFindings,omitempty"`
	ReportableFindings []VerifiedFinding  `json:"reportableFindings,omitempty"`

	SizeLimitExceeded bool     `json:"sizeLimitExceeded,omitempty"`
	WasTruncated      bool     `json:"wasTruncated,omitempty"`
	TruncatedFiles    []string `json:"truncatedFiles,omitempty"`
	TruncationWarning string   `json:"truncationWarning,omitempty"`
}

// Finding represents a single issue detected by an LLM.
type Finding struct {
	ID          string `json:"id"`
	File        string `json:"file"`
	LineStart   int    `json:"lineStart"`
	LineEnd     int    `json:"lineEnd"`
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
	Evidence    bool   `json:"evidence"`
}

// FindingInput captures the information required to create a Finding.
type FindingInput struct {
	File        string
	LineStart   int
	LineEnd     int
	Severity    string
	Category    string
	Description string
	Suggestion  string
	Evidence    bool
}

// NewFinding constructs a Finding with a deterministic ID.
func NewFinding(input FindingInput) Finding {
	id := hashFinding(input)
	return Finding{
		ID:          id,
		File:        input.File,
		LineStart:   input.LineStart,
		LineEnd:     input.LineEnd,
		Severity:    input.Severity,
		Category:    input.Category,
		Description: input.Description,
		Suggestion:  input.Suggestion,
		Evidence:    input.Evidence,
	}
}

func hashFinding(input FindingInput) string {
	payload := fmt.Sprintf("%s|%d|%d|%s|%s|%s|%t",
		input.File,
		input.LineStart,
		input.LineEnd,
		input.Severity,
		input.Category,
		input.Description,
		input.Evidence,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FindingFingerprint uniquely identifies a finding across reviews.
type FindingFingerprint string

// NewFindingFingerprint creates a stable identifier for a finding.
func NewFindingFingerprint(file, category, severity, description string) FindingFingerprint {
	descRunes := []rune(description)
	descPrefix := description
	if len(descRunes) > 100 {
		descPrefix = string(descRunes[:100])
	}

	payload := fmt.Sprintf("%s|%s|%s|%s", file, category, severity, descPrefix)
	sum := sha256.Sum256([]byte(payload))
	return FindingFingerprint(hex.EncodeToString(sum[:16]))
}

// FingerprintFromFinding creates a fingerprint from an existing Finding.
func FingerprintFromFinding(f Finding) FindingFingerprint {
	return NewFindingFingerprint(f.File, f.Category, f.Severity, f.Description)
}

// Fingerprint returns a stable identifier for this finding.
func (f Finding) Fingerprint() FindingFingerprint {
	return FingerprintFromFinding(f)
}

// MarkdownArtifact encapsulates the Markdown generation inputs.
type MarkdownArtifact struct {
	OutputDir    string
	Repository   string
	BaseRef      string
	TargetRef    string
	Diff         Diff
	Review       Review
	ProviderName string
}

// JSONArtifact encapsulates the JSON generation inputs.
type JSONArtifact struct {
	OutputDir    string
	Repository   string
	BaseRef      string
	TargetRef    string
	Review       Review
	ProviderName string
}

// --- Review-request lifecycle -------------------------------------------

// ReviewState is the lifecycle state of a ReviewRequest.
type ReviewState string

const (
	ReviewStatePending     ReviewState = "Pending"
	ReviewStateAIReviewing ReviewState = "AIReviewing"
	ReviewStateHumanReview ReviewState = "HumanReview"
	ReviewStateApproved    ReviewState = "Approved"
	ReviewStateRejected    ReviewState = "Rejected"
	ReviewStateMerged      ReviewState = "Merged"
)

// reviewStateTransitions enumerates the forward edges of the review
// lifecycle DAG. Backward transitions are forbidden except an explicit
// admin reset, which bypasses this table entirely.
var reviewStateTransitions = map[ReviewState][]ReviewState{
	ReviewStatePending:     {ReviewStateAIReviewing},
	ReviewStateAIReviewing: {ReviewStateHumanReview, ReviewStateAIReviewing},
	ReviewStateHumanReview: {ReviewStateApproved, ReviewStateRejected},
	ReviewStateApproved:    {ReviewStateMerged},
	ReviewStateRejected:    {},
	ReviewStateMerged:      {},
}

// CanTransition reports whether the review lifecycle permits from -> to.
func CanTransition(from, to ReviewState) bool {
	for _, allowed := range reviewStateTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ReviewRequest is the unit of work a review job operates on.
type ReviewRequest struct {
	ID                string
	ProjectID         string
	Title             string
	TargetBranch      string
	BaseBranch        string
	PullRequestNumber *int
	AuthorID          string
	State             ReviewState
	CreatedAt         int64
	UpdatedAt         int64
}

// DiffLineKind identifies the kind of a single diff line.
type DiffLineKind string

const (
	DiffLineContext DiffLineKind = "Ctx"
	DiffLineAdd     DiffLineKind = "Add"
	DiffLineDel     DiffLineKind = "Del"
)

// DiffLine is one line inside a Hunk.
type DiffLine struct {
	Kind       DiffLineKind
	Text       string
	NewLineNo  *int
	OldLineNo  *int
}

// DiffHunk is one @@ block of a DiffFile.
type DiffHunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []DiffLine
}

// DiffFile is a diff provider's per-file unit: an ordered list of hunks
// with line-anchored additions/deletions, relative to the new tree.
type DiffFile struct {
	Path         string
	Status       string
	AddedLines   int
	DeletedLines int
	Hunks        []DiffHunk
}

// Chunk is a prompt-sized slice of a diff, independent for parsing
// purposes. Its ID is a deterministic hash of (reviewId, ordinal,
// sha256(payload)) so retries produce identical ids.
type Chunk struct {
	ID               string
	ReviewID         string
	Ordinal          int
	Files            []string
	TextBudgetTokens int
	Payload          string
}

// NewChunkID computes a stable chunk id from the review it belongs to,
// its ordinal position, and a hash of its payload.
func NewChunkID(reviewID string, ordinal int, payload string) string {
	payloadSum := sha256.Sum256([]byte(payload))
	payloadDigest := hex.EncodeToString(payloadSum[:])
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", reviewID, ordinal, payloadDigest)))
	return hex.EncodeToString(sum[:])
}

// Severity and category enums for ReviewComment, clamped by the parser.
const (
	SeverityInfo     = "Info"
	SeverityWarning  = "Warning"
	SeverityError    = "Error"
	SeverityCritical = "Critical"

	CategoryQuality       = "Quality"
	CategorySecurity      = "Security"
	CategoryPerformance   = "Performance"
	CategoryStyle         = "Style"
	CategoryBug           = "Bug"
	CategoryDocumentation = "Documentation"
)

var validSeverities = map[string]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true,
}

var validCategories = map[string]bool{
	CategoryQuality: true, CategorySecurity: true, CategoryPerformance: true,
	CategoryStyle: true, CategoryBug: true, CategoryDocumentation: true,
}

// ClampSeverity maps an unknown severity to the nearest default (Info).
func ClampSeverity(s string) string {
	if validSeverities[s] {
		return s
	}
	return SeverityInfo
}

// ClampCategory maps an unknown category to the nearest default (Quality).
func ClampCategory(c string) string {
	if validCategories[c] {
		return c
	}
	return CategoryQuality
}

// ReviewComment is a single AI- or human-authored review comment.
type ReviewComment struct {
	ID           string
	ReviewID     string
	FilePath     *string
	LineNumber   *int
	Severity     string
	Category     string
	Content      string
	Suggestion   *string
	IsAIGenerated bool
	AuthorName   *string
	CreatedAt    int64
}

// RiskAssessment is the at-most-one-per-review risk analysis row.
type RiskAssessment struct {
	ReviewID              string
	OverallRiskScore      int
	ComplexityRisk        string
	SecurityRisk          string
	PerformanceRisk       string
	MaintainabilityRisk   string
	RiskDescription       string
	MitigationSuggestions string
	ConfidenceScore       float64
	AIModelVersion        string
	CreatedAt             int64
}

// ClampRiskScore clamps a score into [0,100].
func ClampRiskScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ImprovementSuggestion is one proposed improvement for a review.
type ImprovementSuggestion struct {
	ID                        string
	ReviewID                  string
	Type                      string
	Priority                  string
	Title                     string
	Description               string
	FilePath                  *string
	StartLine                 *int
	EndLine                   *int
	OriginalCode              *string
	SuggestedCode             *string
	Reasoning                 *string
	ExpectedBenefits          *string
	ImplementationComplexity  int // 1..10
	ConfidenceScore           float64
}

// PullRequestSummary is the at-most-one-per-review PR summary row.
type PullRequestSummary struct {
	ReviewID                 string
	ChangeType                string
	BusinessImpact            string
	TechnicalImpact           string
	BreakingChangeRisk        string
	Summary                   string
	DetailedDescription       string
	KeyChanges                string
	ImpactAnalysis            string
	ChangeStatisticsJSON      string
	BackwardCompatibility     *string
	PerformanceImpact         *string
	SecurityImpact            *string
	TestingRecommendations    *string
	DeploymentConsiderations  *string
	DocumentationRequirements *string
	DependencyChanges         *string
}

// OperationType attributes a TokenUsageRecord to a task.
type OperationType string

const (
	OperationReview                OperationType = "Review"
	OperationRiskAnalysis          OperationType = "RiskAnalysis"
	OperationPullRequestSummary    OperationType = "PullRequestSummary"
	OperationImprovementSuggestions OperationType = "ImprovementSuggestions"
)

// TokenUsageRecord is an append-only accounting row.
type TokenUsageRecord struct {
	ID                  string
	UserID              string
	ProjectID           *string
	ReviewRequestID      *string
	LLMConfigurationID   string
	Provider             string
	Model                string
	OperationType        OperationType
	PromptTokens          int
	CompletionTokens      int
	TotalTokens           int
	PromptCost            float64
	CompletionCost        float64
	TotalCost             float64
	IsSuccessful          bool
	ErrorMessage          *string
	ResponseTimeMs        int64
	WasCacheHit           bool
	CreatedAt             int64
}

// PromptType enumerates the task templates the prompt builder can render.
type PromptType string

const (
	PromptTypeReview              PromptType = "Review"
	PromptTypeRiskAnalysis        PromptType = "RiskAnalysis"
	PromptTypePRSummary           PromptType = "PRSummary"
	PromptTypeImprovements        PromptType = "Improvements"
)

// PromptTemplate is an immutable, versioned prompt body.
type PromptTemplate struct {
	ID        string
	ProjectID *string
	Type      PromptType
	Version   int
	Body      string
	Variables []string
}

// JobStatus is the state of a JobExecutionContext.
type JobStatus string

const (
	JobStatusRunning        JobStatus = "Running"
	JobStatusCompleted      JobStatus = "Completed"
	JobStatusPartialSuccess JobStatus = "PartialSuccess"
	JobStatusFailed         JobStatus = "Failed"
	JobStatusCancelled      JobStatus = "Cancelled"
)

// JobExecutionContext mirrors the Redis hash at execution:{jobKind}:{entityId}.
type JobExecutionContext struct {
	ExecutionID   string
	JobKind       string
	EntityID      string
	OwnerInstance string
	StartedAt     int64
	HeartbeatAt   int64
	Status        JobStatus
	Progress      int
	Phase         string
}
