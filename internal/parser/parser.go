// Package parser turns an LLM's text response (an expected JSON
// envelope) into typed domain values, with a three-stage tolerant
// parse and field clamping.
package parser

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/aireview/engine/internal/domain"
)

// fencedJSON matches a ```json ... ``` or bare ``` ... ``` code block,
// the common shape of an LLM wrapping its JSON answer in markdown.
var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// stripFence returns the content of the first fenced code block in
// text, or text unchanged if none is found.
func stripFence(text string) string {
	if m := fencedJSON.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// largestBalancedSubstring scans text for the largest balanced {...} or
// [...] region by tracking nesting depth, mirroring the brace-counting
// technique used to recover single JSON objects from chatty LLM output.
func largestBalancedSubstring(text string) string {
	best := ""
	for _, open := range []byte{'{', '['} {
		close := byte('}')
		if open == '[' {
			close = ']'
		}
		start := -1
		depth := 0
		for i := 0; i < len(text); i++ {
			switch text[i] {
			case open:
				if depth == 0 {
					start = i
				}
				depth++
			case close:
				if depth > 0 {
					depth--
					if depth == 0 && start >= 0 {
						candidate := text[start : i+1]
						if len(candidate) > len(best) {
							best = candidate
						}
						start = -1
					}
				}
			}
		}
	}
	return best
}

// Repairer issues one corrective LLM call when both tolerant-parse
// stages fail, asking the model to re-emit valid JSON for schemaHint.
type Repairer interface {
	Repair(ctx context.Context, rawOutput, schemaHint string) (string, error)
}

// ErrParseFailed is returned when all three stages are exhausted.
type ErrParseFailed struct {
	Raw string
}

func (e *ErrParseFailed) Error() string { return "parser: could not reconcile LLM output into JSON" }

// parseJSON runs stages 1 and 2 against text, returning the decoded
// envelope or an error if neither stage produces valid JSON.
func parseJSON(text string, v interface{}) error {
	candidate := stripFence(text)
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	if sub := largestBalancedSubstring(candidate); sub != "" {
		if err := json.Unmarshal([]byte(sub), v); err == nil {
			return nil
		}
	}
	return &ErrParseFailed{Raw: text}
}

// parseWithRepair runs the full three-stage tolerance ladder: stage 1/2
// via parseJSON, and on failure one repair call via repairer (if
// non-nil) followed by a second parseJSON attempt on its output.
func parseWithRepair(ctx context.Context, text, schemaHint string, repairer Repairer, v interface{}) error {
	if err := parseJSON(text, v); err == nil {
		return nil
	}
	if repairer == nil {
		return &ErrParseFailed{Raw: text}
	}
	repaired, err := repairer.Repair(ctx, text, schemaHint)
	if err != nil {
		return &ErrParseFailed{Raw: text}
	}
	return parseJSON(repaired, v)
}

// --- Review envelope ------------------------------------------------

type reviewCommentJSON struct {
	FilePath   string `json:"filePath"`
	LineNumber *int   `json:"lineNumber"`
	Severity   string `json:"severity"`
	Category   string `json:"category"`
	Content    string `json:"content"`
	Suggestion *string `json:"suggestion"`
}

type reviewEnvelope struct {
	Comments []reviewCommentJSON `json:"comments"`
}

// LineValidator reports whether lineNumber is a valid new-side line
// for filePath; ParseReview drops anchors for which it returns false.
type LineValidator func(filePath string, lineNumber int) bool

// ParseReview runs the tolerant parse for the Review task and clamps
// fields: unknown severity/category map to defaults, and a lineNumber
// failing validate is dropped (comment retained without an anchor)
// rather than the whole comment being discarded.
func ParseReview(ctx context.Context, reviewID, text string, validate LineValidator, repairer Repairer) ([]domain.ReviewComment, error) {
	var env reviewEnvelope
	if err := parseWithRepair(ctx, text, reviewSchemaHint, repairer, &env); err != nil {
		return nil, err
	}

	comments := make([]domain.ReviewComment, 0, len(env.Comments))
	for _, c := range env.Comments {
		lineNo := c.LineNumber
		if lineNo != nil && validate != nil && !validate(c.FilePath, *lineNo) {
			lineNo = nil
		}
		var filePath *string
		if c.FilePath != "" {
			fp := c.FilePath
			filePath = &fp
		}
		comments = append(comments, domain.ReviewComment{
			ReviewID:      reviewID,
			FilePath:      filePath,
			LineNumber:    lineNo,
			Severity:      domain.ClampSeverity(c.Severity),
			Category:      domain.ClampCategory(c.Category),
			Content:       c.Content,
			Suggestion:    c.Suggestion,
			IsAIGenerated: true,
		})
	}
	return comments, nil
}

const reviewSchemaHint = `{"comments":[{"filePath":"string","lineNumber":"number|null","severity":"Info|Warning|Error|Critical","category":"Quality|Security|Performance|Style|Bug|Documentation","content":"string","suggestion":"string|null"}]}`

// --- Risk assessment envelope ----------------------------------------

type riskEnvelope struct {
	OverallRiskScore    int     `json:"overallRiskScore"`
	ComplexityRisk      string  `json:"complexityRisk"`
	SecurityRisk        string  `json:"securityRisk"`
	PerformanceRisk     string  `json:"performanceRisk"`
	MaintainabilityRisk string  `json:"maintainabilityRisk"`
	Description         string  `json:"description"`
	Mitigation          string  `json:"mitigation"`
	Confidence          float64 `json:"confidence"`
}

const riskSchemaHint = `{"overallRiskScore":0,"complexityRisk":"string","securityRisk":"string","performanceRisk":"string","maintainabilityRisk":"string","description":"string","mitigation":"string","confidence":0.0}`

// ParseRiskAssessment runs the tolerant parse for the RiskAnalysis task,
// clamping overallRiskScore into [0,100].
func ParseRiskAssessment(ctx context.Context, reviewID, modelVersion, text string, repairer Repairer) (domain.RiskAssessment, error) {
	var env riskEnvelope
	if err := parseWithRepair(ctx, text, riskSchemaHint, repairer, &env); err != nil {
		return domain.RiskAssessment{}, err
	}
	return domain.RiskAssessment{
		ReviewID:              reviewID,
		OverallRiskScore:      domain.ClampRiskScore(env.OverallRiskScore),
		ComplexityRisk:        env.ComplexityRisk,
		SecurityRisk:          env.SecurityRisk,
		PerformanceRisk:       env.PerformanceRisk,
		MaintainabilityRisk:   env.MaintainabilityRisk,
		RiskDescription:       env.Description,
		MitigationSuggestions: env.Mitigation,
		ConfidenceScore:       env.Confidence,
		AIModelVersion:        modelVersion,
	}, nil
}

// --- Improvement suggestions envelope ---------------------------------

type improvementJSON struct {
	Type                     string  `json:"type"`
	Priority                 string  `json:"priority"`
	Title                    string  `json:"title"`
	Description              string  `json:"description"`
	FilePath                 *string `json:"filePath"`
	StartLine                *int    `json:"startLine"`
	EndLine                  *int    `json:"endLine"`
	OriginalCode             *string `json:"originalCode"`
	SuggestedCode            *string `json:"suggestedCode"`
	Reasoning                *string `json:"reasoning"`
	ExpectedBenefits         *string `json:"expectedBenefits"`
	ImplementationComplexity int     `json:"implementationComplexity"`
	Confidence               float64 `json:"confidence"`
}

type improvementsEnvelope struct {
	Suggestions []improvementJSON `json:"suggestions"`
}

const improvementsSchemaHint = `{"suggestions":[{"type":"string","priority":"string","title":"string","description":"string","implementationComplexity":1,"confidence":0.0}]}`

// ParseImprovements runs the tolerant parse for the Improvements task.
func ParseImprovements(ctx context.Context, reviewID, text string, repairer Repairer) ([]domain.ImprovementSuggestion, error) {
	var env improvementsEnvelope
	if err := parseWithRepair(ctx, text, improvementsSchemaHint, repairer, &env); err != nil {
		return nil, err
	}
	out := make([]domain.ImprovementSuggestion, 0, len(env.Suggestions))
	for _, s := range env.Suggestions {
		complexity := s.ImplementationComplexity
		if complexity < 1 {
			complexity = 1
		} else if complexity > 10 {
			complexity = 10
		}
		out = append(out, domain.ImprovementSuggestion{
			ReviewID:                 reviewID,
			Type:                     s.Type,
			Priority:                 s.Priority,
			Title:                    s.Title,
			Description:              s.Description,
			FilePath:                 s.FilePath,
			StartLine:                s.StartLine,
			EndLine:                  s.EndLine,
			OriginalCode:             s.OriginalCode,
			SuggestedCode:            s.SuggestedCode,
			Reasoning:                s.Reasoning,
			ExpectedBenefits:         s.ExpectedBenefits,
			ImplementationComplexity: complexity,
			ConfidenceScore:          s.Confidence,
		})
	}
	return out, nil
}

// --- PR summary envelope ----------------------------------------------

type prSummaryJSON struct {
	ChangeType                string  `json:"changeType"`
	BusinessImpact            string  `json:"businessImpact"`
	TechnicalImpact           string  `json:"technicalImpact"`
	BreakingChangeRisk        string  `json:"breakingChangeRisk"`
	Summary                   string  `json:"summary"`
	DetailedDescription       string  `json:"detailedDescription"`
	KeyChanges                string  `json:"keyChanges"`
	ImpactAnalysis            string  `json:"impactAnalysis"`
	ChangeStatistics          json.RawMessage `json:"changeStatistics"`
	BackwardCompatibility     *string `json:"backwardCompatibility"`
	PerformanceImpact         *string `json:"performanceImpact"`
	SecurityImpact            *string `json:"securityImpact"`
	TestingRecommendations    *string `json:"testingRecommendations"`
	DeploymentConsiderations  *string `json:"deploymentConsiderations"`
	DocumentationRequirements *string `json:"documentationRequirements"`
	DependencyChanges         *string `json:"dependencyChanges"`
}

const prSummarySchemaHint = `{"changeType":"string","businessImpact":"string","technicalImpact":"string","breakingChangeRisk":"string","summary":"string","detailedDescription":"string","keyChanges":"string","impactAnalysis":"string","changeStatistics":{}}`

// ParsePRSummary runs the tolerant parse for the PRSummary task.
func ParsePRSummary(ctx context.Context, reviewID, text string, repairer Repairer) (domain.PullRequestSummary, error) {
	var env prSummaryJSON
	if err := parseWithRepair(ctx, text, prSummarySchemaHint, repairer, &env); err != nil {
		return domain.PullRequestSummary{}, err
	}
	stats := "{}"
	if len(env.ChangeStatistics) > 0 {
		stats = string(env.ChangeStatistics)
	}
	return domain.PullRequestSummary{
		ReviewID:                  reviewID,
		ChangeType:                env.ChangeType,
		BusinessImpact:            env.BusinessImpact,
		TechnicalImpact:           env.TechnicalImpact,
		BreakingChangeRisk:        env.BreakingChangeRisk,
		Summary:                   env.Summary,
		DetailedDescription:       env.DetailedDescription,
		KeyChanges:                env.KeyChanges,
		ImpactAnalysis:            env.ImpactAnalysis,
		ChangeStatisticsJSON:      stats,
		BackwardCompatibility:     env.BackwardCompatibility,
		PerformanceImpact:         env.PerformanceImpact,
		SecurityImpact:            env.SecurityImpact,
		TestingRecommendations:    env.TestingRecommendations,
		DeploymentConsiderations:  env.DeploymentConsiderations,
		DocumentationRequirements: env.DocumentationRequirements,
		DependencyChanges:         env.DependencyChanges,
	}, nil
}
