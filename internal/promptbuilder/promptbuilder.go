// Package promptbuilder renders one of four task templates (Review,
// RiskAnalysis, PRSummary, Improvements) against chunk/review context,
// resolving the template body per (projectID, type) with a built-in
// fallback when no project-specific PromptTemplate is configured.
package promptbuilder

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"github.com/aireview/engine/internal/domain"
)

// Resolver looks up the active PromptTemplate for (projectID, kind),
// falling back to a built-in template when projectID has no override.
// A PromptRepo implements this against the persistence layer.
type Resolver func(ctx context.Context, projectID string, kind domain.PromptType) (domain.PromptTemplate, bool, error)

// Builder renders task prompts from resolved templates.
type Builder struct {
	resolve Resolver
}

// NewBuilder wraps resolve for prompt rendering. A nil resolve always
// falls back to the built-in template for each task.
func NewBuilder(resolve Resolver) *Builder {
	return &Builder{resolve: resolve}
}

// ReviewPromptData is the template context for the Review task.
type ReviewPromptData struct {
	ReviewID           string
	ChunkOrdinal       int
	Files              []string
	TargetBranch       string
	BaseBranch         string
	CustomInstructions string
	Payload            string
}

// RiskPromptData is the template context for the RiskAnalysis task.
type RiskPromptData struct {
	ReviewID     string
	Title        string
	TargetBranch string
	BaseBranch   string
	Payload      string
}

// ImprovementsPromptData is the template context for the Improvements task.
type ImprovementsPromptData struct {
	ReviewID string
	Title    string
	Payload  string
}

// PRSummaryPromptData is the template context for the PRSummary task.
type PRSummaryPromptData struct {
	ReviewID     string
	Title        string
	TargetBranch string
	BaseBranch   string
	Payload      string
}

var templateFuncs = template.FuncMap{"join": strings.Join}

// BuildReview renders the Review task prompt for one chunk.
func (b *Builder) BuildReview(ctx context.Context, projectID string, data ReviewPromptData) (string, error) {
	return b.render(ctx, projectID, domain.PromptTypeReview, defaultReviewTemplate(), data)
}

// BuildRiskAssessment renders the RiskAnalysis task prompt.
func (b *Builder) BuildRiskAssessment(ctx context.Context, projectID string, data RiskPromptData) (string, error) {
	return b.render(ctx, projectID, domain.PromptTypeRiskAnalysis, defaultRiskTemplate(), data)
}

// BuildImprovements renders the Improvements task prompt.
func (b *Builder) BuildImprovements(ctx context.Context, projectID string, data ImprovementsPromptData) (string, error) {
	return b.render(ctx, projectID, domain.PromptTypeImprovements, defaultImprovementsTemplate(), data)
}

// BuildPRSummary renders the PRSummary task prompt.
func (b *Builder) BuildPRSummary(ctx context.Context, projectID string, data PRSummaryPromptData) (string, error) {
	return b.render(ctx, projectID, domain.PromptTypePRSummary, defaultPRSummaryTemplate(), data)
}

func (b *Builder) render(ctx context.Context, projectID string, kind domain.PromptType, fallback string, data interface{}) (string, error) {
	body := fallback
	if b.resolve != nil {
		if tmpl, ok, err := b.resolve(ctx, projectID, kind); err != nil {
			return "", fmt.Errorf("promptbuilder: resolve %s template: %w", kind, err)
		} else if ok {
			body = tmpl.Body
		}
	}

	tmpl, err := template.New(string(kind)).Funcs(templateFuncs).Parse(body)
	if err != nil {
		return "", fmt.Errorf("promptbuilder: parse %s template: %w", kind, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("promptbuilder: render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func defaultReviewTemplate() string {
	return `You are an expert software engineer performing a code review.
Review the code changes below for bugs, security issues, and improvements.

## Code Changes (chunk {{.ChunkOrdinal}})

Base: {{.BaseBranch}}  Target: {{.TargetBranch}}
{{if .Files}}Files in this chunk: {{join .Files ", "}}{{end}}

{{.Payload}}

{{if .CustomInstructions}}
## Review Instructions
{{.CustomInstructions}}
{{end}}

## Required Output Format

Respond with a JSON object matching this schema exactly:

` + "```" + `json
{"comments":[{"filePath":"string","lineNumber":"number|null","severity":"Info|Warning|Error|Critical","category":"Quality|Security|Performance|Style|Bug|Documentation","content":"string","suggestion":"string|null"}]}
` + "```" + `

If nothing to flag in this chunk, return {"comments":[]}.`
}

func defaultRiskTemplate() string {
	return `You are assessing the risk of a pull request's changes.

Review: {{.Title}}
Base: {{.BaseBranch}}  Target: {{.TargetBranch}}

{{.Payload}}

Respond with a JSON object matching this schema exactly:

` + "```" + `json
{"overallRiskScore":0,"complexityRisk":"string","securityRisk":"string","performanceRisk":"string","maintainabilityRisk":"string","description":"string","mitigation":"string","confidence":0.0}
` + "```" + `

overallRiskScore is an integer from 0 (no risk) to 100 (severe risk).`
}

func defaultImprovementsTemplate() string {
	return `You are suggesting concrete improvements for a pull request's changes.

Review: {{.Title}}

{{.Payload}}

Respond with a JSON object matching this schema exactly:

` + "```" + `json
{"suggestions":[{"type":"string","priority":"string","title":"string","description":"string","filePath":"string|null","startLine":"number|null","endLine":"number|null","originalCode":"string|null","suggestedCode":"string|null","reasoning":"string|null","expectedBenefits":"string|null","implementationComplexity":1,"confidence":0.0}]}
` + "```" + `

implementationComplexity is an integer from 1 (trivial) to 10 (major rework).`
}

func defaultPRSummaryTemplate() string {
	return `You are writing a pull request summary for reviewers.

Review: {{.Title}}
Base: {{.BaseBranch}}  Target: {{.TargetBranch}}

{{.Payload}}

Respond with a JSON object matching this schema exactly:

` + "```" + `json
{"changeType":"string","businessImpact":"string","technicalImpact":"string","breakingChangeRisk":"string","summary":"string","detailedDescription":"string","keyChanges":"string","impactAnalysis":"string","changeStatistics":{}}
` + "```" + ``
}
