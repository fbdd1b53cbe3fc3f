// Package diffprovider adapts the teacher's go-git engine and hunk
// parser into the Diff Provider external contract: GetDiff(review) ->
// ordered []domain.DiffFile, line numbers relative to the new tree.
package diffprovider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aireview/engine/internal/adapter/git"
	"github.com/aireview/engine/internal/diff"
	"github.com/aireview/engine/internal/domain"
)

// ErrBranchMissing is fatal to the review: the configured branch ref
// could not be resolved in the repository.
var ErrBranchMissing = errors.New("diffprovider: branch not found")

// ErrAuthRequired is fatal to the review but user-facing: the
// repository could not be accessed without credentials.
var ErrAuthRequired = errors.New("diffprovider: authentication required")

// Provider fetches diffs from a local git checkout via go-git.
// RepoUnavailable-class errors from the underlying git engine are
// returned unwrapped so callers can retry them.
type Provider struct {
	engine *git.Engine
}

// NewProvider builds a Provider rooted at repoDir.
func NewProvider(repoDir string) *Provider {
	return &Provider{engine: git.NewEngine(repoDir)}
}

// GetDiff returns review's changed files, ordered by path, with hunks
// converted to line-anchored domain.DiffHunk, plus the resolved target
// commit sha (used as the cache key's commit component). Binary files
// are reported with Status set and no hunks.
func (p *Provider) GetDiff(ctx context.Context, review domain.ReviewRequest) ([]domain.DiffFile, string, error) {
	d, err := p.engine.GetCumulativeDiff(ctx, review.BaseBranch, review.TargetBranch, false)
	if err != nil {
		return nil, "", classifyGitError(err)
	}

	files := make([]domain.DiffFile, 0, len(d.Files))
	for _, fd := range d.Files {
		df := domain.DiffFile{
			Path:   fd.Path,
			Status: mapStatus(fd.Status),
		}
		if !fd.IsBinary {
			parsed, err := diff.Parse(fd.Patch)
			if err != nil {
				return nil, "", fmt.Errorf("diffprovider: parse patch for %s: %w", fd.Path, err)
			}
			df.Hunks = convertHunks(parsed)
			for _, h := range df.Hunks {
				for _, l := range h.Lines {
					switch l.Kind {
					case domain.DiffLineAdd:
						df.AddedLines++
					case domain.DiffLineDel:
						df.DeletedLines++
					}
				}
			}
		}
		files = append(files, df)
	}

	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, d.ToCommitHash, nil
}

func mapStatus(s string) string {
	switch s {
	case domain.FileStatusAdded:
		return "Added"
	case domain.FileStatusDeleted:
		return "Deleted"
	case domain.FileStatusRenamed:
		return "Renamed"
	default:
		return "Modified"
	}
}

func convertHunks(parsed diff.ParsedDiff) []domain.DiffHunk {
	hunks := make([]domain.DiffHunk, 0, len(parsed.Hunks))
	for _, h := range parsed.Hunks {
		lines := make([]domain.DiffLine, 0, len(h.Lines))
		for _, l := range h.Lines {
			line := domain.DiffLine{Text: l.Content, NewLineNo: l.NewLine}
			switch l.Type {
			case diff.LineAddition:
				line.Kind = domain.DiffLineAdd
			case diff.LineDeletion:
				line.Kind = domain.DiffLineDel
			default:
				line.Kind = domain.DiffLineContext
			}
			lines = append(lines, line)
		}
		hunks = append(hunks, domain.DiffHunk{
			OldStart: h.OldStart,
			OldCount: h.OldLines,
			NewStart: h.NewStart,
			NewCount: h.NewLines,
			Lines:    lines,
		})
	}
	return hunks
}

func classifyGitError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "resolve"), strings.Contains(msg, "reference not found"):
		return fmt.Errorf("%w: %v", ErrBranchMissing, err)
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "401"):
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	default:
		return err
	}
}
