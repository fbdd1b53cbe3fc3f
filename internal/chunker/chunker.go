// Package chunker splits a diff into prompt-sized units that respect
// file boundaries and a max-token budget, emitting stable chunk ids.
package chunker

import (
	"fmt"
	"strings"

	"github.com/aireview/engine/internal/adapter/llm"
	"github.com/aireview/engine/internal/domain"
)

// DefaultTargetTokens is chunker.targetTokens's documented default.
const DefaultTargetTokens = 3000

// fileTypePriority mirrors the teacher's source-first diff ordering so
// chunks present the most review-relevant files first.
func fileTypePriority(path string) int {
	switch {
	case strings.HasSuffix(path, "_test.go"), strings.Contains(path, "/test/"):
		return 2
	case strings.HasSuffix(path, ".md"), strings.HasSuffix(path, ".txt"):
		return 3
	default:
		return 1
	}
}

// renderHunk formats a hunk the way the prompt builder expects to see it
// embedded in a chunk payload.
func renderHunk(h domain.DiffHunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
	for _, l := range h.Lines {
		switch l.Kind {
		case domain.DiffLineAdd:
			b.WriteString("+" + l.Text + "\n")
		case domain.DiffLineDel:
			b.WriteString("-" + l.Text + "\n")
		default:
			b.WriteString(" " + l.Text + "\n")
		}
	}
	return b.String()
}

func renderFileHeader(f domain.DiffFile) string {
	return fmt.Sprintf("File: %s (%s)\n", f.Path, f.Status)
}

// unit is an indivisible piece of chunk payload: a file's header line,
// one whole hunk, or (when a hunk itself exceeds the budget) a run of
// adjacent diff lines.
type unit struct {
	path    string
	text    string
	tokens  int
	isHeader bool
}

// Chunk splits diffFiles into an ordered, deterministic []domain.Chunk
// no chunk exceeding targetTokens except where a single hunk cannot be
// split further without bisecting a paired Del/Add.
func Chunk(reviewID string, diffFiles []domain.DiffFile, targetTokens int) []domain.Chunk {
	if targetTokens <= 0 {
		targetTokens = DefaultTargetTokens
	}

	files := make([]domain.DiffFile, len(diffFiles))
	copy(files, diffFiles)
	stableSortByPriority(files)

	if len(files) == 0 {
		return nil
	}
	if allBinaryOrEmpty(files) {
		return []domain.Chunk{syntheticSummaryChunk(reviewID, files)}
	}

	units := buildUnits(files, targetTokens)

	var chunks []domain.Chunk
	var cur []unit
	curTokens := 0
	curFiles := map[string]bool{}
	ordinal := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		payload := renderUnits(cur)
		fileList := make([]string, 0, len(curFiles))
		for f := range curFiles {
			fileList = append(fileList, f)
		}
		stableSortStrings(fileList)
		chunks = append(chunks, domain.Chunk{
			ID:               domain.NewChunkID(reviewID, ordinal, payload),
			ReviewID:         reviewID,
			Ordinal:          ordinal,
			Files:            fileList,
			TextBudgetTokens: curTokens,
			Payload:          payload,
		})
		ordinal++
		cur = nil
		curTokens = 0
		curFiles = map[string]bool{}
	}

	for _, u := range units {
		// A lone unit already at or over budget gets its own chunk
		// rather than forcing an empty flush-then-overflow cycle.
		if curTokens > 0 && curTokens+u.tokens > targetTokens {
			flush()
		}
		cur = append(cur, u)
		curTokens += u.tokens
		curFiles[u.path] = true
	}
	flush()

	return chunks
}

func allBinaryOrEmpty(files []domain.DiffFile) bool {
	for _, f := range files {
		if len(f.Hunks) > 0 {
			return false
		}
	}
	return true
}

func syntheticSummaryChunk(reviewID string, files []domain.DiffFile) domain.Chunk {
	var b strings.Builder
	fileList := make([]string, 0, len(files))
	for _, f := range files {
		fmt.Fprintf(&b, "Binary/empty file: %s (%s)\n", f.Path, f.Status)
		fileList = append(fileList, f.Path)
	}
	payload := b.String()
	return domain.Chunk{
		ID:               domain.NewChunkID(reviewID, 0, payload),
		ReviewID:         reviewID,
		Ordinal:          0,
		Files:            fileList,
		TextBudgetTokens: llm.EstimateTokens(payload),
		Payload:          payload,
	}
}

// buildUnits flattens every file into packing units, pre-splitting any
// hunk that alone exceeds targetTokens.
func buildUnits(files []domain.DiffFile, targetTokens int) []unit {
	var units []unit
	for _, f := range files {
		header := renderFileHeader(f)
		units = append(units, unit{path: f.Path, text: header, tokens: llm.EstimateTokens(header), isHeader: true})
		for _, h := range f.Hunks {
			rendered := renderHunk(h)
			tok := llm.EstimateTokens(rendered)
			if tok <= targetTokens {
				units = append(units, unit{path: f.Path, text: rendered, tokens: tok})
				continue
			}
			units = append(units, splitHunk(f.Path, h, targetTokens)...)
		}
	}
	return units
}

// splitHunk breaks an oversized hunk at diff-line boundaries without
// separating a Del line from the Add line immediately following it
// (the common replace-one-line-with-another pattern).
func splitHunk(path string, h domain.DiffHunk, targetTokens int) []unit {
	var out []unit
	var cur strings.Builder
	curTokens := 0
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@ (continued)\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		text := header + cur.String()
		out = append(out, unit{path: path, text: text, tokens: llm.EstimateTokens(text)})
		cur.Reset()
		curTokens = 0
	}

	for i := 0; i < len(h.Lines); i++ {
		l := h.Lines[i]
		line := lineText(l)
		lineTokens := llm.EstimateTokens(line)

		// Keep an adjacent Del/Add pair together.
		group := []string{line}
		groupTokens := lineTokens
		if l.Kind == domain.DiffLineDel && i+1 < len(h.Lines) && h.Lines[i+1].Kind == domain.DiffLineAdd {
			next := lineText(h.Lines[i+1])
			group = append(group, next)
			groupTokens += llm.EstimateTokens(next)
			i++
		}

		if curTokens > 0 && curTokens+groupTokens > targetTokens {
			flush()
		}
		for _, g := range group {
			cur.WriteString(g)
		}
		curTokens += groupTokens
	}
	flush()
	return out
}

func lineText(l domain.DiffLine) string {
	switch l.Kind {
	case domain.DiffLineAdd:
		return "+" + l.Text + "\n"
	case domain.DiffLineDel:
		return "-" + l.Text + "\n"
	default:
		return " " + l.Text + "\n"
	}
}

func renderUnits(units []unit) string {
	var b strings.Builder
	for _, u := range units {
		b.WriteString(u.text)
	}
	return b.String()
}

func stableSortByPriority(files []domain.DiffFile) {
	// insertion sort: the file counts per chunk are small and this
	// keeps the ordering stable for files with equal priority, which a
	// library sort.Slice would not guarantee without an explicit tie
	// breaker.
	for i := 1; i < len(files); i++ {
		j := i
		for j > 0 && fileTypePriority(files[j-1].Path) > fileTypePriority(files[j].Path) {
			files[j-1], files[j] = files[j], files[j-1]
			j--
		}
	}
}

func stableSortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1] > s[j] {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}
