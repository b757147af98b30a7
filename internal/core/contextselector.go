package core

import (
	"bytes"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	maxDeferredSections   = 3
	maxPostmortemSections = 2
	highImportanceBonus   = 2
	minSectionScore       = 1
)

// contextStepTypes receive cumulative notes: builders to avoid repeating
// deferred work and reviewers to check lessons were applied.
var contextStepTypes = map[string]bool{
	"implement":      true,
	"write_code":     true,
	"review":         true,
	"quality_review": true,
}

var tokenPattern = regexp.MustCompile(`[a-z]{3,}`)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "are": true, "was": true, "has": true,
	"have": true, "been": true, "will": true, "can": true, "all": true,
	"not": true, "but": true, "its": true, "per": true, "any": true,
	"use": true, "each": true, "new": true, "one": true, "two": true,
}

// SelectedContext holds the note sections relevant to one step. Empty
// fields mean nothing relevant was found.
type SelectedContext struct {
	Deferred   string
	Postmortem string
}

// SelectContext keeps the deferred and postmortem sections that share the
// most keywords with the sprint goal. Only building and reviewing step types
// receive notes.
func SelectContext(stepType, goal, deferred, postmortem string) SelectedContext {
	if !contextStepTypes[stepType] {
		return SelectedContext{}
	}
	goalTokens := tokenize(goal)
	return SelectedContext{
		Deferred:   filterSections(deferred, goalTokens, maxDeferredSections),
		Postmortem: filterSections(postmortem, goalTokens, maxPostmortemSections),
	}
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range tokenPattern.FindAllString(strings.ToLower(s), -1) {
		if !stopWords[w] {
			tokens[w] = true
		}
	}
	return tokens
}

// splitSections returns the level-two sections of a markdown document in
// order. Headings inside code fences are not section boundaries.
func splitSections(src []byte) []string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))
	var starts []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 2 || h.Lines().Len() == 0 {
			continue
		}
		start := lineStart(src, h.Lines().At(0).Start)
		if !bytes.HasPrefix(bytes.TrimLeft(src[start:], " "), []byte("## ")) {
			continue
		}
		starts = append(starts, start)
	}

	sections := make([]string, len(starts))
	for i, start := range starts {
		end := len(src)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		sections[i] = strings.TrimRight(string(src[start:end]), "\n")
	}
	return sections
}

func lineStart(src []byte, pos int) int {
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func filterSections(content string, goalTokens map[string]bool, limit int) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	sections := splitSections([]byte(content))

	type scored struct {
		idx   int
		score int
	}
	var ranked []scored
	for i, sec := range sections {
		score := 0
		for tok := range tokenize(sec) {
			if goalTokens[tok] {
				score++
			}
		}
		if strings.Contains(sec, "🔴 High") {
			score += highImportanceBonus
		}
		if score >= minSectionScore {
			ranked = append(ranked, scored{idx: i, score: score})
		}
	}
	if len(ranked) == 0 {
		return ""
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	sort.Slice(ranked, func(a, b int) bool { return ranked[a].idx < ranked[b].idx })

	kept := make([]string, len(ranked))
	for i, r := range ranked {
		kept[i] = sections[r.idx]
	}
	title, _, _ := strings.Cut(content, "\n")
	return strings.TrimSpace(title + "\n\n" + strings.Join(kept, "\n\n"))
}
