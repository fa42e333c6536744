package agent

import (
	"regexp"
	"strings"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

// Plan detection thresholds. Tuning constants, overridable via config.
const (
	DefaultPlanMinContentLen = 200
	DefaultPlanMinHeadings   = 2
	DefaultPlanMinListItems  = 4
	planTitleMaxLen          = 80
)

var (
	planPathRe    = regexp.MustCompile(`(?i)plan`)
	planKeywordRe = regexp.MustCompile(`(?i)\b(plan|implementation|approach|strategy|roadmap|phases?|proposal)\b`)
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
	listItemRe    = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+\S`)
	markupRe      = regexp.MustCompile("[`*_#]+")
)

// PlanDetector classifies content written by Write/Edit tool calls as
// implementation-plan documents.
type PlanDetector struct {
	MinContentLen int
	MinHeadings   int
	MinListItems  int
}

// DefaultPlanDetector returns a detector with the default thresholds.
func DefaultPlanDetector() PlanDetector {
	return PlanDetector{
		MinContentLen: DefaultPlanMinContentLen,
		MinHeadings:   DefaultPlanMinHeadings,
		MinListItems:  DefaultPlanMinListItems,
	}
}

// Detect returns a Plan if the tool input looks like a plan document, nil
// otherwise. A plan is recognized by its target path, by a plan-related
// first heading, or structurally: at least MinHeadings markdown headings
// and MinListItems list items.
func (pd PlanDetector) Detect(tool string, input map[string]any) *types.Plan {
	if tool != "Write" && tool != "Edit" {
		return nil
	}
	content, _ := input["content"].(string)
	if content == "" {
		content, _ = input["new_string"].(string)
	}
	if len(content) < pd.MinContentLen {
		return nil
	}
	path, _ := input["file_path"].(string)

	headings := headingRe.FindAllStringSubmatch(content, -1)
	listItems := len(listItemRe.FindAllString(content, -1))

	isPlan := false
	switch {
	case path != "" && planPathRe.MatchString(path):
		isPlan = true
	case len(headings) > 0 && planKeywordRe.MatchString(headings[0][1]):
		isPlan = true
	case len(headings) >= pd.MinHeadings && listItems >= pd.MinListItems:
		isPlan = true
	}
	if !isPlan {
		return nil
	}

	return &types.Plan{Title: planTitle(headings), Content: content}
}

// planTitle derives a title from the first keyword-matching heading, else
// the first heading.
func planTitle(headings [][]string) string {
	title := ""
	for _, h := range headings {
		if planKeywordRe.MatchString(h[1]) {
			title = h[1]
			break
		}
	}
	if title == "" && len(headings) > 0 {
		title = headings[0][1]
	}
	if title == "" {
		title = "Plan"
	}
	title = strings.TrimSpace(markupRe.ReplaceAllString(title, ""))
	return truncate(title, planTitleMaxLen)
}
