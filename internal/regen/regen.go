package regen

import (
	"regexp"
	"strconv"
	"strings"

	"mdillust/internal/analyzer"
	"mdillust/internal/markdown"
)

// failedSentinel is the comment the assembler emits when every candidate
// for a slot failed. Matched byte-for-byte.
const failedSentinel = "<!-- 所有候选图生成失败 -->"

// ExistingImage is one slot recovered from previously emitted text. Index
// is the kind-relative ordinal: the Nth recovered image of a kind gets
// index N-1 within that kind.
type ExistingImage struct {
	Index      int
	ImageKind  markdown.ImageKind
	Path       string
	SourceLine int
	IsFailed   bool
}

// typeLabels pairs each kind with its emitted alt-text label, in a fixed
// match order. Attribution walks this list front to back.
var typeLabels = []struct {
	kind  markdown.ImageKind
	label string
}{
	{markdown.ImageCover, "封面图"},
	{markdown.ImageSection, "章节配图"},
	{markdown.ImageConcept, "概念示意图"},
	{markdown.ImageAtmospheric, "氛围插图"},
	{markdown.ImageDiagram, "架构图"},
	{markdown.ImageCodeConcept, "代码结构图"},
}

var (
	imagePattern    = regexp.MustCompile(`!\[([^\]]+)\]\(([^)]+)\)`)
	selectedPattern = regexp.MustCompile(`选择第(\d+)张`)
)

// grammar keyword to recovered kind, checked in this order.
var grammarKinds = []struct {
	keyword string
	kind    markdown.ImageKind
}{
	{"stateDiagram", markdown.ImageConcept},
	{"sequenceDiagram", markdown.ImageSection},
	{"flowchart", markdown.ImageCodeConcept},
	{"classDiagram", markdown.ImageConcept},
	{"mindmap", markdown.ImageCover},
}

var grammarKeywords = []string{
	"statediagram", "sequencediagram", "flowchart",
	"classdiagram", "mindmap", "gantt", "erdiagram",
}

// ParseExistingImages recovers previously placed slots from emitted text.
// The scan is deliberately conservative: anything it cannot attribute to a
// kind is dropped rather than guessed, so hand-inserted images are never
// reclaimed. It never modifies the input.
func ParseExistingImages(text string) []ExistingImage {
	lines := strings.Split(text, "\n")

	var images []ExistingImage
	counters := make(map[markdown.ImageKind]int)

	take := func(kind markdown.ImageKind) int {
		ord := counters[kind]
		counters[kind] = ord + 1
		return ord
	}

	inMermaid := false
	mermaidStart := 0
	var mermaidLines []string

	for lineNum := 0; lineNum < len(lines); lineNum++ {
		line := lines[lineNum]
		stripped := strings.TrimSpace(line)

		if !inMermaid && strings.HasPrefix(stripped, "```") {
			if isDiagramFence(stripped, lines, lineNum) {
				inMermaid = true
				mermaidStart = lineNum
				mermaidLines = nil
				continue
			}
		}

		if inMermaid {
			if strings.HasPrefix(stripped, "```") && !strings.Contains(stripped, "mermaid") {
				inMermaid = false
				kind, ok := mermaidKindFromContext(lines, mermaidStart, lineNum, mermaidLines)
				if ok {
					code := strings.Join(mermaidLines, "\n")
					images = append(images, ExistingImage{
						Index:      take(kind),
						ImageKind:  kind,
						Path:       "MERMAID_CODE:" + string(kind) + ":" + code,
						SourceLine: mermaidStart,
					})
				}
				mermaidLines = nil
			} else {
				mermaidLines = append(mermaidLines, strings.TrimRight(line, " \t"))
			}
			continue
		}

		if strings.Contains(line, failedSentinel) {
			if kind, ord, ok := failedSlotFromContext(lines, lineNum, counters); ok {
				if ord < 0 {
					ord = take(kind)
				} else if ord >= counters[kind] {
					counters[kind] = ord + 1
				}
				images = append(images, ExistingImage{
					Index:      ord,
					ImageKind:  kind,
					SourceLine: lineNum,
					IsFailed:   true,
				})
			}
			continue
		}

		// Commented-out candidate lines repeat the alt text of the starred
		// selection; counting them would corrupt the ordinals.
		if strings.HasPrefix(stripped, "<!--") {
			continue
		}

		if m := imagePattern.FindStringSubmatch(line); m != nil {
			altText, path := m[1], m[2]
			if strings.HasPrefix(path, "MERMAID_CODE:") {
				continue
			}
			kind, ok := kindFromLabel(altText)
			if !ok {
				continue
			}
			images = append(images, ExistingImage{
				Index:      take(kind),
				ImageKind:  kind,
				Path:       path,
				SourceLine: lineNum,
			})
		}
	}

	return images
}

// isDiagramFence reports whether a fence opens a diagram block: either the
// fence itself names mermaid, or one of the next two lines opens with a
// known grammar keyword.
func isDiagramFence(stripped string, lines []string, lineNum int) bool {
	if strings.Contains(strings.ToLower(stripped), "mermaid") {
		return true
	}
	for offset := 1; offset <= 2 && lineNum+offset < len(lines); offset++ {
		next := strings.ToLower(strings.TrimSpace(lines[lineNum+offset]))
		for _, kw := range grammarKeywords {
			if strings.HasPrefix(next, kw) {
				return true
			}
		}
	}
	return false
}

// mermaidKindFromContext attributes a recovered diagram block to a kind,
// first by surrounding caption text, then by the diagram's own grammar.
func mermaidKindFromContext(lines []string, start, end int, code []string) (markdown.ImageKind, bool) {
	ctxStart := start - 10
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + 5
	if ctxEnd > len(lines) {
		ctxEnd = len(lines)
	}
	context := strings.Join(lines[ctxStart:ctxEnd], "\n")

	if strings.Contains(context, "文章封面") {
		return markdown.ImageCover, true
	}
	for _, tl := range typeLabels {
		if strings.Contains(context, tl.label) {
			return tl.kind, true
		}
	}

	joined := strings.Join(code, "\n")
	for _, gk := range grammarKinds {
		if strings.Contains(joined, gk.keyword) {
			return gk.kind, true
		}
	}
	return "", false
}

// failedSlotFromContext attributes a failure sentinel by scanning the ten
// preceding lines for a selection comment or a type label. Returns ordinal
// -1 when only the kind could be determined.
func failedSlotFromContext(lines []string, lineNum int, counters map[markdown.ImageKind]int) (markdown.ImageKind, int, bool) {
	start := lineNum - 10
	if start < 0 {
		start = 0
	}

	for i := lineNum - 1; i >= start; i-- {
		line := lines[i]

		if m := selectedPattern.FindStringSubmatch(line); m != nil {
			if kind, ok := kindFromLabel(line); ok {
				n, _ := strconv.Atoi(m[1])
				return kind, n - 1, true
			}
		}
		if kind, ok := kindFromLabel(line); ok {
			return kind, -1, true
		}
	}
	return "", 0, false
}

func kindFromLabel(s string) (markdown.ImageKind, bool) {
	for _, tl := range typeLabels {
		if strings.Contains(s, tl.label) {
			return tl.kind, true
		}
	}
	return "", false
}

// Selector names the slots forced into regeneration. Construct with exactly
// one of ByOrdinal, ByKind or OnlyFailed; the zero value selects nothing.
type Selector struct {
	ordinal    *int
	kind       *markdown.ImageKind
	onlyFailed bool
}

func ByOrdinal(n int) Selector { return Selector{ordinal: &n} }

func ByKind(k markdown.ImageKind) Selector { return Selector{kind: &k} }

func OnlyFailed() Selector { return Selector{onlyFailed: true} }

// PlanEntry describes one slot in a reconciliation bucket.
type PlanEntry struct {
	Index     int                `json:"index"`
	ImageKind markdown.ImageKind `json:"image_type"`
	Prompt    string             `json:"prompt,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Path      string             `json:"image_path,omitempty"`
}

// Plan partitions the current decisions into keep, regenerate and missing.
// The three buckets are disjoint and together cover every decision ordinal.
type Plan struct {
	Keep       []PlanEntry `json:"keep"`
	Regenerate []PlanEntry `json:"regenerate"`
	Missing    []PlanEntry `json:"missing"`
}

// Reconcile maps each decision to a recovered slot by kind-relative ordinal
// and buckets it. Matching relies on kind-relative order being preserved
// between runs; reordering sections between runs can misattribute slots.
func Reconcile(decisions []analyzer.Decision, existing []ExistingImage, sel Selector) Plan {
	plan := Plan{
		Keep:       []PlanEntry{},
		Regenerate: []PlanEntry{},
		Missing:    []PlanEntry{},
	}

	lookup := make(map[markdown.ImageKind]map[int]ExistingImage)
	for _, img := range existing {
		if lookup[img.ImageKind] == nil {
			lookup[img.ImageKind] = make(map[int]ExistingImage)
		}
		lookup[img.ImageKind][img.Index] = img
	}

	kindOrdinals := make(map[markdown.ImageKind]int)

	for i, d := range decisions {
		kindOrd := kindOrdinals[d.ImageKind]
		kindOrdinals[d.ImageKind] = kindOrd + 1

		img, seen := lookup[d.ImageKind][kindOrd]

		forced := false
		switch {
		case sel.ordinal != nil:
			forced = *sel.ordinal == i
		case sel.kind != nil:
			forced = *sel.kind == d.ImageKind
		case sel.onlyFailed:
			forced = seen && img.IsFailed
		}

		entry := PlanEntry{Index: i, ImageKind: d.ImageKind, Prompt: d.Prompt, Reason: d.Reason}
		switch {
		case forced:
			plan.Regenerate = append(plan.Regenerate, entry)
		case seen && !img.IsFailed:
			plan.Keep = append(plan.Keep, PlanEntry{Index: i, ImageKind: d.ImageKind, Path: img.Path})
		case seen:
			// Present but marked failed: regenerate even without a selector.
			plan.Regenerate = append(plan.Regenerate, entry)
		default:
			plan.Missing = append(plan.Missing, entry)
		}
	}

	return plan
}
