package web

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"mdillust/internal/markdown"
)

var (
	candidateImagePattern = regexp.MustCompile(`!\[([^\]]+)\]\(([^)]+)\)`)
	candidateBlockPattern = regexp.MustCompile(`从(\d+)张中选择第(\d+)张`)
)

// Candidate is one generated image inside a batch position.
type Candidate struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	LineNumber int    `json:"line_number"`
	IsSelected bool   `json:"is_selected"`
	AltText    string `json:"alt_text"`
}

// Position is one batch slot in the document with all its candidates.
type Position struct {
	Index      int         `json:"index"`
	ImageType  string      `json:"image_type"`
	Candidates []Candidate `json:"candidates"`
	Prompt     string      `json:"prompt"`
}

// candidateDoc is the selector's view of one markdown file: the candidate
// blocks found in it and the user's current picks per position.
type candidateDoc struct {
	path       string
	positions  []Position
	selections map[int]int
}

func loadCandidateDoc(path string) (*candidateDoc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d := &candidateDoc{
		path:       path,
		positions:  parseCandidates(string(raw)),
		selections: make(map[int]int),
	}

	// Seed selections from the starred candidate, defaulting to the first.
	for _, pos := range d.positions {
		for _, c := range pos.Candidates {
			if c.IsSelected {
				d.selections[pos.Index] = c.Index
				break
			}
		}
		if _, ok := d.selections[pos.Index]; !ok && len(pos.Candidates) > 0 {
			d.selections[pos.Index] = 0
		}
	}
	return d, nil
}

// parseCandidates scans the emitted text for batch candidate blocks. A block
// opens with the 候选图 comment and closes at the first line that ends a
// comment without opening one; every image reference in between is one
// candidate, starred or commented alike.
func parseCandidates(content string) []Position {
	lines := strings.Split(content, "\n")

	var positions []Position
	inBlock := false
	var current Position
	imageType := "cover"

	for lineNum, line := range lines {
		if strings.Contains(line, "<!-- 候选图：从") {
			if candidateBlockPattern.MatchString(line) {
				inBlock = true
				current = Position{Index: len(positions), ImageType: imageType}

				// The generation prompt sometimes sits in a nearby comment.
				for j := max(0, lineNum-10); j < lineNum; j++ {
					if idx := strings.Index(lines[j], "提示词:"); idx >= 0 {
						current.Prompt = strings.TrimSpace(lines[j][idx+len("提示词:"):])
						break
					}
				}
			}
			continue
		}

		if !inBlock {
			continue
		}

		if m := candidateImagePattern.FindStringSubmatch(line); m != nil {
			alt, path := m[1], m[2]
			current.Candidates = append(current.Candidates, Candidate{
				Index:      len(current.Candidates),
				Path:       path,
				LineNumber: lineNum,
				IsSelected: strings.Contains(line, "⭐"),
				AltText:    alt,
			})
			for _, kind := range []markdown.ImageKind{
				markdown.ImageCover, markdown.ImageSection, markdown.ImageConcept,
				markdown.ImageAtmospheric, markdown.ImageDiagram, markdown.ImageCodeConcept,
			} {
				if strings.Contains(alt, kind.TypeLabel()) {
					current.ImageType = string(kind)
					imageType = current.ImageType
					break
				}
			}
		}

		if strings.Contains(line, "-->") && !strings.Contains(line, "<!--") {
			inBlock = false
			if len(current.Candidates) > 0 {
				positions = append(positions, current)
			}
		}
	}

	return positions
}

// applySelections rewrites the file so the picked candidate in each position
// carries the star and the others are commented out.
func (d *candidateDoc) applySelections() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return err
	}
	lines := strings.Split(string(raw), "\n")

	for posIndex, selected := range d.selections {
		pos, ok := d.position(posIndex)
		if !ok {
			continue
		}
		for _, c := range pos.Candidates {
			if c.LineNumber >= len(lines) {
				continue
			}
			m := candidateImagePattern.FindStringSubmatch(lines[c.LineNumber])
			if m == nil {
				continue
			}
			if c.Index == selected {
				lines[c.LineNumber] = fmt.Sprintf("![%s](%s) ⭐", m[1], m[2])
			} else {
				lines[c.LineNumber] = fmt.Sprintf("<!-- 候选%d: ![%s](%s) -->", c.Index+1, m[1], m[2])
			}
		}
	}

	return os.WriteFile(d.path, []byte(strings.Join(lines, "\n")), 0o644)
}

func (d *candidateDoc) position(index int) (Position, bool) {
	for _, p := range d.positions {
		if p.Index == index {
			return p, true
		}
	}
	return Position{}, false
}

func (d *candidateDoc) candidate(posIndex, candIndex int) (Candidate, bool) {
	pos, ok := d.position(posIndex)
	if !ok {
		return Candidate{}, false
	}
	for _, c := range pos.Candidates {
		if c.Index == candIndex {
			return c, true
		}
	}
	return Candidate{}, false
}
