// Package aeo implements the deterministic Answer-Engine-Optimization rubric.
//
// Pure function: identical content always yields an identical total. Pillar
// weights sum to exactly 100 and are frozen under rubric version 1.0.0.
package aeo

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring/textutil"
)

// RubricVersion identifies this rubric in the external contract.
const RubricVersion = "1.0.0"

// Pillar identifiers, in rubric order.
const (
	PillarAnswerability = "answerability_intent_match"
	PillarStructure     = "structural_extractability"
	PillarSpecificity   = "specificity_factual_density"
	PillarTrust         = "trust_authority"
	PillarCoverage      = "query_coverage_breadth"
	PillarFreshness     = "freshness"
	PillarReadability   = "machine_readability"
)

var pillarOrder = []string{
	PillarAnswerability,
	PillarStructure,
	PillarSpecificity,
	PillarTrust,
	PillarCoverage,
	PillarFreshness,
	PillarReadability,
}

// pillarMax fixes each pillar's weight. The sum is verified at init.
var pillarMax = map[string]float64{
	PillarAnswerability: 25,
	PillarStructure:     20,
	PillarSpecificity:   20,
	PillarTrust:         15,
	PillarCoverage:      10,
	PillarFreshness:     5,
	PillarReadability:   5,
}

func init() {
	var sum float64
	for _, max := range pillarMax {
		sum += max
	}
	if sum != 100 {
		panic(fmt.Sprintf("aeo pillar weights sum to %.2f, want 100", sum))
	}
}

// PillarScore is one pillar result with its reasons.
type PillarScore struct {
	Score    float64  `json:"score"`
	MaxScore float64  `json:"max_score"`
	Reasons  []string `json:"reasons"`
}

// Result is the full AEO rubric output. TotalScore carries two decimals.
type Result struct {
	TotalScore    float64                `json:"total_score"`
	RubricVersion string                 `json:"rubric_version"`
	Pillars       map[string]PillarScore `json:"pillars"`
}

var (
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+\S`)
	bulletRe     = regexp.MustCompile(`(?m)^\s*[-*+]\s+\S`)
	numberedRe   = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+\S`)
	tableRowRe   = regexp.MustCompile(`(?m)^\s*\|.+\|\s*$`)
	linkRe       = regexp.MustCompile(`\[[^\]]+\]\(https?://[^)]+\)|https?://\S+`)
	numberRe     = regexp.MustCompile(`\b\d+(?:[.,]\d+)?%?\b`)
	yearRe       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	entityRe     = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
	definitionRe = regexp.MustCompile(`(?i)\b(is|are|means|refers to|stands for)\b`)
)

var fluffPhrases = []string{
	"world-class",
	"cutting-edge",
	"best-in-class",
	"state-of-the-art",
	"industry-leading",
	"unparalleled",
	"revolutionary",
	"next-level",
}

// Score evaluates content against AEO rubric v1.0.0.
func Score(content string) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, core.NewError(core.KindValidation, "aeo.score", "content cannot be empty")
	}

	words := textutil.Words(content)
	sentences := textutil.Sentences(content)

	pillars := map[string]PillarScore{
		PillarAnswerability: scoreAnswerability(content, sentences),
		PillarStructure:     scoreStructure(content, words),
		PillarSpecificity:   scoreSpecificity(content, words),
		PillarTrust:         scoreTrust(content),
		PillarCoverage:      scoreCoverage(content, words),
		PillarFreshness:     scoreFreshness(content),
		PillarReadability:   scoreReadability(sentences),
	}

	var total float64
	for _, id := range pillarOrder {
		total += pillars[id].Score
	}

	return &Result{
		TotalScore:    textutil.Round2(total),
		RubricVersion: RubricVersion,
		Pillars:       pillars,
	}, nil
}

// PillarOrder returns the fixed pillar enumeration order.
func PillarOrder() []string {
	order := make([]string, len(pillarOrder))
	copy(order, pillarOrder)
	return order
}

// scoreAnswerability: core answer within the first 120 words (15) plus clear
// subject detection (10).
func scoreAnswerability(content string, sentences []string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarAnswerability]}

	tokens := textutil.Tokens(content)
	window := tokens
	if len(window) > 120 {
		window = window[:120]
	}
	opening := strings.Join(window, " ")

	definitional := definitionRe.MatchString(opening)
	if definitional {
		p.Score += 15
		p.Reasons = append(p.Reasons, "direct answer appears within the first 120 words")
	} else {
		p.Reasons = append(p.Reasons, "no direct answer in the first 120 words")
	}

	if len(sentences) > 0 {
		first := sentences[0]
		firstLen := len(textutil.Tokens(first))
		if firstLen <= 30 && definitionRe.MatchString(first) {
			p.Score += 10
			p.Reasons = append(p.Reasons, fmt.Sprintf("clear subject stated in opening sentence (%d words)", firstLen))
		} else {
			p.Reasons = append(p.Reasons, "opening sentence does not state a clear subject")
		}
	}

	return p
}

// scoreStructure: heading hierarchy (10) plus list/table density (10).
func scoreStructure(content string, words []string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarStructure]}

	headings := headingRe.FindAllStringSubmatch(content, -1)
	h1, h2plus := 0, 0
	for _, h := range headings {
		if len(h[1]) == 1 {
			h1++
		} else {
			h2plus++
		}
	}
	switch {
	case h1 >= 1 && h2plus >= 2:
		p.Score += 10
		p.Reasons = append(p.Reasons, fmt.Sprintf("heading hierarchy present (%d top-level, %d nested)", h1, h2plus))
	case len(headings) >= 2:
		p.Score += 6
		p.Reasons = append(p.Reasons, fmt.Sprintf("%d headings without full hierarchy", len(headings)))
	case len(headings) == 1:
		p.Score += 3
		p.Reasons = append(p.Reasons, "single heading only")
	default:
		p.Reasons = append(p.Reasons, "no headings found")
	}

	structured := len(bulletRe.FindAllString(content, -1)) +
		len(numberedRe.FindAllString(content, -1)) +
		len(tableRowRe.FindAllString(content, -1))
	density := 0.0
	if len(words) > 0 {
		density = float64(structured) / float64(len(words)) * 100
	}
	switch {
	case density >= 3.0:
		p.Score += 10
	case density >= 1.5:
		p.Score += 6
	case density >= 0.5:
		p.Score += 3
	}
	p.Reasons = append(p.Reasons,
		fmt.Sprintf("%d list/table lines (%.2f per 100 words)", structured, density))

	return p
}

// scoreSpecificity: numeric facts (10) plus entity clusters (10).
func scoreSpecificity(content string, words []string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarSpecificity]}

	numbers := len(numberRe.FindAllString(content, -1))
	numDensity := 0.0
	if len(words) > 0 {
		numDensity = float64(numbers) / float64(len(words)) * 100
	}
	switch {
	case numDensity >= 2.0:
		p.Score += 10
	case numDensity >= 1.0:
		p.Score += 6
	case numDensity >= 0.4:
		p.Score += 3
	}
	p.Reasons = append(p.Reasons, fmt.Sprintf("%d numeric facts (%.2f per 100 words)", numbers, numDensity))

	entities := entityRe.FindAllString(content, -1)
	uniqueEntities := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		uniqueEntities[e] = struct{}{}
	}
	switch {
	case len(uniqueEntities) >= 8:
		p.Score += 10
	case len(uniqueEntities) >= 4:
		p.Score += 6
	case len(uniqueEntities) >= 2:
		p.Score += 3
	}
	p.Reasons = append(p.Reasons, fmt.Sprintf("%d distinct named-entity clusters", len(uniqueEntities)))

	return p
}

// scoreTrust: outbound citations (10) minus fluff phrases (up to 5).
func scoreTrust(content string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarTrust]}

	citations := len(linkRe.FindAllString(content, -1))
	switch {
	case citations >= 3:
		p.Score += 10
	case citations == 2:
		p.Score += 7
	case citations == 1:
		p.Score += 4
	}
	p.Reasons = append(p.Reasons, fmt.Sprintf("%d outbound citations", citations))

	fluffCount, fluff := textutil.CountPhrases(content, fluffPhrases)
	penaltyFree := 5.0 - float64(fluffCount)
	if penaltyFree < 0 {
		penaltyFree = 0
	}
	p.Score += penaltyFree
	if len(fluff) > 3 {
		fluff = fluff[:3]
	}
	p.Reasons = append(p.Reasons,
		fmt.Sprintf("%d fluff phrases (%s)", fluffCount, strings.Join(fluff, "; ")))

	return p
}

// scoreCoverage: depth proxy by structured length.
func scoreCoverage(content string, words []string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarCoverage]}

	sections := len(headingRe.FindAllString(content, -1))
	switch {
	case len(words) >= 1200 && sections >= 5:
		p.Score += 10
	case len(words) >= 700 && sections >= 3:
		p.Score += 6
	case len(words) >= 300:
		p.Score += 3
	}
	p.Reasons = append(p.Reasons,
		fmt.Sprintf("%d words across %d sections", len(words), sections))

	return p
}

// scoreFreshness: explicit year mentions between 1900 and 2099.
func scoreFreshness(content string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarFreshness]}

	years := yearRe.FindAllString(content, -1)
	switch {
	case len(years) >= 2:
		p.Score += 5
	case len(years) == 1:
		p.Score += 3
	}
	p.Reasons = append(p.Reasons, fmt.Sprintf("%d explicit year mentions", len(years)))

	return p
}

// scoreReadability: mean sentence length in the 10-20 word band.
func scoreReadability(sentences []string) PillarScore {
	p := PillarScore{MaxScore: pillarMax[PillarReadability]}

	mean := textutil.Mean(textutil.SentenceWordCounts(sentences))
	switch {
	case mean >= 10 && mean <= 20:
		p.Score += 5
	case mean >= 8 && mean <= 25:
		p.Score += 2
	}
	p.Reasons = append(p.Reasons, fmt.Sprintf("mean sentence length %.1f words", mean))

	return p
}
