// Package ailikeness implements the deterministic AI-likeness rubric.
//
// The scorer is a pure function: no randomness, no I/O, no logging. The same
// input text produces an identical result aside from the generated timestamp.
// Every threshold below is a literal constant frozen under rubric version
// 1.0.0; changing any of them requires bumping the version string.
package ailikeness

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring/textutil"
)

const (
	// RubricVersion is emitted inside raw_response.
	RubricVersion = "1.0.0"
	// ModelVersion is the external identifier of this scorer.
	ModelVersion = "rubric_v1.0.0"

	// MinTokens is the smallest input the rubric accepts.
	MinTokens = 5
)

// Category identifiers, in rubric order.
const (
	CategoryPredictability = "predictability_entropy"
	CategoryUniformity     = "sentence_paragraph_uniformity"
	CategoryGenericLang    = "generic_language_cliches"
	CategoryTemplate       = "structural_template_signals"
	CategoryFriction       = "lack_of_human_friction"
	CategoryOverPolish     = "over_polish_safety_tone"
)

// categoryOrder fixes subscore enumeration for stable output.
var categoryOrder = []string{
	CategoryPredictability,
	CategoryUniformity,
	CategoryGenericLang,
	CategoryTemplate,
	CategoryFriction,
	CategoryOverPolish,
}

// Subscore is one category result with concrete textual evidence.
type Subscore struct {
	Score       float64  `json:"score"`
	MaxScore    float64  `json:"max_score"`
	Percentage  float64  `json:"percentage"`
	Explanation string   `json:"explanation"`
	Evidence    []string `json:"evidence"`
}

// Metadata carries input statistics.
type Metadata struct {
	TextLength int `json:"text_length"`
	WordCount  int `json:"word_count"`
}

// RawResponse is the full structured rubric output.
type RawResponse struct {
	RubricVersion string              `json:"rubric_version"`
	TotalScore    float64             `json:"total_score"`
	Subscores     map[string]Subscore `json:"subscores"`
	Metadata      Metadata            `json:"metadata"`
}

// Result is the scorer output. Score is in [0,100]; higher means more
// AI-like.
type Result struct {
	ModelVersion string      `json:"model_version"`
	Timestamp    time.Time   `json:"timestamp"`
	Score        float64     `json:"score"`
	RawResponse  RawResponse `json:"raw_response"`
}

// Known AI phrases and stock transitions. Adverbial transitions are counted
// both here and in the template-signal category; the dual counting is
// intentional and part of the rubric.
var aiPhrases = []string{
	"delve into",
	"in today's fast-paced world",
	"it's important to note",
	"it is important to note",
	"in the ever-evolving landscape",
	"unlock the potential",
	"harness the power",
	"navigate the complexities",
	"a testament to",
	"game-changer",
	"seamlessly integrate",
	"elevate your",
	"embark on a journey",
	"in the realm of",
	"at the end of the day",
	"take your skills to the next level",
	"revolutionize the way",
	"dive deep into",
	"treasure trove",
	"whether you're a beginner or",
}

var transitionPhrases = []string{
	"furthermore",
	"moreover",
	"additionally",
	"in conclusion",
	"in summary",
	"consequently",
	"ultimately",
	"nevertheless",
}

var hedgingPhrases = []string{
	"it's worth noting",
	"it is worth noting",
	"generally speaking",
	"in many cases",
	"results may vary",
	"may depend on",
	"tends to",
	"can potentially",
	"it could be argued",
	"more often than not",
}

var disclaimerPhrases = []string{
	"consult a professional",
	"always consult",
	"this is not advice",
	"this article is for informational purposes",
	"seek professional guidance",
	"disclaimer",
}

var informalMarkers = []string{
	"honestly",
	"frankly",
	"i think",
	"i guess",
	"i mean",
	"kinda",
	"sorta",
	"you know",
	"stuff",
	"tbh",
	"btw",
	"lol",
	"anyway",
}

var formulaicOpenings = []string{
	"in today's",
	"in the world of",
	"in an era",
	"have you ever",
	"imagine a world",
	"in this article",
	"in this guide",
	"whether you're",
	"when it comes to",
}

var (
	contractionRe  = regexp.MustCompile(`\b\w+'(s|t|re|ve|ll|d|m)\b`)
	adverbRe       = regexp.MustCompile(`\b[A-Za-z]{3,}ly\b`)
	numberedLineRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`)
)

// Score evaluates text against rubric v1.0.0.
func Score(text string) (*Result, error) {
	tokens := textutil.Tokens(text)
	if len(tokens) < MinTokens {
		return nil, core.NewError(core.KindValidation, "ailikeness.score",
			fmt.Sprintf("text must contain at least %d tokens, got %d", MinTokens, len(tokens)))
	}

	words := textutil.Words(text)
	sentences := textutil.Sentences(text)
	paragraphs := textutil.Paragraphs(text)

	subscores := map[string]Subscore{
		CategoryPredictability: scorePredictability(words),
		CategoryUniformity:     scoreUniformity(sentences, paragraphs),
		CategoryGenericLang:    scoreGenericLanguage(text, words),
		CategoryTemplate:       scoreTemplateSignals(text, sentences, words),
		CategoryFriction:       scoreHumanFriction(text, sentences, words),
		CategoryOverPolish:     scoreOverPolish(text),
	}

	var total float64
	for _, id := range categoryOrder {
		total += subscores[id].Score
	}
	if total > 100 {
		return nil, core.NewError(core.KindInternal, "ailikeness.score",
			fmt.Sprintf("total_score %.2f exceeds 100: scoring logic bug", total))
	}

	return &Result{
		ModelVersion: ModelVersion,
		Timestamp:    time.Now().UTC(),
		Score:        total,
		RawResponse: RawResponse{
			RubricVersion: RubricVersion,
			TotalScore:    total,
			Subscores:     subscores,
			Metadata: Metadata{
				TextLength: len(text),
				WordCount:  len(words),
			},
		},
	}, nil
}

// CategoryOrder returns the fixed category enumeration order.
func CategoryOrder() []string {
	order := make([]string, len(categoryOrder))
	copy(order, categoryOrder)
	return order
}

// categoryMaxes mirrors the MaxScore each category function sets.
var categoryMaxes = map[string]float64{
	CategoryPredictability: 25,
	CategoryUniformity:     20,
	CategoryGenericLang:    20,
	CategoryTemplate:       15,
	CategoryFriction:       10,
	CategoryOverPolish:     10,
}

// CategoryMax returns the cap of a category, or 0 for unknown ids.
func CategoryMax(id string) float64 {
	return categoryMaxes[id]
}

// scorePredictability covers lexical diversity (10), word-length stddev (8)
// and most-frequent-word ratio (7). Max 25.
func scorePredictability(words []string) Subscore {
	sub := Subscore{MaxScore: 25, Explanation: "Low lexical diversity, uniform word lengths and heavy word repetition are machine-text markers."}

	if len(words) == 0 {
		sub.Evidence = append(sub.Evidence, "no alphabetic words found")
		return finish(sub)
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	diversity := float64(len(unique)) / float64(len(words))
	switch {
	case diversity < 0.35:
		sub.Score += 10
	case diversity < 0.45:
		sub.Score += 7
	case diversity < 0.55:
		sub.Score += 4
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("lexical diversity %.3f (%d unique / %d words)", diversity, len(unique), len(words)))

	stddev := textutil.StdDev(textutil.WordLengths(words))
	switch {
	case stddev < 1.5:
		sub.Score += 8
	case stddev < 2.0:
		sub.Score += 5
	case stddev < 2.5:
		sub.Score += 2
	}
	sub.Evidence = append(sub.Evidence, fmt.Sprintf("word-length stddev %.2f", stddev))

	top, count := textutil.MostFrequentWord(words)
	ratio := float64(count) / float64(len(words))
	switch {
	case ratio > 0.08:
		sub.Score += 7
	case ratio > 0.06:
		sub.Score += 4
	case ratio > 0.045:
		sub.Score += 2
	}
	sub.Evidence = append(sub.Evidence, fmt.Sprintf("most repeated: %q (%dx, ratio %.3f)", top, count, ratio))

	return finish(sub)
}

// scoreUniformity covers sentence-length CV (12) and paragraph-length CV (8).
// Max 20.
func scoreUniformity(sentences, paragraphs []string) Subscore {
	sub := Subscore{MaxScore: 20, Explanation: "Humans vary sentence and paragraph lengths; generated text is suspiciously even."}

	sentenceCounts := textutil.SentenceWordCounts(sentences)
	if len(sentenceCounts) >= 3 {
		cv := textutil.CV(sentenceCounts)
		switch {
		case cv < 0.25:
			sub.Score += 12
		case cv < 0.40:
			sub.Score += 8
		case cv < 0.55:
			sub.Score += 4
		}
		sub.Evidence = append(sub.Evidence,
			fmt.Sprintf("sentence-length CV %.2f across %d sentences", cv, len(sentences)))
	} else {
		sub.Evidence = append(sub.Evidence,
			fmt.Sprintf("only %d sentences; uniformity not assessed", len(sentences)))
	}

	if len(paragraphs) >= 3 {
		lengths := make([]float64, 0, len(paragraphs))
		for _, p := range paragraphs {
			lengths = append(lengths, float64(len(textutil.Tokens(p))))
		}
		cv := textutil.CV(lengths)
		switch {
		case cv < 0.30:
			sub.Score += 8
		case cv < 0.50:
			sub.Score += 4
		}
		sub.Evidence = append(sub.Evidence,
			fmt.Sprintf("paragraph-length CV %.2f across %d paragraphs", cv, len(paragraphs)))
	} else {
		sub.Evidence = append(sub.Evidence,
			fmt.Sprintf("only %d paragraphs; uniformity not assessed", len(paragraphs)))
	}

	return finish(sub)
}

// scoreGenericLanguage covers known AI phrases (15) and adverb ratio (5).
// Max 20.
func scoreGenericLanguage(text string, words []string) Subscore {
	sub := Subscore{MaxScore: 20, Explanation: "Stock AI phrasing and adverb-heavy prose signal generated content."}

	phraseCount, matched := textutil.CountPhrases(text, aiPhrases)
	switch {
	case phraseCount >= 6:
		sub.Score += 15
	case phraseCount >= 4:
		sub.Score += 11
	case phraseCount >= 2:
		sub.Score += 7
	case phraseCount >= 1:
		sub.Score += 3
	}
	if len(matched) > 3 {
		matched = matched[:3]
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("%d known AI phrases, first: %s", phraseCount, strings.Join(matched, "; ")))

	adverbs := adverbRe.FindAllString(text, -1)
	ratio := 0.0
	if len(words) > 0 {
		ratio = float64(len(adverbs)) / float64(len(words))
	}
	switch {
	case ratio > 0.040:
		sub.Score += 5
	case ratio > 0.025:
		sub.Score += 3
	case ratio > 0.015:
		sub.Score += 1
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("adverb ratio %.3f (%d adverbs / %d words)", ratio, len(adverbs), len(words)))

	return finish(sub)
}

// scoreTemplateSignals covers formulaic openings (8), numbered-list density
// (4) and transition phrases (3). Max 15.
func scoreTemplateSignals(text string, sentences []string, words []string) Subscore {
	sub := Subscore{MaxScore: 15, Explanation: "Template openings, numbered scaffolding and stock transitions follow generation patterns."}

	if len(sentences) > 0 {
		opening := strings.ToLower(sentences[0])
		matched := ""
		for _, pattern := range formulaicOpenings {
			if strings.HasPrefix(opening, pattern) {
				matched = pattern
				break
			}
		}
		if matched != "" {
			sub.Score += 8
			sub.Evidence = append(sub.Evidence, fmt.Sprintf("formulaic opening: %q", matched))
		} else {
			sub.Evidence = append(sub.Evidence, "opening sentence is not formulaic")
		}
	}

	numbered := len(numberedLineRe.FindAllString(text, -1))
	density := 0.0
	if len(words) > 0 {
		density = float64(numbered) / float64(len(words)) * 100
	}
	switch {
	case density > 2.0:
		sub.Score += 4
	case density > 1.0:
		sub.Score += 2
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("%d numbered list lines (%.2f per 100 words)", numbered, density))

	transitionCount := 0
	var firstTransitions []string
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, t := range transitionPhrases {
			if strings.HasPrefix(lower, t) {
				transitionCount++
				if len(firstTransitions) < 3 {
					firstTransitions = append(firstTransitions, t)
				}
				break
			}
		}
	}
	switch {
	case transitionCount >= 4:
		sub.Score += 3
	case transitionCount >= 2:
		sub.Score += 2
	case transitionCount >= 1:
		sub.Score += 1
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("%d sentences open with transitions: %s", transitionCount, strings.Join(firstTransitions, "; ")))

	return finish(sub)
}

// scoreHumanFriction covers perfect capitalization (4), contraction absence
// (3) and informal-marker absence (3). Max 10.
func scoreHumanFriction(text string, sentences []string, words []string) Subscore {
	sub := Subscore{MaxScore: 10, Explanation: "Real writing carries friction: casing slips, contractions, informal asides."}

	if len(sentences) >= 5 {
		allUpper := true
		for _, s := range sentences {
			if !textutil.StartsUpper(s) {
				allUpper = false
				break
			}
		}
		if allUpper {
			sub.Score += 4
			sub.Evidence = append(sub.Evidence,
				fmt.Sprintf("all %d sentences start perfectly capitalized", len(sentences)))
		} else {
			sub.Evidence = append(sub.Evidence, "capitalization is imperfect")
		}
	} else {
		sub.Evidence = append(sub.Evidence, "too few sentences to assess capitalization")
	}

	contractions := contractionRe.FindAllString(text, -1)
	if len(contractions) == 0 && len(words) >= 100 {
		sub.Score += 3
		sub.Evidence = append(sub.Evidence, "no contractions in 100+ words")
	} else {
		sub.Evidence = append(sub.Evidence, fmt.Sprintf("%d contractions found", len(contractions)))
	}

	markerCount, markers := textutil.CountPhrases(text, informalMarkers)
	if markerCount == 0 && len(words) >= 100 {
		sub.Score += 3
		sub.Evidence = append(sub.Evidence, "no informal markers in 100+ words")
	} else {
		if len(markers) > 3 {
			markers = markers[:3]
		}
		sub.Evidence = append(sub.Evidence,
			fmt.Sprintf("%d informal markers: %s", markerCount, strings.Join(markers, "; ")))
	}

	return finish(sub)
}

// scoreOverPolish covers hedging phrases (7) and disclaimers (3). Max 10.
func scoreOverPolish(text string) Subscore {
	sub := Subscore{MaxScore: 10, Explanation: "Hedged, liability-averse prose is the default register of generated text."}

	hedgeCount, hedges := textutil.CountPhrases(text, hedgingPhrases)
	switch {
	case hedgeCount >= 5:
		sub.Score += 7
	case hedgeCount >= 3:
		sub.Score += 5
	case hedgeCount >= 1:
		sub.Score += 2
	}
	if len(hedges) > 3 {
		hedges = hedges[:3]
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("%d hedging phrases, first: %s", hedgeCount, strings.Join(hedges, "; ")))

	disclaimerCount, disclaimers := textutil.CountPhrases(text, disclaimerPhrases)
	switch {
	case disclaimerCount >= 2:
		sub.Score += 3
	case disclaimerCount >= 1:
		sub.Score += 2
	}
	if len(disclaimers) > 2 {
		disclaimers = disclaimers[:2]
	}
	sub.Evidence = append(sub.Evidence,
		fmt.Sprintf("%d disclaimers: %s", disclaimerCount, strings.Join(disclaimers, "; ")))

	return finish(sub)
}

func finish(sub Subscore) Subscore {
	if sub.MaxScore > 0 {
		sub.Percentage = textutil.Round2(sub.Score / sub.MaxScore * 100)
	}
	return sub
}
