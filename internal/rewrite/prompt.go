package rewrite

import (
	"strings"
)

// promptTemplate is the canonical rewrite prompt. The filled prompt is
// stored verbatim on the cycle row before the external call, so any change
// here changes the audit record format.
const promptTemplate = `You are a content editor improving a draft for clarity, usefulness and authenticity.

## ORIGINAL CONTENT

%ORIGINAL_CONTENT%

## REQUIRED FIXES

%REQUIRED_FIXES%

## STRICT PROHIBITIONS

- Do not invent facts, statistics, quotes or sources.
- Do not change the meaning or stance of the original.
- Do not add filler phrases, hype adjectives or hedging boilerplate.
- Do not mention that the text was rewritten or edited.
- Do not address the reader about these instructions.

## OUTPUT REQUIREMENTS

- Return ONLY the rewritten body text.
- Preserve factual claims exactly as given.
- Keep roughly the original length (within 20 percent).
- Use plain markdown: headings, short paragraphs, lists where they help.`

// fixRules maps trigger types to instruction lines. The table is fixed;
// prompt content varies only with the parent text and fired triggers.
var fixRules = map[string][]string{
	TriggerAEOTotalLow: {
		"Improve overall answer-engine readiness: direct answers, concrete facts, scannable structure.",
	},
	TriggerAEOPillarCritical: {
		"Move a direct answer to the core question into the first 120 words.",
		"Add a clear heading hierarchy and convert dense passages into bullet lists.",
	},
	TriggerAILikenessHigh: {
		"Vary sentence structure and length; break uniform rhythm.",
		"Replace generic claims with concrete, specific examples.",
	},
	TriggerAICategoryHigh: {
		"Remove stock AI phrasing, hedging and filler transitions.",
		"Write with a natural, human register: contractions and varied word choice are fine.",
	},
}

// BuildPrompt fills the canonical template deterministically. Fix lines
// follow trigger order with duplicates dropped.
func BuildPrompt(content string, triggers []Trigger) string {
	seen := make(map[string]struct{})
	var fixes []string
	for _, trigger := range triggers {
		for _, line := range fixRules[trigger.Type] {
			if _, dup := seen[line]; dup {
				continue
			}
			seen[line] = struct{}{}
			fixes = append(fixes, "- "+line)
		}
	}
	if len(fixes) == 0 {
		fixes = append(fixes, "- General quality pass: tighten wording, improve structure.")
	}

	prompt := strings.Replace(promptTemplate, "%ORIGINAL_CONTENT%", content, 1)
	prompt = strings.Replace(prompt, "%REQUIRED_FIXES%", strings.Join(fixes, "\n"), 1)
	return prompt
}
