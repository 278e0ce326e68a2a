package ailikeness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/content-quality/internal/core"
	"github.com/vitaliisemenov/content-quality/internal/scoring"
)

const aiText = `In today's fast-paced world, it's important to note that content marketing continues to evolve.
Furthermore, businesses must delve into the ever-changing needs of their audiences carefully.
Moreover, a well-planned strategy can unlock the potential of every channel effectively.
Additionally, generally speaking, results may vary depending on the industry context involved.
In conclusion, it's worth noting that success requires consistency, patience, and dedication always.
Ultimately, organizations should consult a professional before making major strategic decisions today.`

const humanText = `Look, I'll be honest - content marketing is messy. I think most of what you read about it is recycled fluff.

Last year we doubled our traffic. Not because of some genius strategy. We just wrote about the weird bugs we hit, and people liked it. Honestly, that's it.

Don't overthink this stuff. Write what you know. Skip the formulas.`

func TestScoreRejectsShortText(t *testing.T) {
	_, err := Score("only four tokens here")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Five tokens is the boundary and must succeed.
	result, err := Score("alpha beta gamma delta epsilon")
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestScoreRejectsEmptyText(t *testing.T) {
	_, err := Score("")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestScoreDeterministic(t *testing.T) {
	first, err := Score(aiText)
	require.NoError(t, err)
	second, err := Score(aiText)
	require.NoError(t, err)

	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.RawResponse.Subscores, second.RawResponse.Subscores)
	assert.Equal(t, first.RawResponse.Metadata, second.RawResponse.Metadata)
}

func TestTotalEqualsSubscoreSum(t *testing.T) {
	result, err := Score(aiText)
	require.NoError(t, err)

	var sum float64
	for _, sub := range result.RawResponse.Subscores {
		sum += sub.Score
	}
	assert.Equal(t, sum, result.RawResponse.TotalScore)
	assert.Equal(t, result.Score, result.RawResponse.TotalScore)
	assert.LessOrEqual(t, result.Score, 100.0)
	assert.GreaterOrEqual(t, result.Score, 0.0)
}

func TestSubscoresRespectCaps(t *testing.T) {
	result, err := Score(aiText)
	require.NoError(t, err)

	require.Len(t, result.RawResponse.Subscores, 6)
	var maxSum float64
	for id, sub := range result.RawResponse.Subscores {
		assert.Equal(t, CategoryMax(id), sub.MaxScore, "category %s", id)
		assert.LessOrEqual(t, sub.Score, sub.MaxScore, "category %s", id)
		assert.GreaterOrEqual(t, sub.Score, 0.0, "category %s", id)
		maxSum += sub.MaxScore
	}
	assert.Equal(t, 100.0, maxSum)
}

func TestAITextScoresHigherThanHumanText(t *testing.T) {
	ai, err := Score(aiText)
	require.NoError(t, err)
	human, err := Score(humanText)
	require.NoError(t, err)

	assert.Greater(t, ai.Score, human.Score)
}

func TestEvidenceIsPresent(t *testing.T) {
	result, err := Score(aiText)
	require.NoError(t, err)

	for id, sub := range result.RawResponse.Subscores {
		assert.NotEmpty(t, sub.Evidence, "category %s must carry evidence", id)
		assert.NotEmpty(t, sub.Explanation, "category %s must carry an explanation", id)
	}
}

func TestGenericLanguageFindsKnownPhrases(t *testing.T) {
	result, err := Score(aiText)
	require.NoError(t, err)

	generic := result.RawResponse.Subscores[CategoryGenericLang]
	assert.Greater(t, generic.Score, 0.0)
	joined := strings.Join(generic.Evidence, " ")
	assert.Contains(t, joined, "delve into")
}

func TestVersionIdentifiers(t *testing.T) {
	result, err := Score(aiText)
	require.NoError(t, err)

	assert.Equal(t, "rubric_v1.0.0", result.ModelVersion)
	assert.Equal(t, "1.0.0", result.RawResponse.RubricVersion)
	assert.False(t, result.Timestamp.IsZero())
}

func TestMetadataCounts(t *testing.T) {
	result, err := Score(humanText)
	require.NoError(t, err)

	assert.Equal(t, len(humanText), result.RawResponse.Metadata.TextLength)
	assert.Greater(t, result.RawResponse.Metadata.WordCount, 0)
}

func TestCategoryOrderIsStable(t *testing.T) {
	order := CategoryOrder()
	require.Len(t, order, 6)
	assert.Equal(t, CategoryPredictability, order[0])
	assert.Equal(t, CategoryOverPolish, order[5])
}

func TestDetectorAdapter(t *testing.T) {
	detector := NewDetector()
	assert.Equal(t, ScorerID, detector.ID())
	assert.Equal(t, ModelVersion, detector.Version())

	result, err := detector.Score(context.Background(), aiText)
	require.NoError(t, err)
	assert.Equal(t, scoring.KindDetector, result.Kind)
	assert.Equal(t, ScorerID, result.Provider)
	assert.Equal(t, "1.0.0", result.Raw["rubric_version"])
	assert.Contains(t, result.Raw, "subscores")

	_, err = detector.Score(context.Background(), "too short here")
	assert.True(t, core.IsKind(err, core.KindValidation))
}
