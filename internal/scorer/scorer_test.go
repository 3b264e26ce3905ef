package scorer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/taxonomy"
)

func warningTipTaxonomy(t *testing.T, hitCap int) *taxonomy.Taxonomy {
	t.Helper()
	tax, err := taxonomy.New("test", hitCap, []taxonomy.Category{
		{Name: "warning", Weight: 3, Terms: []string{"watch out for", "red flag"}},
		{Name: "tip", Weight: 1, Terms: []string{"pro tip"}},
	})
	require.NoError(t, err)
	return tax
}

func TestScore_WarningAndTipScenario(t *testing.T) {
	tax := warningTipTaxonomy(t, 2)

	res := Score("Pro tip: watch out for this red flag", tax)

	assert.Equal(t, map[string]int{"warning": 2, "tip": 1}, res.CategoryHits)
	assert.Equal(t, 2, res.DistinctCategories)
	assert.Equal(t, 3, res.TotalHits)
	assert.InDelta(t, 7.0, res.Score, 1e-9)
	assert.Equal(t, []string{"warning", "tip"}, res.TopCategories)
}

func TestScore_CapAppliedPerCategory(t *testing.T) {
	tax := warningTipTaxonomy(t, 2)

	res := Score("Pro tip: watch out for this red flag", tax)
	capped := warningTipTaxonomy(t, 1)
	res1 := Score("Pro tip: watch out for this red flag", capped)

	assert.InDelta(t, 7.0, res.Score, 1e-9)
	assert.InDelta(t, 4.0, res1.Score, 1e-9) // 3*min(2,1) + 1*min(1,1)
	assert.Equal(t, 2, res1.CategoryHits["warning"], "hits are reported uncapped")
}

func TestScore_RepeatedKeywordDoesNotDominate(t *testing.T) {
	tax := warningTipTaxonomy(t, 3)

	atCap := Score(strings.Repeat("red flag. ", 3), tax)
	stuffed := Score(strings.Repeat("red flag. ", 1000), tax)

	assert.Equal(t, 1000, stuffed.CategoryHits["warning"])
	assert.LessOrEqual(t, stuffed.Score, atCap.Score)
	assert.InDelta(t, 9.0, stuffed.Score, 1e-9)
}

func TestScore_Deterministic(t *testing.T) {
	tax := taxonomy.Default(0)
	text := "In my experience the trick is to always double check backups, because a common mistake is trusting the dashboard. Pro tip: watch out for silent failures."

	first := Score(text, tax)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Score(text, tax))
	}

	again := taxonomy.Default(0)
	assert.Equal(t, tax.Version(), again.Version())
	assert.Equal(t, first, Score(text, again))
}

func TestScore_EmptyText(t *testing.T) {
	tax := taxonomy.Default(0)
	for _, text := range []string{"", "   ", "!!! ---"} {
		res := Score(text, tax)
		assert.Zero(t, res.Score)
		assert.Empty(t, res.CategoryHits)
		assert.Zero(t, res.DistinctCategories)
	}
}

func TestScore_NilTaxonomy(t *testing.T) {
	res := Score("pro tip", nil)
	assert.Zero(t, res.Score)
}

func TestScore_WordBoundaries(t *testing.T) {
	tax, err := taxonomy.New("b", 5, []taxonomy.Category{
		{Name: "tip", Weight: 1, Terms: []string{"tip", "hack"}},
	})
	require.NoError(t, err)

	assert.Zero(t, Score("multiple tiptoe shacks hackathon", tax).Score)
	assert.Equal(t, 3, Score("TIP: a quick hack, tip!", tax).CategoryHits["tip"])
}

func TestScore_CaseAndPunctuationInsensitive(t *testing.T) {
	tax, err := taxonomy.New("c", 5, []taxonomy.Category{
		{Name: "rule", Weight: 2, Terms: []string{"rule of thumb", "don't"}},
	})
	require.NoError(t, err)

	res := Score("RULE-OF-THUMB: Don’t skip this. Rule of  thumb again.", tax)
	assert.Equal(t, 3, res.CategoryHits["rule"])
}

func TestScore_LongerPhraseClaimsTokens(t *testing.T) {
	tax, err := taxonomy.New("l", 5, []taxonomy.Category{
		{Name: "tip", Weight: 1, Terms: []string{"tip", "pro tip"}},
	})
	require.NoError(t, err)

	res := Score("pro tip and another tip", tax)
	assert.Equal(t, 2, res.CategoryHits["tip"])
}

func TestScore_TieBreakByWeightThenOrder(t *testing.T) {
	tax, err := taxonomy.New("tie", 5, []taxonomy.Category{
		{Name: "first", Weight: 1, Terms: []string{"alpha"}},
		{Name: "heavy", Weight: 4, Terms: []string{"beta"}},
		{Name: "second", Weight: 1, Terms: []string{"gamma"}},
		{Name: "double", Weight: 0.5, Terms: []string{"delta"}},
	})
	require.NoError(t, err)

	res := Score("gamma alpha beta delta delta", tax)
	assert.Equal(t, []string{"double", "heavy", "first", "second"}, res.TopCategories)
}

func TestScoreItem_StampsVersion(t *testing.T) {
	tax := warningTipTaxonomy(t, 2)
	item := model.RawItem{Platform: "reddit", ExternalID: "t3_1", Text: "red flag"}

	si := ScoreItem(item, tax)
	assert.Equal(t, tax.Version(), si.TaxonomyVersion)
	assert.Equal(t, "t3_1", si.ExternalID)
	assert.InDelta(t, 3.0, si.Score, 1e-9)

	all := ScoreAll([]model.RawItem{item, {Platform: "reddit", ExternalID: "t3_2"}}, tax)
	require.Len(t, all, 2)
	assert.Zero(t, all[1].Score)
}
