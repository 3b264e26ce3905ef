// Package scorer computes keyword-taxonomy relevance scores for harvested
// text. Scoring is a pure function of (text, taxonomy version).
package scorer

import (
	"cmp"
	"slices"

	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/internal/taxonomy"
)

// Result is the outcome of scoring one text.
type Result struct {
	CategoryHits       map[string]int `json:"category_hits"`
	DistinctCategories int            `json:"distinct_categories"`
	TotalHits          int            `json:"total_hits"`
	// TopCategories lists matched categories strongest first: hit count
	// descending, then weight descending, then taxonomy order.
	TopCategories []string `json:"top_categories,omitempty"`
	Score         float64  `json:"score"`
}

// Score matches text against every category of tax and combines the hits as
// sum(weight * min(hits, cap)). It never fails; empty text scores 0.
func Score(text string, tax *taxonomy.Taxonomy) Result {
	res := Result{CategoryHits: map[string]int{}}
	if tax == nil {
		return res
	}
	toks := taxonomy.Tokens(text)
	if len(toks) == 0 {
		return res
	}

	cats := tax.Categories()
	hits := make([]int, len(cats))
	used := make([]bool, len(toks))
	for i, c := range cats {
		clear(used)
		hits[i] = countCategory(toks, c.Phrases, used)
	}

	for i, c := range cats {
		if hits[i] == 0 {
			continue
		}
		res.CategoryHits[c.Name] = hits[i]
		res.DistinctCategories++
		res.TotalHits += hits[i]
		res.Score += c.Weight * float64(min(hits[i], c.Cap))
	}
	res.TopCategories = rank(cats, hits)
	return res
}

// countCategory counts non-overlapping phrase occurrences. Phrases arrive
// longest first, so a token span claimed by "pro tip" is not counted again
// for "tip" within the same category.
func countCategory(toks []string, phrases []taxonomy.Phrase, used []bool) int {
	n := 0
	for _, p := range phrases {
		plen := len(p.Tokens)
		for start := 0; start+plen <= len(toks); start++ {
			if !matchAt(toks, start, p.Tokens, used) {
				continue
			}
			for k := start; k < start+plen; k++ {
				used[k] = true
			}
			n++
			start += plen - 1
		}
	}
	return n
}

func matchAt(toks []string, start int, phrase []string, used []bool) bool {
	for k, want := range phrase {
		if used[start+k] || toks[start+k] != want {
			return false
		}
	}
	return true
}

// rank orders matched categories by hits, weight, then taxonomy order.
func rank(cats []taxonomy.CompiledCategory, hits []int) []string {
	idx := make([]int, 0, len(cats))
	for i := range cats {
		if hits[i] > 0 {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Or(
			cmp.Compare(hits[b], hits[a]),
			cmp.Compare(cats[b].Weight, cats[a].Weight),
			cmp.Compare(cats[a].Index, cats[b].Index),
		)
	})
	out := make([]string, len(idx))
	for i, k := range idx {
		out[i] = cats[k].Name
	}
	return out
}

// ScoreItem scores a raw item and stamps the taxonomy version on the result.
func ScoreItem(item model.RawItem, tax *taxonomy.Taxonomy) model.ScoredItem {
	r := Score(item.Text, tax)
	si := model.ScoredItem{
		RawItem:            item,
		CategoryHits:       r.CategoryHits,
		DistinctCategories: r.DistinctCategories,
		TotalHits:          r.TotalHits,
		TopCategories:      r.TopCategories,
		Score:              r.Score,
	}
	if tax != nil {
		si.TaxonomyVersion = tax.Version()
	}
	return si
}

// ScoreAll scores items in order.
func ScoreAll(items []model.RawItem, tax *taxonomy.Taxonomy) []model.ScoredItem {
	out := make([]model.ScoredItem, len(items))
	for i, it := range items {
		out[i] = ScoreItem(it, tax)
	}
	return out
}
