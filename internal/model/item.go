// Package model holds the data types shared by the harvest, scoring,
// filtering and transformation stages.
package model

import (
	"strings"
	"time"
)

// RawItem is a piece of candidate content returned by a platform adapter.
// Global identity is (Platform, ExternalID).
type RawItem struct {
	Platform   string            `json:"platform"`
	ExternalID string            `json:"external_id"`
	Text       string            `json:"text"`
	Author     string            `json:"author,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Key returns the globally unique item identifier "<platform>/<external_id>".
func (r RawItem) Key() string {
	return ItemKey(r.Platform, r.ExternalID)
}

// ItemKey builds the global identifier for a platform item.
func ItemKey(platform, externalID string) string {
	return strings.ToLower(platform) + "/" + externalID
}

// Meta returns a metadata value, or "" when absent.
func (r RawItem) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// ScoredItem is a RawItem annotated with keyword-taxonomy hits.
type ScoredItem struct {
	RawItem
	CategoryHits       map[string]int `json:"category_hits"`
	DistinctCategories int            `json:"distinct_categories"`
	TotalHits          int            `json:"total_hits"`
	TopCategories      []string       `json:"top_categories,omitempty"`
	Score              float64        `json:"score"`
	TaxonomyVersion    string         `json:"taxonomy_version"`
}

// Decision is the quality filter verdict for a scored item.
type Decision struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason,omitempty"`
}

// FilteredItem is a ScoredItem together with the filter decision and the
// threshold in force when it was made.
type FilteredItem struct {
	ScoredItem
	Decision   Decision  `json:"decision"`
	Threshold  float64   `json:"threshold"`
	FilteredAt time.Time `json:"filtered_at"`
}
