package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// InsightType is the form of a wisdom insight.
type InsightType string

const (
	TypePattern       InsightType = "pattern"
	TypeWarning       InsightType = "warning"
	TypeRuleOfThumb   InsightType = "rule-of-thumb"
	TypeCue           InsightType = "cue"
	TypeWorkaround    InsightType = "workaround"
	TypeChecklistItem InsightType = "checklist item"
)

// ValidInsightTypes lists the accepted insight forms.
var ValidInsightTypes = []InsightType{
	TypePattern, TypeWarning, TypeRuleOfThumb, TypeCue, TypeWorkaround, TypeChecklistItem,
}

// ValidEvidence lists the accepted evidence-strength labels.
var ValidEvidence = []string{"Anecdotal", "Observed", "Data-backed", "Peer-validated"}

// MaxUseCaseWords bounds the length of WisdomInsight.UseCase.
const MaxUseCaseWords = 6

// WisdomInsight is the structured record produced by the transformation
// step. Field order matches the wisdom tier column schema.
type WisdomInsight struct {
	Description          string `json:"description" csv:"description"`
	Rationale            string `json:"rationale" csv:"rationale"`
	UseCase              string `json:"use_case" csv:"use_case"`
	ImpactArea           string `json:"impact_area" csv:"impact_area"`
	TransferabilityScore int    `json:"transferability_score" csv:"transferability_score"`
	ActionabilityRating  int    `json:"actionability_rating" csv:"actionability_rating"`
	EvidenceStrength     string `json:"evidence_strength" csv:"evidence_strength"`
	Type                 string `json:"type" csv:"type"`
	Tag                  string `json:"tag" csv:"tag"`
	Source               string `json:"source" csv:"source"`
	Link                 string `json:"link" csv:"link"`
	Notes                string `json:"notes" csv:"notes"`
}

// WisdomColumns is the fixed column schema of the wisdom tier.
var WisdomColumns = []string{
	"description", "rationale", "use_case", "impact_area",
	"transferability_score", "actionability_rating", "evidence_strength",
	"type", "tag", "source", "link", "notes",
}

// Validate checks the insight against the wisdom tier constraints. It
// normalizes case on Type and EvidenceStrength in place.
func (w *WisdomInsight) Validate() error {
	var problems []string

	if strings.TrimSpace(w.Description) == "" {
		problems = append(problems, "description is empty")
	}
	if w.TransferabilityScore < 1 || w.TransferabilityScore > 5 {
		problems = append(problems, fmt.Sprintf("transferability_score %d outside 1-5", w.TransferabilityScore))
	}
	if w.ActionabilityRating < 1 || w.ActionabilityRating > 5 {
		problems = append(problems, fmt.Sprintf("actionability_rating %d outside 1-5", w.ActionabilityRating))
	}
	if n := len(strings.Fields(w.UseCase)); n > MaxUseCaseWords {
		problems = append(problems, fmt.Sprintf("use_case has %d words, max %d", n, MaxUseCaseWords))
	}

	typ := strings.ToLower(strings.TrimSpace(w.Type))
	okType := false
	for _, t := range ValidInsightTypes {
		if typ == string(t) {
			okType = true
			break
		}
	}
	if !okType {
		problems = append(problems, fmt.Sprintf("type %q not recognized", w.Type))
	} else {
		w.Type = typ
	}

	okEvidence := false
	for _, e := range ValidEvidence {
		if strings.EqualFold(strings.TrimSpace(w.EvidenceStrength), e) {
			w.EvidenceStrength = e
			okEvidence = true
			break
		}
	}
	if !okEvidence {
		problems = append(problems, fmt.Sprintf("evidence_strength %q not recognized", w.EvidenceStrength))
	}

	if len(problems) > 0 {
		return eris.Errorf("invalid insight: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WisdomRecord is a persisted insight together with the item it came from.
type WisdomRecord struct {
	ItemKey   string        `json:"item_key"`
	Insight   WisdomInsight `json:"insight"`
	Model     string        `json:"model,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
