// Package transform turns filtered items into structured wisdom insights
// through an external language model.
package transform

import (
	"fmt"
	"strings"

	"github.com/sells-group/wisdom-cli/internal/model"
)

// SystemPrompt frames every extraction request.
const SystemPrompt = "You extract business-relevant tacit knowledge from real-world discussions. " +
	"Reply with a single JSON object, or the word DISCARD when the text holds no such knowledge."

// DiscardMarker is the model's reply for content with no extractable insight.
const DiscardMarker = "DISCARD"

const promptRules = `You are a tacit knowledge extractor for a professional Wisdom Index. Extract ONLY non-obvious, experience-based insights that can only be learned through doing.

Reply DISCARD if the insight is:
- Common sense or obvious (e.g. "work hard", "be honest", "set boundaries")
- Generic motivational advice
- Personal life advice unrelated to business
- Too vague or non-actionable
- Tied to a one-off situation that does not apply broadly

Accept only insights that are:
- Specific tactical knowledge learned through experience
- Non-obvious workarounds, patterns, or techniques
- Business-specific and applicable by others
- Concrete and actionable with clear reasoning

Otherwise return a JSON object with exactly these keys: %s.
- description: starts with a directive verb in present tense ("Avoid...", "Use...", "Track...")
- rationale: the specific mechanism that makes the tactic work, at least %d characters
- use_case: at most %d words naming the scenario
- impact_area: e.g. Efficiency, Risk, Revenue, Retention
- transferability_score and actionability_rating: integers from 1 to 5
- evidence_strength: one of %s
- type: one of %s
- tag: one short normalized tag (e.g. Deal Control, Time Management)
- source, link, notes: copy the metadata values below unchanged`

// BuildPrompt renders the user message for one item.
func BuildPrompt(item model.FilteredItem) string {
	types := make([]string, len(model.ValidInsightTypes))
	for i, t := range model.ValidInsightTypes {
		types[i] = string(t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, promptRules,
		strings.Join(model.WisdomColumns, ", "),
		MinRationaleLength,
		model.MaxUseCaseWords,
		strings.Join(model.ValidEvidence, ", "),
		strings.Join(types, ", "),
	)

	b.WriteString("\n\nInput:\n\"\"\"\n")
	if title := item.Meta("title"); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(item.Text)
	b.WriteString("\n\"\"\"\n\nMetadata:\n")
	fmt.Fprintf(&b, "source: %s\n", sourceOf(item))
	fmt.Fprintf(&b, "link: %s\n", item.Meta("link"))
	if !item.Timestamp.IsZero() {
		fmt.Fprintf(&b, "date: %s\n", item.Timestamp.UTC().Format("2006-01-02"))
	}
	fmt.Fprintf(&b, "notes: %s\n", item.Meta("notes"))
	if len(item.TopCategories) > 0 {
		fmt.Fprintf(&b, "matched categories: %s\n", strings.Join(item.TopCategories, ", "))
	}
	return b.String()
}

func sourceOf(item model.FilteredItem) string {
	if s := item.Meta("source"); s != "" {
		return s
	}
	return item.Platform
}
