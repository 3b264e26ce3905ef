package taxonomy

// DefaultLabel tags the built-in vocabulary. Bump it whenever the table
// below changes meaning so stored scores can be traced to a vocabulary.
const DefaultLabel = "tacit-v1"

// DefaultCategories is the built-in signal vocabulary, ordered by priority
// for tie-breaking.
func DefaultCategories() []Category {
	return []Category{
		{Name: "warning", Weight: 3, Terms: []string{
			"watch out for", "red flag", "common mistake", "biggest mistake",
			"be careful", "pitfall", "gotcha", "the hard way", "avoid this",
			"typical problem", "usual issue", "never do", "don't make the mistake",
		}},
		{Name: "workaround", Weight: 3, Terms: []string{
			"workaround", "work around", "quick fix", "hack", "shortcut",
			"simple trick", "easy solution", "what worked for me", "instead of",
			"rather than",
		}},
		{Name: "lesson", Weight: 2, Terms: []string{
			"lesson learned", "lessons learned", "learned that", "i learned",
			"found that", "i discovered", "i realized", "figured out",
			"wish i knew", "wish i had known", "should have", "would have",
		}},
		{Name: "experience", Weight: 2, Terms: []string{
			"in my experience", "experience shows", "in practice",
			"actually works", "years of", "decades of", "what works",
			"what i do", "i always", "i never", "i make sure",
		}},
		{Name: "rule-of-thumb", Weight: 2, Terms: []string{
			"rule of thumb", "as a rule", "the rule is", "always", "never",
			"generally", "typically", "usually",
		}},
		{Name: "pattern", Weight: 2, Terms: []string{
			"every time", "tends to", "sign that", "telltale", "you can tell",
			"nine times out of ten", "more often than not",
		}},
		{Name: "how-to", Weight: 1.5, Terms: []string{
			"how to", "step by step", "my approach", "my method", "my strategy",
			"my technique", "here's how", "the way i", "i set up", "i structure",
		}},
		{Name: "checklist", Weight: 1.5, Terms: []string{
			"checklist", "before you", "double check", "make a list",
			"first thing i check",
		}},
		{Name: "tip", Weight: 1, Terms: []string{
			"pro tip", "tip", "trick", "the trick is", "the key is",
			"the secret is", "make sure",
		}},
		{Name: "reasoning", Weight: 1, Terms: []string{
			"because", "so that", "the reason", "works when", "in order to",
			"therefore",
		}},
	}
}

// Default returns the built-in taxonomy with the given hit cap (DefaultCap when
// hitCap <= 0).
func Default(hitCap int) *Taxonomy {
	t, err := New(DefaultLabel, hitCap, DefaultCategories())
	if err != nil {
		// The built-in table is covered by tests.
		panic(err)
	}
	return t
}
