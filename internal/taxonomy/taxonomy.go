// Package taxonomy defines the weighted keyword categories used to score
// harvested text for tacit-knowledge signal.
package taxonomy

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/OneOfOne/xxhash"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// DefaultCap is the per-category hit cap used when none is configured.
const DefaultCap = 3

// Category is a named group of signal phrases sharing one weight. Cap, when
// positive, overrides the taxonomy-wide cap for this category.
type Category struct {
	Name   string   `yaml:"name"`
	Weight float64  `yaml:"weight"`
	Cap    int      `yaml:"cap,omitempty"`
	Terms  []string `yaml:"terms"`
}

// Phrase is a compiled signal term.
type Phrase struct {
	Term   string
	Tokens []string
}

// CompiledCategory is a validated category ready for matching. Phrases are
// ordered longest first so longer phrases claim tokens before their
// sub-phrases.
type CompiledCategory struct {
	Name    string
	Weight  float64
	Cap     int
	Index   int
	Phrases []Phrase
}

// Taxonomy is an immutable, validated, versioned set of categories. Category
// order is the insertion order and is significant for tie-breaking.
type Taxonomy struct {
	label      string
	cap        int
	categories []CompiledCategory
	version    string
}

// New validates cats and builds a Taxonomy. All problems are reported at
// once; a Taxonomy that was built successfully can score any text.
func New(label string, defaultCap int, cats []Category) (*Taxonomy, error) {
	if defaultCap <= 0 {
		defaultCap = DefaultCap
	}
	if len(cats) == 0 {
		return nil, eris.New("taxonomy: no categories")
	}

	var problems []string
	seen := make(map[string]bool, len(cats))
	compiled := make([]CompiledCategory, 0, len(cats))

	for i, c := range cats {
		name := strings.TrimSpace(c.Name)
		switch {
		case name == "":
			problems = append(problems, fmt.Sprintf("category %d: empty name", i))
			continue
		case seen[name]:
			problems = append(problems, fmt.Sprintf("category %q: duplicate name", name))
			continue
		}
		seen[name] = true

		if c.Weight < 0 {
			problems = append(problems, fmt.Sprintf("category %q: negative weight %g", name, c.Weight))
		}
		if c.Cap < 0 {
			problems = append(problems, fmt.Sprintf("category %q: negative cap %d", name, c.Cap))
		}
		if len(c.Terms) == 0 {
			problems = append(problems, fmt.Sprintf("category %q: no terms", name))
		}

		cc := CompiledCategory{Name: name, Weight: c.Weight, Cap: c.Cap, Index: len(compiled)}
		if cc.Cap == 0 {
			cc.Cap = defaultCap
		}
		dupTerm := make(map[string]bool, len(c.Terms))
		for _, term := range c.Terms {
			toks := Tokens(term)
			if len(toks) == 0 {
				problems = append(problems, fmt.Sprintf("category %q: empty phrase %q", name, term))
				continue
			}
			key := strings.Join(toks, " ")
			if dupTerm[key] {
				continue
			}
			dupTerm[key] = true
			cc.Phrases = append(cc.Phrases, Phrase{Term: key, Tokens: toks})
		}
		sortPhrases(cc.Phrases)
		compiled = append(compiled, cc)
	}

	if len(problems) > 0 {
		return nil, eris.Errorf("taxonomy: invalid: %s", strings.Join(problems, "; "))
	}

	t := &Taxonomy{label: label, cap: defaultCap, categories: compiled}
	t.version = t.computeVersion()
	return t, nil
}

// sortPhrases orders by token count descending, keeping insertion order for
// equal lengths.
func sortPhrases(ps []Phrase) {
	slices.SortStableFunc(ps, func(a, b Phrase) int {
		return cmp.Compare(len(b.Tokens), len(a.Tokens))
	})
}

func (t *Taxonomy) computeVersion() string {
	h := xxhash.New64()
	var b strings.Builder
	b.WriteString(strconv.Itoa(t.cap))
	for _, c := range t.categories {
		b.WriteString("\x1e")
		b.WriteString(c.Name)
		b.WriteString("\x1f")
		b.WriteString(strconv.FormatFloat(c.Weight, 'g', -1, 64))
		b.WriteString("\x1f")
		b.WriteString(strconv.Itoa(c.Cap))
		for _, p := range c.Phrases {
			b.WriteString("\x1f")
			b.WriteString(p.Term)
		}
	}
	h.Write([]byte(b.String())) //nolint:errcheck
	label := t.label
	if label == "" {
		label = "custom"
	}
	return fmt.Sprintf("%s-%08x", label, h.Sum64()&0xffffffff)
}

// Version identifies the exact vocabulary, weights and caps. Two taxonomies
// with the same version score every text identically.
func (t *Taxonomy) Version() string { return t.version }

// Cap returns the taxonomy-wide default cap.
func (t *Taxonomy) Cap() int { return t.cap }

// Categories returns the compiled categories in insertion order.
func (t *Taxonomy) Categories() []CompiledCategory { return t.categories }

// Category looks up a category by name.
func (t *Taxonomy) Category(name string) (CompiledCategory, bool) {
	for _, c := range t.categories {
		if c.Name == name {
			return c, true
		}
	}
	return CompiledCategory{}, false
}

// File is the on-disk YAML layout of a taxonomy.
type File struct {
	Label      string     `yaml:"label"`
	Cap        int        `yaml:"cap"`
	Categories []Category `yaml:"categories"`
}

// LoadFile reads and validates a YAML taxonomy file.
func LoadFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Parse validates a YAML taxonomy document.
func Parse(data []byte) (*Taxonomy, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse yaml")
	}
	return New(f.Label, f.Cap, f.Categories)
}

// Marshal renders t back into the YAML file layout.
func (t *Taxonomy) Marshal() ([]byte, error) {
	f := File{Label: t.label, Cap: t.cap}
	for _, c := range t.categories {
		cat := Category{Name: c.Name, Weight: c.Weight}
		if c.Cap != t.cap {
			cat.Cap = c.Cap
		}
		for _, p := range c.Phrases {
			cat.Terms = append(cat.Terms, p.Term)
		}
		f.Categories = append(f.Categories, cat)
	}
	out, err := yaml.Marshal(f)
	return out, eris.Wrap(err, "taxonomy: marshal yaml")
}
