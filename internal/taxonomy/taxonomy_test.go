package taxonomy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Pro tip: watch OUT!", []string{"pro", "tip", "watch", "out"}},
		{"rule-of-thumb", []string{"rule", "of", "thumb"}},
		{"Don’t do that", []string{"don't", "do", "that"}},
		{"'quoted'", []string{"quoted"}},
		{"ＦＵＬＬ width", []string{"full", "width"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Tokens(tt.in), tt.in)
	}
}

func TestNew_RejectsMalformedEntries(t *testing.T) {
	_, err := New("bad", 2, []Category{
		{Name: "", Weight: 1, Terms: []string{"x"}},
		{Name: "neg", Weight: -1, Terms: []string{"x"}},
		{Name: "empty", Weight: 1, Terms: []string{"  ", "ok"}},
		{Name: "none", Weight: 1},
		{Name: "neg", Weight: 1, Terms: []string{"y"}},
		{Name: "negcap", Weight: 1, Cap: -2, Terms: []string{"z"}},
	})
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "empty name")
	assert.Contains(t, msg, "negative weight")
	assert.Contains(t, msg, "empty phrase")
	assert.Contains(t, msg, "no terms")
	assert.Contains(t, msg, "duplicate name")
	assert.Contains(t, msg, "negative cap")
}

func TestNew_NoCategories(t *testing.T) {
	_, err := New("x", 1, nil)
	require.Error(t, err)
}

func TestNew_CapDefaultsAndOverrides(t *testing.T) {
	tax, err := New("c", 0, []Category{
		{Name: "a", Weight: 1, Terms: []string{"a"}},
		{Name: "b", Weight: 1, Cap: 7, Terms: []string{"b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultCap, tax.Cap())

	a, ok := tax.Category("a")
	require.True(t, ok)
	assert.Equal(t, DefaultCap, a.Cap)
	b, _ := tax.Category("b")
	assert.Equal(t, 7, b.Cap)

	_, ok = tax.Category("missing")
	assert.False(t, ok)
}

func TestNew_PhrasesLongestFirstAndDeduped(t *testing.T) {
	tax, err := New("p", 1, []Category{
		{Name: "tip", Weight: 1, Terms: []string{"tip", "Pro Tip", "the trick is", "TIP"}},
	})
	require.NoError(t, err)
	c := tax.Categories()[0]
	var terms []string
	for _, p := range c.Phrases {
		terms = append(terms, p.Term)
	}
	assert.Equal(t, []string{"the trick is", "pro tip", "tip"}, terms)
}

func TestNew_EqualLengthPhrasesKeepConfigOrder(t *testing.T) {
	tax, err := New("p", 1, []Category{
		{Name: "warn", Weight: 1, Terms: []string{"zinc", "red flag", "avoid", "watch out", "beware"}},
	})
	require.NoError(t, err)
	var terms []string
	for _, p := range tax.Categories()[0].Phrases {
		terms = append(terms, p.Term)
	}
	assert.Equal(t, []string{"red flag", "watch out", "zinc", "avoid", "beware"}, terms)
}

func TestVersion_ChangesWithContent(t *testing.T) {
	base := []Category{{Name: "a", Weight: 1, Terms: []string{"x"}}}
	t1, err := New("v", 2, base)
	require.NoError(t, err)
	t2, err := New("v", 2, base)
	require.NoError(t, err)
	assert.Equal(t, t1.Version(), t2.Version())

	t3, err := New("v", 3, base)
	require.NoError(t, err)
	assert.NotEqual(t, t1.Version(), t3.Version())

	t4, err := New("v", 2, []Category{{Name: "a", Weight: 2, Terms: []string{"x"}}})
	require.NoError(t, err)
	assert.NotEqual(t, t1.Version(), t4.Version())

	assert.Regexp(t, `^v-[0-9a-f]{8}$`, t1.Version())
}

func TestDefault_IsValid(t *testing.T) {
	tax := Default(0)
	assert.Equal(t, DefaultCap, tax.Cap())
	assert.Len(t, tax.Categories(), len(DefaultCategories()))
	assert.Contains(t, tax.Version(), DefaultLabel)
}

func TestLoadFile_RoundTrip(t *testing.T) {
	doc := `
label: ops
cap: 2
categories:
  - name: warning
    weight: 3
    terms: ["watch out for", "red flag"]
  - name: tip
    weight: 1
    cap: 4
    terms: ["pro tip"]
`
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tax, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, tax.Cap())
	tip, _ := tax.Category("tip")
	assert.Equal(t, 4, tip.Cap)

	out, err := tax.Marshal()
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, tax.Version(), again.Version())
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Parse([]byte("categories: [ {name: a, weight: -1, terms: [x]} ]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative weight")

	_, err = Parse([]byte("categories: [unclosed"))
	require.Error(t, err)
}
