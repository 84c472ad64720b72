package planogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSectionTemplate = `<<INITIAL>>
Extract the products of {stage}.
{?problem_areas}
Fix these problems:
{problem_areas}
{/problem_areas}
<<RETRY>>
Your previous answer scored {prior_accuracy}. Correct it:
{previous_result}`

func TestParseTemplate(t *testing.T) {
	tpl, err := ParseTemplate(twoSectionTemplate)
	require.NoError(t, err)
	assert.True(t, tpl.HasRetry())
	require.NotEmpty(t, tpl.Initial)

	var conds int
	for _, n := range tpl.Initial {
		if c, ok := n.(Conditional); ok {
			conds++
			assert.Equal(t, "problem_areas", c.Name)
		}
	}
	assert.Equal(t, 1, conds)

	t.Run("no markers is all initial", func(t *testing.T) {
		tpl, err := ParseTemplate("Count shelves in {system}")
		require.NoError(t, err)
		assert.False(t, tpl.HasRetry())
		assert.Equal(t, []Node{Literal{Text: "Count shelves in "}, Placeholder{Name: "system"}}, tpl.Initial)
	})

	t.Run("json braces stay literal", func(t *testing.T) {
		tpl, err := ParseTemplate(`Answer like {"shelves": 3} for {stage}`)
		require.NoError(t, err)
		out := Render(tpl.Initial, map[string]any{"stage": "s1"})
		assert.Equal(t, `Answer like {"shelves": 3} for s1`, out)
	})

	syntaxErrors := map[string]string{
		"unclosed conditional": "{?x} text",
		"stray close":          "text {/x}",
		"mismatched close":     "{?a} {?b} {/a} {/b}",
	}
	for name, text := range syntaxErrors {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTemplate(text)
			assert.ErrorIs(t, err, ErrTemplateSyntax)
		})
	}
}

func TestRender(t *testing.T) {
	tpl, err := ParseTemplate(twoSectionTemplate)
	require.NoError(t, err)

	t.Run("missing placeholders and empty conditionals vanish", func(t *testing.T) {
		out := Render(tpl.Initial, map[string]any{})
		assert.Equal(t, "Extract the products of .", out)
		assert.NotContains(t, out, "{")
	})

	t.Run("lists render one per line", func(t *testing.T) {
		out := Render(tpl.Initial, map[string]any{
			"stage":         "products",
			"problem_areas": []string{"- missing Cola", "- extra Fanta"},
		})
		assert.Equal(t, "Extract the products of products.\n\nFix these problems:\n- missing Cola\n- extra Fanta", out)
	})

	t.Run("structured values render as json", func(t *testing.T) {
		out := Render(tpl.Retry, map[string]any{
			"prior_accuracy":  0.5,
			"previous_result": map[string]any{"shelves": 3},
		})
		assert.Contains(t, out, "scored 0.5")
		assert.Contains(t, out, `"shelves": 3`)
	})

	t.Run("placeholders inside json braces", func(t *testing.T) {
		tpl, err := ParseTemplate(`Return JSON like {"count": {count}, "meta": {"unit": "facings"}}`)
		require.NoError(t, err)

		filled := Render(tpl.Initial, map[string]any{"count": 4})
		assert.Equal(t, `Return JSON like {"count": 4, "meta": {"unit": "facings"}}`, filled)

		empty := Render(tpl.Initial, map[string]any{})
		assert.Equal(t, `Return JSON like {"count": , "meta": {"unit": "facings"}}`, empty)
		assert.NotContains(t, empty, "{count}")
	})
}

func TestSelectSection(t *testing.T) {
	const low, thr = 0.3, 0.85
	for _, prior := range []float64{0, 0.1, 0.3, 0.31, 0.5, 0.84, 0.85, 0.99, 1} {
		assert.Equal(t, SectionInitial, SelectSection(1, prior, low, thr), "attempt 1 is always initial (prior %v)", prior)

		want := SectionInitial
		if prior > low && prior < thr {
			want = SectionRetry
		}
		for _, attempt := range []int{2, 3, 7} {
			assert.Equal(t, want, SelectSection(attempt, prior, low, thr), "attempt %d prior %v", attempt, prior)
		}
	}
}

func TestComposer(t *testing.T) {
	tpl, err := ParseTemplate(twoSectionTemplate)
	require.NoError(t, err)
	c := NewComposer()
	ctx := map[string]any{"stage": "products", "prior_accuracy": 0.6, "previous_result": "x"}

	out, sec := c.Compose(tpl, ctx, 2, 0.6)
	assert.Equal(t, SectionRetry, sec)
	assert.Contains(t, out, "scored 0.6")

	_, sec = c.Compose(tpl, ctx, 2, 0.2)
	assert.Equal(t, SectionInitial, sec, "poor prior restarts from the initial prompt")

	t.Run("retry requested without retry section", func(t *testing.T) {
		plain, err := ParseTemplate("Just extract {stage}")
		require.NoError(t, err)
		out, sec := c.Compose(plain, ctx, 3, 0.6)
		assert.Equal(t, SectionInitial, sec)
		assert.Equal(t, "Just extract products", out)
	})
}

func TestComposeText(t *testing.T) {
	out, err := ComposeText(twoSectionTemplate, map[string]any{"prior_accuracy": 0.5, "previous_result": "r"}, 2, 0.9)
	require.NoError(t, err)
	assert.Contains(t, out, "Correct it")

	_, err = ComposeText("{?open}", nil, 1, 0.9)
	assert.ErrorIs(t, err, ErrTemplateSyntax)
}
