package planogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextRenderer(t *testing.T) {
	payload := map[string]any{
		"shelf_count": 2.0,
		"shelves": []any{
			map[string]any{
				"index": 1.0,
				"products": []any{
					map[string]any{"name": "Cola", "facings": 3.0, "price": 1.25},
					map[string]any{"brand": "Acme", "facings": 1.0},
				},
			},
		},
		"notes": nil,
	}

	part, err := TextRenderer{}.Render("products", payload)
	require.NoError(t, err)
	assert.Equal(t, "text", part.Type)

	want := `PROVISIONAL PLANOGRAM (stage products)
notes: -
shelf_count: 2
shelves (1):
  1. index=1
     products (2):
      1. Cola [facings=3, price=1.25]
      2. Acme [facings=1]`
	assert.Equal(t, want, part.Text)

	t.Run("deterministic", func(t *testing.T) {
		again, err := TextRenderer{}.Render("products", payload)
		require.NoError(t, err)
		assert.Equal(t, part.Text, again.Text)
	})

	t.Run("nil payload", func(t *testing.T) {
		_, err := TextRenderer{}.Render("products", nil)
		assert.Error(t, err)
	})

	t.Run("scalar lists", func(t *testing.T) {
		part, err := TextRenderer{}.Render("tags", map[string]any{"labels": []any{"promo", "new"}})
		require.NoError(t, err)
		assert.Contains(t, part.Text, "labels (2):\n  - promo\n  - new")
	})
}
