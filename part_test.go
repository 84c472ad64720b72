package planogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParts(t *testing.T) {
	text := NewTextPart("PROVISIONAL PLANOGRAM")
	img := NewImagePart([]byte{1, 2}, "image/png")
	file := NewFilePart("gs://bucket/shelf.jpg", "image/jpeg")

	assert.Equal(t, PartText, text.Type)
	assert.Equal(t, PartImage, img.Type)
	assert.Equal(t, PartFile, file.Type)
	assert.Equal(t, len("PROVISIONAL PLANOGRAM")+2, mediaBytes([]*Part{text, img, file}))

	t.Run("genai conversion", func(t *testing.T) {
		gp := text.toGenAI()
		require.NotNil(t, gp)
		assert.Equal(t, "PROVISIONAL PLANOGRAM", gp.Text)

		gp = img.toGenAI()
		require.NotNil(t, gp.InlineData)
		assert.Equal(t, []byte{1, 2}, gp.InlineData.Data)
		assert.Equal(t, "image/png", gp.InlineData.MIMEType)

		gp = file.toGenAI()
		require.NotNil(t, gp.FileData)
		assert.Equal(t, "gs://bucket/shelf.jpg", gp.FileData.FileURI)

		assert.Nil(t, (&Part{Type: "video"}).toGenAI())
	})
}
