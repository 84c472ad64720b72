package planogram

import "google.golang.org/genai"

// Part kinds.
const (
	PartText  = "text"
	PartImage = "image"
	PartFile  = "file"
)

// Part is one piece of model input: a shelf photo, the rendered provisional
// planogram, or a reference to a photo already uploaded to the provider.
type Part struct {
	Type     string
	Text     string
	Data     []byte
	FileURI  string
	MimeType string
}

func NewTextPart(text string) *Part {
	return &Part{Type: PartText, Text: text}
}

// NewImagePart wraps raw image bytes. mimeType must be a bare media type.
func NewImagePart(data []byte, mimeType string) *Part {
	return &Part{Type: PartImage, Data: data, MimeType: mimeType}
}

// NewFilePart references an uploaded file by URI.
func NewFilePart(fileURI, mimeType string) *Part {
	return &Part{Type: PartFile, FileURI: fileURI, MimeType: mimeType}
}

// toGenAI converts p for a generate call. Unknown kinds yield nil.
func (p *Part) toGenAI() *genai.Part {
	switch p.Type {
	case PartText:
		return genai.NewPartFromText(p.Text)
	case PartImage:
		return genai.NewPartFromBytes(p.Data, p.MimeType)
	case PartFile:
		return genai.NewPartFromFile(genai.File{URI: p.FileURI, MIMEType: p.MimeType})
	}
	return nil
}

// mediaBytes is the inline payload size of parts, for logging.
func mediaBytes(parts []*Part) int {
	n := 0
	for _, p := range parts {
		n += len(p.Data) + len(p.Text)
	}
	return n
}
