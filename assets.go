package planogram

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var ErrNotImage = errors.New("source is not an image")

// LoadImage reads a shelf photograph and detects its MIME type from content.
func LoadImage(path string) (*Part, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	part, err := ImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return part, nil
}

// ImageFromBytes wraps raw image bytes as a Part, rejecting non-image data.
func ImageFromBytes(data []byte) (*Part, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", ErrNotImage)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}
	return NewImagePart(data, imageMIME(mt)), nil
}

// imageMIME strips parameters so the provider sees a bare media type.
func imageMIME(mt *mimetype.MIME) string {
	s := mt.String()
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return s
}

// LoadImages loads every path in order.
func LoadImages(paths ...string) ([]*Part, error) {
	if len(paths) == 0 {
		return nil, ErrNoImages
	}
	parts := make([]*Part, 0, len(paths))
	for _, p := range paths {
		part, err := LoadImage(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}
