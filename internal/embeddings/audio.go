package embeddings

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SniffAudio detects the media type of an upload and rejects anything that is
// not an audio container before it reaches the model.
func SniffAudio(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidAudio)
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "audio/") {
		return mt.String(), fmt.Errorf("%w: detected %s", ErrUnsupportedInput, mt.String())
	}
	return mt.String(), nil
}
