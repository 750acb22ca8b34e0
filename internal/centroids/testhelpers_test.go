package centroids

import (
	"io"
	"log/slog"

	"speaker-id/internal/embeddings"
)

const testDims = 4

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func axis(i int) embeddings.Vector {
	v := make(embeddings.Vector, testDims)
	v[i] = 1
	return v
}
