package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultModelTimeout = 30 * time.Second

// HTTPModel calls an external inference service that turns audio into a
// speaker embedding. The service receives the raw upload and answers with
// {"embedding": [...]}.
type HTTPModel struct {
	url    string
	dims   int
	client *http.Client
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// NewHTTPModel creates a model client. dims is the expected vector length.
func NewHTTPModel(url string, dims int, timeout time.Duration) (*HTTPModel, error) {
	if url == "" {
		return nil, fmt.Errorf("model url required")
	}
	if dims <= 0 {
		dims = DefaultDims
	}
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	return &HTTPModel{
		url:    url,
		dims:   dims,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (m *HTTPModel) Embed(ctx context.Context, audio []byte) (Vector, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(audio))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: model call timed out", ErrUnsupportedInput)
		}
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: model rejected audio (status %d)", ErrInvalidAudio, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: model status %d", ErrInvalidAudio, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	vec := Vector(out.Embedding)
	if len(vec) != m.dims {
		return nil, &DimensionMismatchError{Expected: m.dims, Actual: len(vec)}
	}
	return vec, nil
}
