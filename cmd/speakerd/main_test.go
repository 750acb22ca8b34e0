package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"speaker-id/internal/app"
	"speaker-id/internal/centroids"
	"speaker-id/internal/config"
	"speaker-id/internal/embeddings"
	"speaker-id/internal/speaker"
	"speaker-id/internal/storage"
)

const testDims = 4

func axis(i int) embeddings.Vector {
	v := make(embeddings.Vector, testDims)
	v[i] = 1
	return v
}

func wav(tag string) []byte {
	b := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	return append(b, tag...)
}

func threshold(v float64) *float64 { return &v }

func newTestDeps(t *testing.T, model embeddings.Model, opts speaker.Options, seed ...centroids.Entry) (app.Deps, *storage.Memory) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := storage.NewMemory()
	if seed != nil {
		data, err := centroids.Encode(centroids.NewSnapshot(seed))
		require.NoError(t, err)
		require.NoError(t, backend.Write(context.Background(), centroids.CurrentBlob, data))
	}
	store := centroids.NewStore(backend, log, centroids.Options{Dims: testDims, Strict: opts.Strict, Attempts: 1})
	svc := speaker.New(store, model, log, opts)
	_, err := svc.Reload(context.Background())
	require.NoError(t, err)

	return app.Deps{
		Config: config.Config{
			MaxUploadSize:     1024 * 1024, // 1MB for tests
			DistancePrecision: 3,
		},
		Log:     log,
		Backend: backend,
		Store:   store,
		Model:   model,
		Service: svc,
	}, backend
}

// aliceAndBob returns a query with distance 0.12 to alice and 0.55 to bob.
func aliceAndBob() (embeddings.Vector, []centroids.Entry) {
	query := embeddings.Vector{0.88, math.Sqrt(1 - 0.88*0.88), 0, 0}
	r := 0.45 / 0.88
	bob := embeddings.Vector{r, 0, math.Sqrt(1 - r*r), 0}
	return query, []centroids.Entry{
		{Name: "alice", Vector: axis(0)},
		{Name: "bob", Vector: bob},
	}
}

type rankedBody struct {
	Result []struct {
		Name   string  `json:"name"`
		Result float64 `json:"result"`
	} `json:"result"`
	Margin *float64 `json:"margin"`
}

func TestIdentifyHandler(t *testing.T) {
	query, seed := aliceAndBob()

	tests := []struct {
		name          string
		content       []byte
		setup         func(*embeddings.MockModel)
		wantStatus    int
		checkResponse func(*testing.T, *httptest.ResponseRecorder)
	}{
		{
			name:    "ranked by distance",
			content: wav("q"),
			setup: func(m *embeddings.MockModel) {
				m.On("Embed", mock.Anything, wav("q")).Return(query, nil).Once()
			},
			wantStatus: http.StatusOK,
			checkResponse: func(t *testing.T, w *httptest.ResponseRecorder) {
				var body rankedBody
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				require.Len(t, body.Result, 2)
				assert.Equal(t, "alice", body.Result[0].Name)
				assert.Equal(t, 0.12, body.Result[0].Result)
				assert.Equal(t, "bob", body.Result[1].Name)
				assert.Equal(t, 0.55, body.Result[1].Result)
				require.NotNil(t, body.Margin)
				assert.Equal(t, 0.43, *body.Margin)
			},
		},
		{
			name:       "not audio",
			content:    []byte("this is a text file, not a recording"),
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:    "model cannot decode",
			content: wav("broken"),
			setup: func(m *embeddings.MockModel) {
				m.On("Embed", mock.Anything, wav("broken")).Return(nil, embeddings.ErrInvalidAudio).Once()
			},
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:    "model returns wrong dimension",
			content: wav("short"),
			setup: func(m *embeddings.MockModel) {
				m.On("Embed", mock.Anything, wav("short")).Return(embeddings.Vector{1, 0}, nil).Once()
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:    "model unavailable",
			content: wav("q"),
			setup: func(m *embeddings.MockModel) {
				m.On("Embed", mock.Anything, wav("q")).Return(nil, errors.New("connection refused")).Once()
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "file too large",
			content:    make([]byte, 2*1024*1024), // 2MB
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := new(embeddings.MockModel)
			if tt.setup != nil {
				tt.setup(model)
			}
			deps, _ := newTestDeps(t, model, speaker.Options{}, seed...)

			req, err := createMultipartRequest("/identify", tt.content)
			require.NoError(t, err)
			w := httptest.NewRecorder()
			identifyHandler(deps)(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d. Body: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.checkResponse != nil {
				tt.checkResponse(t, w)
			}
			model.AssertExpectations(t)
		})
	}

	t.Run("single speaker has no margin", func(t *testing.T) {
		model := new(embeddings.MockModel)
		model.On("Embed", mock.Anything, wav("q")).Return(query, nil).Once()
		deps, _ := newTestDeps(t, model, speaker.Options{}, seed[0])

		req, err := createMultipartRequest("/identify", wav("q"))
		require.NoError(t, err)
		w := httptest.NewRecorder()
		identifyHandler(deps)(w, req)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var body rankedBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Len(t, body.Result, 1)
		assert.Nil(t, body.Margin)
	})

	t.Run("missing file", func(t *testing.T) {
		deps, _ := newTestDeps(t, new(embeddings.MockModel), speaker.Options{})
		req := httptest.NewRequest(http.MethodPost, "/identify", nil)
		req.Header.Set("Content-Type", "multipart/form-data")
		w := httptest.NewRecorder()

		identifyHandler(deps)(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestVerifyHandler(t *testing.T) {
	query, seed := aliceAndBob()

	tests := []struct {
		name        string
		threshold   *float64
		wantStatus  int
		wantSummary string
	}{
		{"match under threshold", threshold(0.3), http.StatusOK, "true"},
		{"no match above threshold", threshold(0.1), http.StatusOK, "false"},
		{"distance equal to threshold is not a match", threshold(0.12), http.StatusOK, "false"},
		{"threshold not configured", nil, http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := new(embeddings.MockModel)
			model.On("Embed", mock.Anything, wav("q")).Return(query, nil).Maybe()
			deps, _ := newTestDeps(t, model, speaker.Options{Threshold: tt.threshold}, seed...)

			req, err := createMultipartRequest("/verify", wav("q"))
			require.NoError(t, err)
			w := httptest.NewRecorder()
			verifyHandler(deps)(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantSummary == "" {
				return
			}
			var body struct {
				Summary    string     `json:"summary"`
				MatchFound bool       `json:"match_found"`
				Margin     *float64   `json:"margin"`
				Result     rankedBody `json:"result"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantSummary, body.Summary)
			assert.Equal(t, tt.wantSummary == "true", body.MatchFound)
			assert.Len(t, body.Result.Result, 2)
			require.NotNil(t, body.Margin)
			assert.Equal(t, 0.43, *body.Margin)
		})
	}
}

func TestSpeakerLifecycle(t *testing.T) {
	model := new(embeddings.MockModel)
	model.On("Embed", mock.Anything, wav("carol")).Return(axis(2), nil).Once()
	deps, backend := newTestDeps(t, model, speaker.Options{},
		centroids.Entry{Name: "dave", Vector: axis(0)},
		centroids.Entry{Name: "bob", Vector: axis(1)},
	)
	r := newRouter(deps)
	ctx := context.Background()

	// enroll carol
	req, err := createMultipartRequest("/add_speaker?name=carol", wav("carol"))
	require.NoError(t, err)
	w := serve(r, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"result":"true"}`, w.Body.String())

	assert.Equal(t, []string{"bob", "carol", "dave"}, listSpeakers(t, r, "/list_speakers?ordered=true"))
	assert.Equal(t, []string{"dave", "bob", "carol"}, listSpeakers(t, r, "/list_speakers"))
	assert.Equal(t, []string{"dave", "bob", "carol"}, listSpeakers(t, r, "/list_speakers_from_newfile"))

	// deleting an unknown speaker is a no-op
	before, err := backend.Read(ctx, centroids.CurrentBlob)
	require.NoError(t, err)
	w = serve(r, httptest.NewRequest(http.MethodPost, "/delete_speaker?name=nobody", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"true"}`, w.Body.String())
	after, err := backend.Read(ctx, centroids.CurrentBlob)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// delete carol, then restore brings her back
	w = serve(r, httptest.NewRequest(http.MethodPost, "/delete_speaker?name=carol", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"bob", "dave"}, listSpeakers(t, r, "/list_speakers?ordered=true"))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/restore_centroids", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"bob", "carol", "dave"}, listSpeakers(t, r, "/list_speakers?ordered=true"))

	w = serve(r, httptest.NewRequest(http.MethodGet, "/reload", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var reload struct {
		Result string           `json:"result"`
		Report centroids.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reload))
	assert.Equal(t, "true", reload.Result)
	assert.Equal(t, 3, reload.Report.Entries)
	model.AssertExpectations(t)
}

func TestRequestValidation(t *testing.T) {
	deps, _ := newTestDeps(t, new(embeddings.MockModel), speaker.Options{})
	r := newRouter(deps)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"bad ordered flag", http.MethodGet, "/list_speakers?ordered=yes", http.StatusBadRequest},
		{"staged list bad flag", http.MethodGet, "/list_speakers_from_newfile?ordered=1", http.StatusBadRequest},
		{"delete without name", http.MethodPost, "/delete_speaker", http.StatusBadRequest},
		{"delete with path name", http.MethodPost, "/delete_speaker?name=a%2Fb", http.StatusBadRequest},
		{"add without name", http.MethodPost, "/add_speaker", http.StatusBadRequest},
		{"no staged file yet", http.MethodGet, "/list_speakers_from_newfile", http.StatusNotFound},
		{"restore without backup", http.MethodGet, "/restore_centroids", http.StatusNotFound},
		{"home", http.MethodGet, "/", http.StatusOK},
		{"health", http.MethodGet, "/healthz", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestReloadRefusesCorruptDataInStrictMode(t *testing.T) {
	deps, backend := newTestDeps(t, new(embeddings.MockModel), speaker.Options{Strict: true},
		centroids.Entry{Name: "alice", Vector: axis(0)},
	)
	corrupt, err := centroids.Encode(centroids.NewSnapshot([]centroids.Entry{
		{Name: "alice", Vector: axis(0)},
		{Name: "mallory", Vector: embeddings.Vector{0.5, 0, 0, 0}},
	}))
	require.NoError(t, err)
	require.NoError(t, backend.Write(context.Background(), centroids.CurrentBlob, corrupt))

	w := serve(newRouter(deps), httptest.NewRequest(http.MethodGet, "/reload", nil))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body struct {
		Result string           `json:"result"`
		Report centroids.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "false", body.Result)
	require.Len(t, body.Report.Issues, 1)
	assert.Equal(t, "mallory", body.Report.Issues[0].Speaker)
	assert.Equal(t, []string{"alice"}, deps.Service.Speakers(false))
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func listSpeakers(t *testing.T, h http.Handler, target string) []string {
	t.Helper()
	w := serve(h, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Speakers []string `json:"speakers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Speakers
}

func createMultipartRequest(target string, content []byte) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, "sample.wav")}
	h["Content-Type"] = []string{"audio/wav"}

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}
