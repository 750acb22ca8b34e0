package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"speaker-id/internal/app"
	"speaker-id/internal/centroids"
	"speaker-id/internal/config"
	"speaker-id/internal/embeddings"
	"speaker-id/internal/httputil"
	"speaker-id/internal/match"
	"speaker-id/internal/speaker"
	"speaker-id/internal/storage"
)

const banner = "Speaker identification service is running."

type nameParams struct {
	Name string `validate:"required,max=128"`
}

type listParams struct {
	Ordered string `validate:"omitempty,oneof=true false"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Default().Error("speakerd stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	deps, err := app.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build dependencies: %w", err)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Warn("failed to close dependencies", "err", err)
		}
	}()

	if _, err := deps.Service.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load centroids: %w", err)
	}

	srv := &http.Server{
		Addr:              deps.Config.Addr(),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Run HTTP server
	g.Go(func() error {
		deps.Log.Info("speakerd listening", "addr", srv.Addr, "speakers", deps.Service.Snapshot().Len())
		return httputil.Serve(ctx, deps.Log, srv)
	})

	// Reload when another replica swaps or restores
	g.Go(func() error {
		return deps.Notifier.Subscribe(ctx, deps.Service.HandleEvent)
	})

	return g.Wait()
}

func newRouter(deps app.Deps) *chi.Mux {
	r := httputil.NewRouter(deps.Log)

	r.Get("/", homeHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps.Log))
	r.Post("/identify", identifyHandler(deps))
	r.Post("/verify", verifyHandler(deps))
	r.Get("/list_speakers", listSpeakersHandler(deps))
	r.Get("/list_speakers_from_newfile", listStagedHandler(deps))
	r.Post("/add_speaker", addSpeakerHandler(deps))
	r.Post("/delete_speaker", deleteSpeakerHandler(deps))
	r.Get("/reload", reloadHandler(deps))
	r.Get("/restore_centroids", restoreHandler(deps))

	return r
}

func homeHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, banner)
	}
}

func identifyHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audio, ok := readAudio(deps, w, r)
		if !ok {
			return
		}
		ranked, err := deps.Service.Identify(r.Context(), audio)
		if err != nil {
			fail(deps, w, "identify failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"result": roundRanked(ranked, deps.Config.DistancePrecision),
			"margin": roundMargin(ranked, deps.Config.DistancePrecision),
		})
	}
}

func verifyHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		audio, ok := readAudio(deps, w, r)
		if !ok {
			return
		}
		verdict, err := deps.Service.Verify(r.Context(), audio)
		if err != nil {
			fail(deps, w, "verify failed", err)
			return
		}
		summary := "false"
		if verdict.MatchFound {
			summary = "true"
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"summary":     summary,
			"match_found": verdict.MatchFound,
			"threshold":   verdict.Threshold,
			"margin":      roundMargin(verdict.Ranked, deps.Config.DistancePrecision),
			"result": map[string]any{
				"result": roundRanked(verdict.Ranked, deps.Config.DistancePrecision),
			},
		})
	}
}

func listSpeakersHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sorted, ok := orderedParam(deps, w, r)
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"speakers": nonNil(deps.Service.Speakers(sorted)),
		})
	}
}

func listStagedHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sorted, ok := orderedParam(deps, w, r)
		if !ok {
			return
		}
		names, err := deps.Service.StagedSpeakers(r.Context(), sorted)
		if err != nil {
			fail(deps, w, "failed to read staged centroids", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"speakers": nonNil(names),
		})
	}
}

func addSpeakerHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := nameParam(deps, w, r)
		if !ok {
			return
		}
		audio, ok := readAudio(deps, w, r)
		if !ok {
			return
		}
		if err := deps.Service.Enroll(r.Context(), name, audio); err != nil {
			fail(deps, w, "failed to add speaker", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "true"})
	}
}

func deleteSpeakerHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := nameParam(deps, w, r)
		if !ok {
			return
		}
		if _, err := deps.Service.Unenroll(r.Context(), name); err != nil {
			fail(deps, w, "failed to delete speaker", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"result": "true"})
	}
}

func reloadHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Service.Reload(r.Context())
		if errors.Is(err, centroids.ErrInvalidData) {
			deps.Log.Warn("reload refused", "err", err)
			httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"result": "false",
				"report": report,
			})
			return
		}
		if err != nil {
			fail(deps, w, "failed to reload centroids", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"result": "true",
			"report": report,
		})
	}
}

func restoreHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Service.Restore(r.Context())
		if err != nil {
			fail(deps, w, "failed to restore centroids", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"result": "true",
			"report": report,
		})
	}
}

// readAudio reads the multipart "file" field, bounded by MAX_UPLOAD_SIZE.
func readAudio(deps app.Deps, w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	maxSize := deps.Config.MaxUploadSize
	if r.ContentLength > maxSize {
		httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxSize), nil, http.StatusRequestEntityTooLarge)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxSize), err, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
		return nil, false
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusBadRequest)
		return nil, false
	}
	return audio, true
}

func nameParam(deps app.Deps, w http.ResponseWriter, r *http.Request) (string, bool) {
	params := nameParams{Name: r.URL.Query().Get("name")}
	if err := httputil.Validator.Struct(&params); err != nil {
		httputil.ValidationError(deps.Log, w, err)
		return "", false
	}
	if err := speaker.ValidateName(params.Name); err != nil {
		httputil.Fail(deps.Log, w, "invalid speaker name", err, http.StatusBadRequest)
		return "", false
	}
	return params.Name, true
}

func orderedParam(deps app.Deps, w http.ResponseWriter, r *http.Request) (bool, bool) {
	params := listParams{Ordered: r.URL.Query().Get("ordered")}
	if err := httputil.Validator.Struct(&params); err != nil {
		httputil.ValidationError(deps.Log, w, err)
		return false, false
	}
	return params.Ordered == "true", true
}

// fail maps service errors to HTTP statuses.
func fail(deps app.Deps, w http.ResponseWriter, message string, err error) {
	var dm *embeddings.DimensionMismatchError
	var pe *centroids.PersistenceError
	switch {
	case errors.Is(err, embeddings.ErrInvalidAudio), errors.Is(err, embeddings.ErrUnsupportedInput):
		httputil.Fail(deps.Log, w, "Unsupported file provided.", err, http.StatusUnsupportedMediaType)
	case errors.Is(err, speaker.ErrInvalidName):
		httputil.Fail(deps.Log, w, "invalid speaker name", err, http.StatusBadRequest)
	case errors.As(err, &dm), errors.Is(err, embeddings.ErrNotUnitNorm):
		httputil.Fail(deps.Log, w, "embedding failed validation", err, http.StatusUnprocessableEntity)
	case errors.Is(err, centroids.ErrInvalidData), errors.Is(err, centroids.ErrMalformed):
		httputil.Fail(deps.Log, w, message+": invalid centroid data", err, http.StatusUnprocessableEntity)
	case errors.Is(err, storage.ErrNotFound):
		httputil.Fail(deps.Log, w, message+": not found", err, http.StatusNotFound)
	case errors.Is(err, config.ErrConfiguration):
		httputil.Fail(deps.Log, w, "service is not configured for this operation", err, http.StatusInternalServerError)
	case errors.As(err, &pe):
		httputil.Fail(deps.Log.With("op", pe.Op, "blob", pe.Blob), w, message, err, http.StatusInternalServerError)
	default:
		httputil.Fail(deps.Log, w, message, err, http.StatusInternalServerError)
	}
}

func roundRanked(ranked match.Ranked, precision int) []match.Result {
	out := make([]match.Result, len(ranked))
	p := math.Pow(10, float64(precision))
	for i, res := range ranked {
		out[i] = match.Result{Name: res.Name, Distance: math.Round(res.Distance*p) / p}
	}
	return out
}

// roundMargin is nil when fewer than two speakers were ranked.
func roundMargin(ranked match.Ranked, precision int) *float64 {
	m := ranked.Margin()
	if math.IsInf(m, 1) {
		return nil
	}
	p := math.Pow(10, float64(precision))
	m = math.Round(m*p) / p
	return &m
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
