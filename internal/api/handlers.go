package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/avatarcast/internal/db"
	"github.com/bobarin/avatarcast/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxScriptLength   = 4000 // characters
	defaultPageLimit  = 20
	maxPageLimit      = 100
	signedURLLifetime = 3600 // seconds
)

// RenderStore is the persistence the API needs (implemented by *db.DB).
type RenderStore interface {
	CreateRender(ctx context.Context, r *models.Render) error
	GetRender(ctx context.Context, id uuid.UUID) (*models.Render, error)
	ListRenders(ctx context.Context, status string, limit, offset int) ([]models.Render, error)
	CountRenders(ctx context.Context, status string) (int, error)
	SetRenderError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error
}

// RenderQueue accepts render jobs (implemented by *queue.Queue).
type RenderQueue interface {
	EnqueueRender(ctx context.Context, renderID, jobID uuid.UUID) error
}

// ObjectURLs turns storage paths into URLs (implemented by *storage.Storage).
type ObjectURLs interface {
	GetPublicURL(objectPath string) string
	GetSignedURL(ctx context.Context, objectPath string, expiresIn int) (string, error)
}

// RenderDefaults fill in what a create request leaves out.
type RenderDefaults struct {
	Provider        string   // used when the request names none
	SourceURL       string   // portrait used when the request names none
	Providers       []string // providers the worker can run
	SpeechAvailable bool     // TTS and storage are both configured
}

type Handler struct {
	store    RenderStore
	queue    RenderQueue
	objects  ObjectURLs // nil when storage is not configured
	defaults RenderDefaults
}

func NewHandler(store RenderStore, q RenderQueue, objects ObjectURLs, defaults RenderDefaults) *Handler {
	return &Handler{
		store:    store,
		queue:    q,
		objects:  objects,
		defaults: defaults,
	}
}

// CreateRender handles POST /v1/renders
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Validate
	script := strings.TrimSpace(req.Script)
	if script == "" {
		respondError(w, http.StatusBadRequest, "Script is required")
		return
	}
	if utf8.RuneCountInString(script) > maxScriptLength {
		respondError(w, http.StatusBadRequest, "Script is too long (max "+strconv.Itoa(maxScriptLength)+" characters)")
		return
	}

	provider := h.defaults.Provider
	if req.Provider != nil && *req.Provider != "" {
		provider = *req.Provider
	}
	if !h.providerAvailable(provider) {
		respondError(w, http.StatusBadRequest, "Unsupported provider. Allowed: "+strings.Join(h.defaults.Providers, ", "))
		return
	}

	sourceURL := h.defaults.SourceURL
	if req.SourceURL != nil && *req.SourceURL != "" {
		sourceURL = *req.SourceURL
	}
	if !isHTTPURL(sourceURL) {
		respondError(w, http.StatusBadRequest, "source_url must be an http(s) URL")
		return
	}

	// Speech needs both TTS and storage; otherwise the provider voices the text
	useSpeech := h.defaults.SpeechAvailable
	if req.UseSpeech != nil {
		useSpeech = *req.UseSpeech && h.defaults.SpeechAvailable
	}

	render := &models.Render{
		ID:        uuid.New(),
		Provider:  provider,
		Script:    script,
		SourceURL: sourceURL,
		VoiceID:   req.VoiceID,
		UseSpeech: useSpeech,
		Status:    models.RenderStatusQueued,
	}

	if err := h.store.CreateRender(r.Context(), render); err != nil {
		log.Printf("[API] Failed to create render: %v", err)
		respondError(w, http.StatusInternalServerError, "Failed to create render")
		return
	}

	if err := h.queue.EnqueueRender(r.Context(), render.ID, uuid.New()); err != nil {
		log.Printf("[API] Failed to enqueue render %s: %v", render.ID, err)
		if err := h.store.SetRenderError(r.Context(), render.ID, "internal", "failed to enqueue render"); err != nil {
			log.Printf("[API] Failed to mark render %s failed: %v", render.ID, err)
		}
		respondError(w, http.StatusInternalServerError, "Failed to enqueue render")
		return
	}

	respondJSON(w, http.StatusCreated, models.CreateRenderResponse{
		RenderID: render.ID,
		Status:   render.Status,
	})
}

// ListRenders handles GET /v1/renders
// Query params:
//   - status: filter by render status (queued, submitting, polling, completed, failed)
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" && !models.RenderStatus(statusFilter).Valid() {
		respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, submitting, polling, completed, failed")
		return
	}

	limit := defaultPageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.store.CountRenders(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count renders")
		return
	}

	renders, err := h.store.ListRenders(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list renders")
		return
	}
	if renders == nil {
		renders = []models.Render{}
	}

	respondJSON(w, http.StatusOK, models.ListRendersResponse{
		Renders: renders,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// GetRender handles GET /v1/renders/{id}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	render, ok := h.loadRender(w, r)
	if !ok {
		return
	}

	response := models.RenderResponse{Render: *render}
	if render.VideoStoragePath != nil && h.objects != nil {
		u := h.objects.GetPublicURL(*render.VideoStoragePath)
		response.VideoURL = &u
	} else if render.ResultURL != nil {
		response.VideoURL = render.ResultURL
	}
	if render.AudioStoragePath != nil && h.objects != nil {
		u := h.objects.GetPublicURL(*render.AudioStoragePath)
		response.AudioURL = &u
	}

	respondJSON(w, http.StatusOK, response)
}

// GetRenderDownload handles GET /v1/renders/{id}/download
// Redirects to a signed URL for the mirrored copy, or to the provider URL.
func (h *Handler) GetRenderDownload(w http.ResponseWriter, r *http.Request) {
	render, ok := h.loadRender(w, r)
	if !ok {
		return
	}

	if render.Status != models.RenderStatusCompleted {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	if render.VideoStoragePath != nil && h.objects != nil {
		// Get signed URL (valid for 1 hour)
		signedURL, err := h.objects.GetSignedURL(r.Context(), *render.VideoStoragePath, signedURLLifetime)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
			return
		}
		http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
		return
	}

	if render.ResultURL != nil && *render.ResultURL != "" {
		http.Redirect(w, r, *render.ResultURL, http.StatusTemporaryRedirect)
		return
	}

	respondError(w, http.StatusNotFound, "Video not available")
}

func (h *Handler) loadRender(w http.ResponseWriter, r *http.Request) (*models.Render, bool) {
	renderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid render ID")
		return nil, false
	}

	render, err := h.store.GetRender(r.Context(), renderID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Render not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get render")
		return nil, false
	}
	return render, true
}

func (h *Handler) providerAvailable(provider string) bool {
	for _, p := range h.defaults.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"providers": h.defaults.Providers,
	})
}
