package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"dispatchengine/internal/apperr"
	"dispatchengine/internal/filestore"
	"dispatchengine/internal/indexer"
	"dispatchengine/internal/knowledge"
	"dispatchengine/internal/models"
	"dispatchengine/internal/vectorindex"
)

// KnowledgeHandler exposes CRUD and reindex operations over the Knowledge
// Repository, handing uploaded files to the File Store and newly
// (re)created sources to the Indexing Worker.
type KnowledgeHandler struct {
	Repo     *knowledge.Repository
	Files    *filestore.Store
	Indexer  *indexer.Worker
	Index    *vectorindex.Index
	validate *validator.Validate
}

// NewKnowledgeHandler builds a KnowledgeHandler.
func NewKnowledgeHandler(repo *knowledge.Repository, files *filestore.Store, idx *indexer.Worker, index *vectorindex.Index) *KnowledgeHandler {
	return &KnowledgeHandler{Repo: repo, Files: files, Indexer: idx, Index: index, validate: validator.New()}
}

func (h *KnowledgeHandler) ownerID(r *http.Request) string {
	user := r.Context().Value(UserContextKey).(*models.User)
	return user.ID
}

// List returns every KnowledgeSource the authenticated owner has created.
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)
	sources, err := h.Repo.ListByOwner(r.Context(), owner)
	if err != nil {
		log.Printf("[knowledge] list failed for owner %s: %v", owner, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to list knowledge sources")
		return
	}
	views := make([]models.KnowledgeSourceView, 0, len(sources))
	for _, s := range sources {
		views = append(views, knowledge.View(s))
	}
	RespondWithJSON(w, http.StatusOK, views)
}

// Get returns one KnowledgeSource by id.
func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)
	sourceID := chi.URLParam(r, "sourceID")
	src, err := h.Repo.Get(r.Context(), owner, sourceID)
	if err != nil {
		log.Printf("[knowledge] get failed for %s/%s: %v", owner, sourceID, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to load knowledge source")
		return
	}
	if src == nil {
		RespondWithAppError(w, apperr.New(apperr.NotFound, "knowledge source not found"))
		return
	}
	RespondWithJSON(w, http.StatusOK, knowledge.View(*src))
}

// Create handles text/url/site KnowledgeSource creation (JSON body; no file
// attached). Uploaded files go through CreateUpload instead.
func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)

	var req models.KnowledgeSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Missing required fields")
		return
	}
	if req.Kind == models.SourceKindFile {
		RespondWithError(w, http.StatusBadRequest, "Use the upload endpoint for file sources")
		return
	}

	sourceID := uuid.NewString()
	metadata := map[string]interface{}{}
	if req.Kind == models.SourceKindText {
		metadata[models.MetaText] = req.Text
	}

	if err := h.Repo.Insert(r.Context(), owner, sourceID, req.Kind, req.URI, req.Title, models.StatusPending, 0, metadata); err != nil {
		log.Printf("[knowledge] insert failed for owner %s: %v", owner, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to create knowledge source")
		return
	}

	// A fresh row is already in StatusPending, so the reindex gate would
	// refuse it; new sources schedule the pipeline directly.
	go h.Indexer.Process(context.Background(), owner, sourceID, "", req.Title)

	src, err := h.Repo.Get(r.Context(), owner, sourceID)
	if err != nil || src == nil {
		RespondWithError(w, http.StatusInternalServerError, "Created source could not be reloaded")
		return
	}
	RespondWithJSON(w, http.StatusCreated, knowledge.View(*src))
}

const uploadMaxMemory = 32 << 20 // 32MB held in memory before spilling to disk, matching multipart's own default order of magnitude.

// CreateUpload handles file-backed KnowledgeSource creation: the file is
// saved to the File Store, a pending row is created, and indexing is
// scheduled against the saved path.
func (h *KnowledgeHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)

	if err := r.ParseMultipartForm(uploadMaxMemory); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	title := r.FormValue("title")
	if title == "" {
		RespondWithError(w, http.StatusBadRequest, "title is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	savedPath, mime, size, err := h.Files.Save(r.Context(), header.Filename, file)
	if err != nil {
		if _, ok := err.(*filestore.ErrTooLarge); ok {
			RespondWithError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		if errors.Is(err, filestore.ErrUnsupportedImage) {
			RespondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[knowledge] upload save failed for owner %s: %v", owner, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to save uploaded file")
		return
	}

	sourceID := uuid.NewString()
	metadata := map[string]interface{}{
		models.MetaSavedPath:    savedPath,
		models.MetaOrigFilename: header.Filename,
	}
	if err := h.Repo.Insert(r.Context(), owner, sourceID, models.SourceKindFile, "", title, models.StatusPending, 0, metadata); err != nil {
		h.Files.Delete(savedPath)
		log.Printf("[knowledge] insert failed for owner %s: %v", owner, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to create knowledge source")
		return
	}

	log.Printf("[knowledge] %s/%s: saved upload %q (%s, %d bytes)", owner, sourceID, header.Filename, mime, size)

	go h.Indexer.Process(context.Background(), owner, sourceID, savedPath, title)

	src, err := h.Repo.Get(r.Context(), owner, sourceID)
	if err != nil || src == nil {
		RespondWithError(w, http.StatusInternalServerError, "Created source could not be reloaded")
		return
	}
	RespondWithJSON(w, http.StatusCreated, knowledge.View(*src))
}

// Reindex re-runs the indexing pipeline for an existing source.
func (h *KnowledgeHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)
	sourceID := chi.URLParam(r, "sourceID")

	src, err := h.Repo.Get(r.Context(), owner, sourceID)
	if err != nil {
		log.Printf("[knowledge] reindex lookup failed for %s/%s: %v", owner, sourceID, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to load knowledge source")
		return
	}
	if src == nil {
		RespondWithAppError(w, apperr.New(apperr.NotFound, "knowledge source not found"))
		return
	}

	savedPath, _ := src.Metadata[models.MetaSavedPath].(string)
	scheduled, reason, err := h.Indexer.RequestReindex(r.Context(), owner, sourceID, savedPath, src.Title)
	if err != nil {
		log.Printf("[knowledge] reindex request failed for %s/%s: %v", owner, sourceID, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to schedule reindex")
		return
	}
	RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"scheduled": scheduled,
		"reason":    reason,
	})
}

// Delete removes the catalog row, its vector points, and its saved file (if
// any) — the handler owns the cross-component fan-out the Repository itself
// does not (per internal/knowledge.Repository.Delete's doc comment).
func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner := h.ownerID(r)
	sourceID := chi.URLParam(r, "sourceID")

	src, err := h.Repo.Get(r.Context(), owner, sourceID)
	if err != nil {
		log.Printf("[knowledge] delete lookup failed for %s/%s: %v", owner, sourceID, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to load knowledge source")
		return
	}
	if src == nil {
		RespondWithAppError(w, apperr.New(apperr.NotFound, "knowledge source not found"))
		return
	}

	if err := h.Repo.Delete(r.Context(), owner, sourceID); err != nil {
		log.Printf("[knowledge] delete failed for %s/%s: %v", owner, sourceID, err)
		RespondWithError(w, http.StatusInternalServerError, "Failed to delete knowledge source")
		return
	}
	if err := h.Index.DeleteForSource(r.Context(), owner, sourceID); err != nil {
		log.Printf("[knowledge] failed to delete vector points for %s/%s: %v", owner, sourceID, err)
	}

	if savedPath, ok := src.Metadata[models.MetaSavedPath].(string); ok && savedPath != "" {
		h.Files.Delete(savedPath)
	}

	w.WriteHeader(http.StatusNoContent)
}
